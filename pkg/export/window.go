package export

import (
	"time"

	"github.com/wehubfusion/rapidflat/pkg/rapidpro"
)

// BaseDate is the lower boundary of the first equal-width window. Runs modified
// before it fall in window 0.
var BaseDate = time.Date(2015, time.January, 1, 23, 58, 24, 0, time.UTC)

// Window is one time slice of a partitioned fetch. A nil bound is open.
type Window struct {
	Index  int
	After  *time.Time
	Before *time.Time
}

// Windows splits time into n+2 windows: everything before base, n equal slices
// from base to now, and everything after now.
func Windows(base, now time.Time, n int) []Window {
	if n < 1 {
		n = 1
	}
	if now.Before(base) {
		now = base
	}

	windows := make([]Window, 0, n+2)
	windows = append(windows, Window{Index: 0, Before: timePtr(base)})

	step := now.Sub(base) / time.Duration(n)
	lower := base
	for i := 1; i <= n; i++ {
		upper := base.Add(time.Duration(i) * step)
		if i == n {
			upper = now
		}
		windows = append(windows, Window{Index: i, After: timePtr(lower), Before: timePtr(upper)})
		lower = upper
	}

	windows = append(windows, Window{Index: n + 1, After: timePtr(now)})
	return windows
}

// Query returns the API query covering the window, optionally limited to one flow.
func (w Window) Query(flowUUID string) rapidpro.Query {
	return rapidpro.Query{After: w.After, Before: w.Before, Flow: flowUUID}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
