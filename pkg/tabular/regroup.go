package tabular

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// RunRows is the rows of one run.
type RunRows struct {
	ID   string
	Rows []Row
}

// Regroup groups rows by run id, in order of first appearance, and sorts each
// group by entry order. It accepts rows straight from Flatten or read back from CSV.
func Regroup(rows []Row) []RunRows {
	var groups []RunRows
	index := make(map[string]int)

	for _, row := range rows {
		id := FormatValue(row[ColID])
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, RunRows{ID: id})
		}
		groups[i].Rows = append(groups[i].Rows, row)
	}

	for _, g := range groups {
		sort.SliceStable(g.Rows, func(i, j int) bool {
			a, _ := IntValue(g.Rows[i][ColOrder])
			b, _ := IntValue(g.Rows[j][ColOrder])
			return a < b
		})
	}
	return groups
}

// IntValue reads an integer cell written by Flatten or parsed from CSV.
func IntValue(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	default:
		return 0, false
	}
}

// TimeValue reads a timestamp cell written by Flatten or parsed from CSV.
func TimeValue(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, true
	case string:
		t, err := time.Parse(TimeLayout, strings.TrimSpace(x))
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

// Latest returns the greatest timestamp found in column col, or nil.
func Latest(rows []Row, col string) *time.Time {
	var latest *time.Time
	for _, row := range rows {
		t, ok := TimeValue(row[col])
		if !ok {
			continue
		}
		if latest == nil || t.After(*latest) {
			t := t
			latest = &t
		}
	}
	return latest
}
