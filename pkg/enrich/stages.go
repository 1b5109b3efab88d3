package enrich

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/wehubfusion/rapidflat/pkg/run"
)

// returnSymbol is U+23CE, which some channels insert in place of line breaks.
const returnSymbol = '⏎'

func isLineBreak(r rune) bool {
	return r == '\n' || r == '\r' || r == returnSymbol
}

// CleanText removes line breaks and return symbols from s.
func CleanText(s string) string {
	if !strings.ContainsFunc(s, isLineBreak) {
		return s
	}
	out, _, err := transform.String(runes.Remove(runes.Predicate(isLineBreak)), s)
	if err != nil {
		return s
	}
	return out
}

// Sanitize strips line breaks from free-text values, rule values and message text.
func Sanitize(r *run.Run) {
	for _, e := range r.Entries {
		if s, ok := e.Value.(string); ok {
			e.Value = CleanText(s)
		}
		if s, ok := e.RuleValue.(string); ok {
			e.RuleValue = CleanText(s)
		}
		if e.Text != nil {
			text := CleanText(*e.Text)
			e.Text = &text
		}
	}
}

// Order stable-sorts entries by arrival, entries without one last, and numbers them from 1.
func Order(r *run.Run) {
	sort.SliceStable(r.Entries, func(i, j int) bool {
		a, b := r.Entries[i].ArrivedOn, r.Entries[j].ArrivedOn
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.Before(*b)
	})
	for i, e := range r.Entries {
		e.Order = i + 1
	}
}

// Durations sets the run's interaction span and each entry's time at its node.
// Both are whole seconds; either is nil when the needed timestamps are missing.
func Durations(r *run.Run) {
	r.RunTime = runTime(r.Entries)
	for _, e := range r.Entries {
		e.StepTime = seconds(e.ArrivedOn, e.LeftOn)
	}
}

// runTime spans the first arrival to the last recorded departure. It expects
// entries in chronological order and needs at least two of them.
func runTime(entries []*run.Entry) *float64 {
	if len(entries) < 2 {
		return nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].LeftOn != nil {
			return seconds(entries[0].ArrivedOn, entries[i].LeftOn)
		}
	}
	return nil
}

func seconds(start, end *time.Time) *float64 {
	if start == nil || end == nil {
		return nil
	}
	d := end.Truncate(time.Second).Sub(start.Truncate(time.Second)).Seconds()
	return &d
}

// responseSuffixes are checked in this order; the first match wins.
var responseSuffixes = []string{"_s", "_c", "_f", "_n", "_t"}

// ResponseType maps a result label to its one-letter response type:
// s yes/no, c categorical, f datetime, n numeric, t free text.
func ResponseType(label *string) *string {
	if label == nil {
		return nil
	}
	for _, suffix := range responseSuffixes {
		if strings.HasSuffix(*label, suffix) {
			kind := suffix[1:]
			return &kind
		}
	}
	return nil
}

// ClassifyResponses sets the response type of every entry from its label.
func ClassifyResponses(r *run.Run) {
	for _, e := range r.Entries {
		e.ResponseType = ResponseType(e.Label)
	}
}
