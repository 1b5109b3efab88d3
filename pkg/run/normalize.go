package run

import (
	"context"
	"fmt"
	"sort"
	"time"

	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
	"github.com/wehubfusion/rapidflat/pkg/flowdef"
)

// DefinitionSource resolves flow definitions. *flowdef.Cache implements it.
type DefinitionSource interface {
	Lookup(ctx context.Context, flowUUID string) *flowdef.Definition
}

// visit is the earliest path record of a node.
type visit struct {
	arrive *time.Time
	leave  *time.Time
}

// Normalize builds a Run with one entry per distinct node in the path, plus one
// entry per captured value whose node never appears in the path.
// It fails only when the raw run lacks its path or values.
func Normalize(ctx context.Context, raw *RawRun, defs DefinitionSource) (*Run, error) {
	if raw == nil {
		return nil, fmt.Errorf("normalize: nil run")
	}

	path := raw.Path
	if path == nil {
		path = raw.Steps
	}
	if path == nil {
		return nil, rferrors.MissingField("run "+raw.Ref(), "path")
	}
	if raw.Values == nil {
		return nil, rferrors.MissingField("run "+raw.Ref(), "values")
	}

	r := &Run{
		ID:         raw.ID,
		UUID:       raw.UUID,
		Flow:       raw.Flow,
		Contact:    raw.Contact,
		Responded:  raw.Responded,
		CreatedOn:  raw.CreatedOn,
		ModifiedOn: raw.ModifiedOn,
		ExitedOn:   raw.ExitedOn,
		ExitType:   raw.ExitType,
		Entries:    make([]*Entry, 0, len(path)),
	}

	nodes := make([]string, len(path))
	for i, step := range path {
		nodes[i] = step.Node
	}
	mistakes := CountMistakes(nodes)
	order, visits := firstVisits(path)
	captured := valuesByNode(raw.Values)

	var def *flowdef.Definition
	definition := func() *flowdef.Definition {
		if def == nil {
			if defs == nil {
				def = flowdef.Unknown
			} else {
				def = defs.Lookup(ctx, raw.Flow.UUID)
			}
		}
		return def
	}

	for _, node := range order {
		v := visits[node]
		if label, ok := captured[node]; ok {
			e := valueEntry(label, raw.Values[label])
			e.ArrivedOn = v.arrive
			e.LeftOn = v.leave
			e.Mistakes = mistakes[node]
			r.Entries = append(r.Entries, e)
			continue
		}
		r.Entries = append(r.Entries, stepEntry(node, v, mistakes[node], definition()))
	}

	// values whose node never shows up in the path still get an entry
	for _, label := range sortedLabels(raw.Values) {
		value := raw.Values[label]
		if _, seen := visits[value.Node]; seen {
			continue
		}
		if captured[value.Node] != label {
			continue
		}
		e := valueEntry(label, value)
		e.ArrivedOn = value.Time
		r.Entries = append(r.Entries, e)
	}

	return r, nil
}

// CountMistakes counts A→B→A round trips per node over the raw path.
func CountMistakes(nodes []string) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+2 < len(nodes); i++ {
		if nodes[i] == nodes[i+2] {
			counts[nodes[i]]++
		}
	}
	return counts
}

// firstVisits returns the distinct nodes in order of first appearance together
// with the earliest record of each. Ties on time keep the first record in the list.
func firstVisits(path []RawStep) ([]string, map[string]visit) {
	order := make([]string, 0, len(path))
	visits := make(map[string]visit, len(path))

	for i, step := range path {
		arrive := step.Arrived()
		current, seen := visits[step.Node]
		if !seen {
			order = append(order, step.Node)
		}
		if !seen || earlier(arrive, current.arrive) {
			visits[step.Node] = visit{arrive: arrive, leave: departure(path, i)}
		}
	}
	return order, visits
}

// departure is the recorded left_on of path[i], else the arrival at the next node.
func departure(path []RawStep, i int) *time.Time {
	if path[i].LeftOn != nil {
		return path[i].LeftOn
	}
	if i+1 < len(path) {
		return path[i+1].Arrived()
	}
	return nil
}

func earlier(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Before(*b)
	}
}

// valuesByNode picks one label per node: the latest capture, ties to the smaller label.
func valuesByNode(values map[string]RawValue) map[string]string {
	chosen := make(map[string]string, len(values))
	for _, label := range sortedLabels(values) {
		node := values[label].Node
		prev, ok := chosen[node]
		if !ok {
			chosen[node] = label
			continue
		}
		cur, old := values[label].Time, values[prev].Time
		if cur != nil && (old == nil || cur.After(*old)) {
			chosen[node] = label
		}
	}
	return chosen
}

func sortedLabels(values map[string]RawValue) []string {
	labels := make([]string, 0, len(values))
	for label := range values {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func valueEntry(label string, v RawValue) *Entry {
	l := label
	return &Entry{
		Node:      v.Node,
		Origin:    OriginValues,
		Time:      v.Time,
		Value:     v.Value,
		Label:     &l,
		Category:  v.Category,
		RuleValue: v.RuleValue,
	}
}

func stepEntry(node string, v visit, mistakes int, def *flowdef.Definition) *Entry {
	e := &Entry{
		Node:      node,
		Origin:    OriginSteps,
		ArrivedOn: v.arrive,
		LeftOn:    v.leave,
		Mistakes:  mistakes,
	}
	if text, typ, ok := def.NodeAction(node); ok {
		e.Text = &text
		e.Type = &typ
	}
	return e
}
