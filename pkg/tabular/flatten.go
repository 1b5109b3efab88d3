// Package tabular turns enriched runs and API records into flat rows and moves
// those rows in and out of delimited files.
package tabular

import (
	"time"

	"github.com/wehubfusion/rapidflat/pkg/run"
)

// Row is one flat record. Rows may carry different column sets.
type Row map[string]any

// Entry columns.
const (
	ColNode         = "node"
	ColOrigin       = "origin"
	ColArrivedOn    = "arrived_on"
	ColLeftOn       = "left_on"
	ColTime         = "time"
	ColValue        = "value"
	ColLabel        = "label"
	ColRuleValue    = "rule_value"
	ColText         = "text"
	ColType         = "type"
	ColOrder        = "order"
	ColMistakes     = "mistakes"
	ColStepTime     = "step_time"
	ColResponseType = "response_type"
	ColCategory     = "category"
)

// Run-level columns broadcast onto every entry row.
const (
	ColExitedOn    = "exited_on"
	ColFlowUUID    = "flow_uuid"
	ColFlowName    = "flow_name"
	ColResponded   = "responded"
	ColCreatedOn   = "created_on"
	ColContactUUID = "contact_uuid"
	ColContactURN  = "contact_urn"
	ColContactName = "contact_name"
	ColModifiedOn  = "modified_on"
	ColID          = "id"
	ColExitType    = "exit_type"
	ColRunTime     = "run_time"
)

// BaseLanguage is the category key used for scalar categories.
const BaseLanguage = "base"

// RunColumns is the preferred column order for flattened runs.
var RunColumns = []string{
	ColID, ColFlowUUID, ColFlowName, ColContactUUID, ColContactURN, ColContactName,
	ColResponded, ColCreatedOn, ColModifiedOn, ColExitedOn, ColExitType, ColRunTime,
	ColOrder, ColNode, ColOrigin, ColArrivedOn, ColLeftOn, ColTime, ColLabel, ColValue,
	ColCategory + "_" + BaseLanguage, ColCategory + "_spa", ColRuleValue, ColText, ColType,
	ColMistakes, ColStepTime, ColResponseType,
}

// Option configures a Flattener.
type Option func(*Flattener)

// WithRunTime broadcasts the run's interaction span as run_time.
func WithRunTime() Option {
	return func(f *Flattener) {
		f.runTime = true
	}
}

// Flattener projects runs into rows, one per entry.
type Flattener struct {
	runTime bool
}

// NewFlattener creates a flattener.
func NewFlattener(opts ...Option) *Flattener {
	f := &Flattener{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Flatten flattens runs with the default options.
func Flatten(runs ...*run.Run) []Row {
	return NewFlattener().Flatten(runs...)
}

// Flatten emits one row per entry, in entry order, each carrying the broadcast
// run fields. A run without entries yields a single row of run fields only.
func (f *Flattener) Flatten(runs ...*run.Run) []Row {
	var rows []Row
	for _, r := range runs {
		rows = append(rows, f.FlattenRun(r)...)
	}
	return rows
}

// FlattenRun flattens a single run.
func (f *Flattener) FlattenRun(r *run.Run) []Row {
	if r == nil {
		return nil
	}
	broadcast := f.runFields(r)
	if len(r.Entries) == 0 {
		return []Row{broadcast}
	}

	rows := make([]Row, 0, len(r.Entries))
	for _, e := range r.Entries {
		row := entryFields(e)
		for k, v := range broadcast {
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows
}

func (f *Flattener) runFields(r *run.Run) Row {
	row := Row{
		ColExitedOn:    timeValue(r.ExitedOn),
		ColFlowUUID:    r.Flow.UUID,
		ColFlowName:    r.Flow.Name,
		ColResponded:   r.Responded,
		ColCreatedOn:   timeValue(r.CreatedOn),
		ColContactUUID: r.Contact.UUID,
		ColContactURN:  optional(r.Contact.URN),
		ColContactName: optional(r.Contact.Name),
		ColModifiedOn:  timeValue(r.ModifiedOn),
		ColID:          r.ID,
		ColExitType:    optional(string(r.ExitType)),
	}
	if f.runTime {
		row[ColRunTime] = floatValue(r.RunTime)
	}
	return row
}

func entryFields(e *run.Entry) Row {
	row := Row{
		ColNode:         e.Node,
		ColOrigin:       string(e.Origin),
		ColArrivedOn:    timeValue(e.ArrivedOn),
		ColLeftOn:       timeValue(e.LeftOn),
		ColTime:         timeValue(e.Time),
		ColValue:        e.Value,
		ColRuleValue:    e.RuleValue,
		ColText:         stringValue(e.Text),
		ColType:         stringValue(e.Type),
		ColOrder:        e.Order,
		ColMistakes:     e.Mistakes,
		ColStepTime:     floatValue(e.StepTime),
		ColResponseType: stringValue(e.ResponseType),
	}
	// entries without a captured result carry the 0 label
	if e.Label != nil {
		row[ColLabel] = *e.Label
	} else {
		row[ColLabel] = 0
	}
	for k, v := range CategoryColumns(e.Category) {
		row[k] = v
	}
	return row
}

// CategoryColumns spreads a category over category_<lang> columns. A scalar or
// absent category fills category_base and forces category_spa to nil.
func CategoryColumns(category any) Row {
	switch c := category.(type) {
	case map[string]any:
		cols := make(Row, len(c))
		for lang, text := range c {
			cols[ColCategory+"_"+lang] = text
		}
		return cols
	case map[string]string:
		cols := make(Row, len(c))
		for lang, text := range c {
			cols[ColCategory+"_"+lang] = text
		}
		return cols
	default:
		return Row{
			ColCategory + "_" + BaseLanguage: c,
			ColCategory + "_spa":             nil,
		}
	}
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func floatValue(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func stringValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}
