// Package enrich derives ordering, durations and response types for normalized runs.
//
// Each stage mutates a run in place and never drops entries. Stages tolerate absent
// optional fields by leaving the derived field nil.
package enrich

import (
	"github.com/wehubfusion/rapidflat/pkg/run"
)

// Stage is one enrichment step.
type Stage struct {
	Name  string
	Apply func(r *run.Run)
}

// Pipeline applies stages in sequence.
type Pipeline []Stage

// Default is the full pipeline in its fixed order.
var Default = Pipeline{
	{Name: "sanitize", Apply: Sanitize},
	{Name: "order", Apply: Order},
	{Name: "mistakes", Apply: ValidateMistakes},
	{Name: "durations", Apply: Durations},
	{Name: "response_type", Apply: ClassifyResponses},
}

// Apply runs every stage over r and returns it.
func (p Pipeline) Apply(r *run.Run) *run.Run {
	if r == nil {
		return nil
	}
	for _, stage := range p {
		stage.Apply(r)
	}
	return r
}

// Names lists the stage names in execution order.
func (p Pipeline) Names() []string {
	names := make([]string, len(p))
	for i, stage := range p {
		names[i] = stage.Name
	}
	return names
}

// Enrich applies the default pipeline.
func Enrich(r *run.Run) *run.Run {
	return Default.Apply(r)
}

// ValidateMistakes guarantees every entry carries a non-negative mistake count.
func ValidateMistakes(r *run.Run) {
	for _, e := range r.Entries {
		if e.Mistakes < 0 {
			e.Mistakes = 0
		}
	}
}
