// Package run holds the raw wire shape of a flow run and the normalized per-node
// timeline built from it.
package run

import (
	"strconv"
	"time"
)

// Origin records why an entry exists.
type Origin string

const (
	// OriginValues marks entries where the contact supplied a captured value
	OriginValues Origin = "values"
	// OriginSteps marks nodes the contact only passed through
	OriginSteps Origin = "steps"
)

// ExitType is how a run ended.
type ExitType string

const (
	ExitNone        ExitType = ""
	ExitCompleted   ExitType = "completed"
	ExitExpired     ExitType = "expired"
	ExitInterrupted ExitType = "interrupted"
)

// FlowRef identifies a flow.
type FlowRef struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// ContactRef identifies a contact.
type ContactRef struct {
	UUID string `json:"uuid"`
	URN  string `json:"urn,omitempty"`
	Name string `json:"name,omitempty"`
}

// RawStep is one element of a run's path. Legacy step records carry arrived_on and
// left_on instead of time.
type RawStep struct {
	Node      string     `json:"node"`
	Time      *time.Time `json:"time,omitempty"`
	ArrivedOn *time.Time `json:"arrived_on,omitempty"`
	LeftOn    *time.Time `json:"left_on,omitempty"`
	ExitUUID  string     `json:"exit_uuid,omitempty"`
}

// Arrived returns the arrival time at the node.
func (s RawStep) Arrived() *time.Time {
	if s.Time != nil {
		return s.Time
	}
	return s.ArrivedOn
}

// RawValue is one captured result, keyed by its label in RawRun.Values.
type RawValue struct {
	Name      string     `json:"name,omitempty"`
	Node      string     `json:"node"`
	Time      *time.Time `json:"time"`
	Value     any        `json:"value"`
	Category  any        `json:"category"`
	Input     string     `json:"input,omitempty"`
	RuleValue any        `json:"rule_value,omitempty"`
}

// RawRun is a run as returned by the runs endpoint.
// Path and Values are required; Steps is accepted in place of Path.
type RawRun struct {
	ID         int64               `json:"id"`
	UUID       string              `json:"uuid,omitempty"`
	Flow       FlowRef             `json:"flow"`
	Contact    ContactRef          `json:"contact"`
	Responded  bool                `json:"responded"`
	CreatedOn  *time.Time          `json:"created_on"`
	ModifiedOn *time.Time          `json:"modified_on"`
	ExitedOn   *time.Time          `json:"exited_on"`
	ExitType   ExitType            `json:"exit_type"`
	Path       []RawStep           `json:"path"`
	Steps      []RawStep           `json:"steps,omitempty"`
	Values     map[string]RawValue `json:"values"`
}

// Ref names the run in errors and logs.
func (r *RawRun) Ref() string {
	if r.UUID != "" {
		return r.UUID
	}
	return strconv.FormatInt(r.ID, 10)
}

// Entry is one reconstructed node visit in a run's timeline.
type Entry struct {
	Node   string
	Origin Origin

	ArrivedOn *time.Time
	LeftOn    *time.Time
	// Time is when the value was captured; nil for step entries.
	Time *time.Time

	Value     any
	Label     *string
	Category  any
	RuleValue any
	Text      *string
	Type      *string

	Order        int
	Mistakes     int
	StepTime     *float64
	ResponseType *string
}

// Run is one contact's traversal of one flow.
type Run struct {
	ID         int64
	UUID       string
	Flow       FlowRef
	Contact    ContactRef
	Responded  bool
	CreatedOn  *time.Time
	ModifiedOn *time.Time
	ExitedOn   *time.Time
	ExitType   ExitType

	// RunTime is the interaction span in seconds, set by the duration stage.
	RunTime *float64

	Entries []*Entry
}
