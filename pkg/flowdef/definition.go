// Package flowdef models the static structure of a flow (its action and rule nodes)
// and memoizes definitions fetched from the platform API.
package flowdef

import (
	"encoding/json"
	"fmt"
	"sort"
)

// UnknownFlow is the text and type reported for nodes whose flow definition
// could not be resolved.
const UnknownFlow = "unknown flow"

// Action is one action attached to an action node.
type Action struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// ActionSet is an action node: a node that sends messages or performs actions.
type ActionSet struct {
	UUID    string   `json:"uuid"`
	Actions []Action `json:"actions"`
}

// RuleSet is a branching node. It contributes no text to the export.
type RuleSet struct {
	UUID        string `json:"uuid"`
	Label       string `json:"label,omitempty"`
	RulesetType string `json:"ruleset_type,omitempty"`
}

// Definition is the immutable node graph of one flow.
type Definition struct {
	UUID         string
	Name         string
	BaseLanguage string
	ActionSets   []ActionSet
	RuleSets     []RuleSet

	unknown bool
	actions map[string]Action
}

// Unknown is the sentinel returned for flows whose definition is absent.
var Unknown = &Definition{unknown: true}

type definitionJSON struct {
	Metadata struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	} `json:"metadata"`
	BaseLanguage string      `json:"base_language"`
	ActionSets   []ActionSet `json:"action_sets"`
	RuleSets     []RuleSet   `json:"rule_sets"`
}

// UnmarshalJSON decodes the legacy flow definition format.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var raw definitionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = *New(raw.Metadata.UUID, raw.Metadata.Name, raw.BaseLanguage, raw.ActionSets, raw.RuleSets)
	return nil
}

// New builds a definition and indexes its action nodes.
func New(uuid, name, baseLanguage string, actionSets []ActionSet, ruleSets []RuleSet) *Definition {
	d := &Definition{
		UUID:         uuid,
		Name:         name,
		BaseLanguage: baseLanguage,
		ActionSets:   actionSets,
		RuleSets:     ruleSets,
		actions:      make(map[string]Action, len(actionSets)),
	}
	for _, set := range actionSets {
		if len(set.Actions) == 0 {
			continue
		}
		d.actions[set.UUID] = set.Actions[0]
	}
	return d
}

// Known reports whether d describes a resolved flow.
func (d *Definition) Known() bool {
	return d != nil && !d.unknown
}

// NodeAction returns the message text and action type of an action node.
// ok is false for branching nodes and nodes the flow does not contain.
func (d *Definition) NodeAction(node string) (text, actionType string, ok bool) {
	if !d.Known() {
		return UnknownFlow, UnknownFlow, true
	}
	action, found := d.actions[node]
	if !found {
		return "", "", false
	}
	return action.Text(d.BaseLanguage), action.Type, true
}

// Text resolves the action message. Localized messages prefer lang, then "base",
// then the first language in lexical order.
func (a Action) Text(lang string) string {
	if len(a.Msg) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(a.Msg, &plain); err == nil {
		return plain
	}

	var localized map[string]string
	if err := json.Unmarshal(a.Msg, &localized); err != nil || len(localized) == 0 {
		return ""
	}
	if text, ok := localized[lang]; ok && lang != "" {
		return text
	}
	if text, ok := localized["base"]; ok {
		return text
	}
	langs := make([]string, 0, len(localized))
	for l := range localized {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return localized[langs[0]]
}

// ParseDefinitions decodes a definitions payload ({"flows": [...]}).
func ParseDefinitions(data []byte) ([]*Definition, error) {
	var payload struct {
		Flows []*Definition `json:"flows"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode flow definitions: %w", err)
	}
	return payload.Flows, nil
}
