// Package schema defines scenarios, steps and the typed per-action
// parameter records, and loads them from JSON or YAML documents.
package schema

import (
	"maps"
	"strings"
)

// ---------------------------------------------------------------------------
// Scenario
// ---------------------------------------------------------------------------

// Scenario is a named, ordered list of steps. It is read-only once loaded.
type Scenario struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`

	// Path is the file the scenario was loaded from, if any.
	Path string `json:"-"`
}

// Tags returns the step tags in sequence order.
func (s *Scenario) Tags() []string {
	tags := make([]string, len(s.Steps))
	for i := range s.Steps {
		tags[i] = s.Steps[i].Tag
	}
	return tags
}

// StepByTag returns the step with the given tag.
func (s *Scenario) StepByTag(tag string) (*Step, bool) {
	for i := range s.Steps {
		if s.Steps[i].Tag == tag {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

// Action enumerates the step kinds.
type Action string

const (
	ActionStart            Action = "start"
	ActionEnd              Action = "end"
	ActionGoto             Action = "goto"
	ActionWaitForLoadState Action = "wait_for_load_state"
	ActionWaitElement      Action = "wait_element"
	ActionClick            Action = "click"
	ActionType             Action = "type"
	ActionExtractText      Action = "extract_text"
	ActionNewTab           Action = "new_tab"
	ActionSwitchTab        Action = "switch_tab"
	ActionCloseTab         Action = "close_tab"
	ActionSetVar           Action = "set_var"
	ActionParseVar         Action = "parse_var"
	ActionPopShared        Action = "pop_shared"
	ActionCompare          Action = "compare"
	ActionHTTPRequest      Action = "http_request"
	ActionWriteFile        Action = "write_file"
	ActionSleep            Action = "sleep"
	ActionLog              Action = "log"
	ActionSetTag           Action = "set_tag"
	ActionRunScenario      Action = "run_scenario"
)

// Actions lists every action in documentation order.
var Actions = []Action{
	ActionStart, ActionEnd, ActionGoto, ActionWaitForLoadState, ActionWaitElement,
	ActionClick, ActionType, ActionExtractText, ActionNewTab, ActionSwitchTab,
	ActionCloseTab, ActionSetVar, ActionParseVar, ActionPopShared, ActionCompare,
	ActionHTTPRequest, ActionWriteFile, ActionSleep, ActionLog, ActionSetTag,
	ActionRunScenario,
}

var actionAliases = map[string]Action{
	"extract":        ActionExtractText,
	"parse_vars":     ActionParseVar,
	"parse_variable": ActionParseVar,
	"if":             ActionCompare,
	"http":           ActionHTTPRequest,
	"pop":            ActionPopShared,
	"set_stage":      ActionSetTag,
}

// ParseAction normalizes an action name, resolving aliases.
func ParseAction(raw string) (Action, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if a, ok := actionAliases[name]; ok {
		return a, true
	}
	for _, a := range Actions {
		if string(a) == name {
			return a, true
		}
	}
	return "", false
}

// IsBrowserAction reports whether the action delegates to the browser driver.
func (a Action) IsBrowserAction() bool {
	switch a {
	case ActionGoto, ActionWaitForLoadState, ActionWaitElement, ActionClick, ActionType,
		ActionExtractText, ActionNewTab, ActionSwitchTab, ActionCloseTab, ActionHTTPRequest:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Step
// ---------------------------------------------------------------------------

// Step is one typed action plus its routing. Params holds the canonical
// parameter map (aliases folded) and Typed the decoded record for Action.
type Step struct {
	Action      Action `json:"action"`
	Tag         string `json:"tag"`
	Description string `json:"description,omitempty"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
	NextSuccess string `json:"next_success_step,omitempty"`
	NextError   string `json:"next_error_step,omitempty"`

	Index   int            `json:"-"`
	AutoTag bool           `json:"-"`
	Params  map[string]any `json:"-"`
	Typed   any            `json:"-"`
}

// Canonical returns the step as a flat document using canonical field names.
func (s *Step) Canonical() map[string]any {
	out := make(map[string]any, len(s.Params)+6)
	maps.Copy(out, s.Params)
	out["action"] = string(s.Action)
	out["tag"] = s.Tag
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.TimeoutMs > 0 {
		out["timeout_ms"] = s.TimeoutMs
	}
	if s.NextSuccess != "" {
		out["next_success_step"] = s.NextSuccess
	}
	if s.NextError != "" {
		out["next_error_step"] = s.NextError
	}
	return out
}

// Label is the human-readable name of the step used in logs.
func (s *Step) Label() string {
	if s.Description != "" {
		return s.Description
	}
	return s.Tag
}
