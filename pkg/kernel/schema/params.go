package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// ---------------------------------------------------------------------------
// Lenient scalar types
// ---------------------------------------------------------------------------

// Num is a number written either as a JSON number or as a string, possibly
// templated. It is kept as text until the step is bound.
type Num string

// UnmarshalJSON implements json.Unmarshaler.
func (n *Num) UnmarshalJSON(data []byte) error {
	s, err := scalarText(data)
	if err != nil {
		return fmt.Errorf("expected number: %w", err)
	}
	*n = Num(s)
	return nil
}

// Set reports whether a value was given.
func (n Num) Set() bool { return strings.TrimSpace(string(n)) != "" }

// Float parses the value.
func (n Num) Float() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
}

// Int parses the value, truncating fractions.
func (n Num) Int() (int, error) {
	f, err := n.Float()
	return int(f), err
}

// JSONSchema implements jsonschema custom schema.
func (Num) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{OneOf: []*jsonschema.Schema{{Type: "number"}, {Type: "string"}}}
}

// Flag is a boolean written as a JSON bool or as "true"/"false".
type Flag string

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	s, err := scalarText(data)
	if err != nil {
		return fmt.Errorf("expected boolean: %w", err)
	}
	*f = Flag(s)
	return nil
}

// Bool returns the flag value, or def when unset or unparsable.
func (f Flag) Bool(def bool) bool {
	switch strings.ToLower(strings.TrimSpace(string(f))) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}

// JSONSchema implements jsonschema custom schema.
func (Flag) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{OneOf: []*jsonschema.Schema{{Type: "boolean"}, {Type: "string"}}}
}

// Frames is a chain of iframe selectors, written as a list or as a single
// string with ">>" separators.
type Frames []string

// UnmarshalJSON implements json.Unmarshaler.
func (f *Frames) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected string or list of strings")
	}
	if s == "" {
		*f = nil
		return nil
	}
	*f = Frames{s}
	return nil
}

// Chain splits every element on ">>" and drops empty parts. Call it after
// templates are resolved.
func (f Frames) Chain() []string {
	var out []string
	for _, item := range f {
		for _, part := range strings.Split(item, ">>") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// JSONSchema implements jsonschema custom schema.
func (Frames) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{OneOf: []*jsonschema.Schema{
		{Type: "string"},
		{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
	}}
}

func scalarText(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		return "", fmt.Errorf("got %s", data)
	}
	return string(data), nil
}

// ---------------------------------------------------------------------------
// Parameter records
// ---------------------------------------------------------------------------
//
// Fields tagged tmpl:"raw" name variables or hold patterns and are never
// passed through template resolution.

// Selector locates an element, optionally inside nested iframes.
type Selector struct {
	Selector      string `json:"selector,omitempty"`
	SelectorType  string `json:"selector_type,omitempty" jsonschema:"enum=css,enum=text,enum=xpath,enum=id,enum=name,enum=test_id"`
	SelectorIndex Num    `json:"selector_index,omitempty"`
	FrameSelector Frames `json:"frame_selector,omitempty"`
	State         string `json:"state,omitempty" jsonschema:"enum=attached,enum=detached,enum=visible,enum=hidden"`
	Exact         Flag   `json:"exact,omitempty"`
}

type StartParams struct{}

type EndParams struct{}

type GotoParams struct {
	URL       string `json:"value,omitempty"`
	WaitUntil string `json:"wait_until,omitempty" jsonschema:"enum=load,enum=domcontentloaded,enum=networkidle,enum=commit"`
}

type WaitForLoadStateParams struct {
	State string `json:"state,omitempty" jsonschema:"enum=load,enum=domcontentloaded,enum=networkidle"`
}

type WaitElementParams struct {
	Selector
}

type ClickParams struct {
	Selector
	Button       string `json:"button,omitempty" jsonschema:"enum=left,enum=right,enum=middle"`
	ClickDelayMs Num    `json:"click_delay_ms,omitempty"`
}

type TypeParams struct {
	Selector
	Value string `json:"value,omitempty"`
	Clear Flag   `json:"clear,omitempty"`
}

type ExtractTextParams struct {
	Selector
	Attribute string `json:"attribute,omitempty"`
	Strip     Flag   `json:"strip,omitempty"`
	ToVar     string `json:"to_var,omitempty" tmpl:"raw"`
}

type NewTabParams struct {
	URL       string `json:"value,omitempty"`
	WaitUntil string `json:"wait_until,omitempty"`
}

type SwitchTabParams struct {
	Index   Num    `json:"index,omitempty"`
	FromVar string `json:"from_var,omitempty" tmpl:"raw"`
}

type CloseTabParams struct {
	Index Num `json:"index,omitempty"`
}

type SetVarParams struct {
	Name  string `json:"name,omitempty" tmpl:"raw"`
	Value string `json:"value,omitempty"`
	Scope string `json:"scope,omitempty" jsonschema:"enum=profile,enum=shared,enum=both"`
}

type ParseVarParams struct {
	FromVar       string `json:"from_var,omitempty" tmpl:"raw"`
	Value         string `json:"value,omitempty"`
	Pattern       string `json:"pattern,omitempty" tmpl:"raw"`
	UpdateAccount Flag   `json:"update_account,omitempty"`
}

type PopSharedParams struct {
	Key     string `json:"value,omitempty"`
	Pattern string `json:"pattern,omitempty" tmpl:"raw"`
}

type CompareParams struct {
	Op            string `json:"op,omitempty"`
	LeftVar       string `json:"left_var,omitempty" tmpl:"raw"`
	Left          string `json:"left,omitempty"`
	RightVar      string `json:"right_var,omitempty" tmpl:"raw"`
	Right         string `json:"right,omitempty"`
	CaseSensitive Flag   `json:"case_sensitive,omitempty"`
	ResultVar     string `json:"result_var,omitempty" tmpl:"raw"`
}

type HTTPRequestParams struct {
	URL               string `json:"value,omitempty"`
	Options           any    `json:"options,omitempty"`
	Method            string `json:"method,omitempty"`
	Headers           any    `json:"headers,omitempty"`
	Params            any    `json:"params,omitempty"`
	Data              any    `json:"data,omitempty"`
	Form              any    `json:"form,omitempty"`
	Multipart         any    `json:"multipart,omitempty"`
	TimeoutMs         Num    `json:"timeout_ms,omitempty"`
	FailOnStatusCode  Flag   `json:"fail_on_status_code,omitempty"`
	IgnoreHTTPSErrors Flag   `json:"ignore_https_errors,omitempty"`
	MaxRedirects      Num    `json:"max_redirects,omitempty"`
	MaxRetries        Num    `json:"max_retries,omitempty"`
	SaveAs            string `json:"save_as,omitempty"`
	ResponseVar       string `json:"response_var,omitempty"`
	ExtractJSON       any    `json:"extract_json,omitempty"`
	RequireSuccess    Flag   `json:"require_success,omitempty"`
}

// MergeOptions fills fields left empty on p from o. Step fields win over
// fields supplied through options.
func (p *HTTPRequestParams) MergeOptions(o HTTPRequestParams) {
	setStr := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	setAny := func(dst *any, src any) {
		if *dst == nil {
			*dst = src
		}
	}
	setStr(&p.URL, o.URL)
	setStr(&p.Method, o.Method)
	setStr(&p.SaveAs, o.SaveAs)
	setStr(&p.ResponseVar, o.ResponseVar)
	setAny(&p.Headers, o.Headers)
	setAny(&p.Params, o.Params)
	setAny(&p.Data, o.Data)
	setAny(&p.Form, o.Form)
	setAny(&p.Multipart, o.Multipart)
	setAny(&p.ExtractJSON, o.ExtractJSON)
	for _, pair := range []struct{ dst *Num; src Num }{
		{&p.TimeoutMs, o.TimeoutMs}, {&p.MaxRedirects, o.MaxRedirects}, {&p.MaxRetries, o.MaxRetries},
	} {
		if !pair.dst.Set() {
			*pair.dst = pair.src
		}
	}
	for _, pair := range []struct{ dst *Flag; src Flag }{
		{&p.FailOnStatusCode, o.FailOnStatusCode}, {&p.IgnoreHTTPSErrors, o.IgnoreHTTPSErrors},
		{&p.RequireSuccess, o.RequireSuccess},
	} {
		if *pair.dst == "" {
			*pair.dst = pair.src
		}
	}
}

type WriteFileParams struct {
	Filename string `json:"filename,omitempty"`
	Value    string `json:"value,omitempty"`
}

type SleepParams struct {
	Seconds Num `json:"seconds,omitempty"`
}

type LogParams struct {
	Value string `json:"value,omitempty"`
}

type SetTagParams struct {
	Stage string `json:"value,omitempty"`
}

type RunScenarioParams struct {
	Scenario string `json:"scenario,omitempty"`
}

// NewParams returns a pointer to an empty parameter record for a.
func NewParams(a Action) any {
	switch a {
	case ActionStart:
		return &StartParams{}
	case ActionEnd:
		return &EndParams{}
	case ActionGoto:
		return &GotoParams{}
	case ActionWaitForLoadState:
		return &WaitForLoadStateParams{}
	case ActionWaitElement:
		return &WaitElementParams{}
	case ActionClick:
		return &ClickParams{}
	case ActionType:
		return &TypeParams{}
	case ActionExtractText:
		return &ExtractTextParams{}
	case ActionNewTab:
		return &NewTabParams{}
	case ActionSwitchTab:
		return &SwitchTabParams{}
	case ActionCloseTab:
		return &CloseTabParams{}
	case ActionSetVar:
		return &SetVarParams{}
	case ActionParseVar:
		return &ParseVarParams{}
	case ActionPopShared:
		return &PopSharedParams{}
	case ActionCompare:
		return &CompareParams{}
	case ActionHTTPRequest:
		return &HTTPRequestParams{}
	case ActionWriteFile:
		return &WriteFileParams{}
	case ActionSleep:
		return &SleepParams{}
	case ActionLog:
		return &LogParams{}
	case ActionSetTag:
		return &SetTagParams{}
	case ActionRunScenario:
		return &RunScenarioParams{}
	}
	return nil
}

// DecodeParams decodes a canonical parameter map into the record for a.
func DecodeParams(a Action, params map[string]any) (any, error) {
	rec := NewParams(a)
	if rec == nil {
		return nil, fmt.Errorf("unknown action %q", a)
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// Aliases
// ---------------------------------------------------------------------------

// paramAliases maps canonical field names to the aliases accepted for them,
// per action. Aliases are tried in order after the canonical name.
var selectorAliases = map[string][]string{
	"selector_type": {"selector_kind"},
}

var paramAliases = map[Action]map[string][]string{
	ActionGoto:             {"value": {"url"}},
	ActionWaitForLoadState: {"state": {"wait_until"}},
	ActionWaitElement:      selectorAliases,
	ActionClick:            selectorAliases,
	ActionType:             withSelector(map[string][]string{"value": {"text"}}),
	ActionExtractText:      withSelector(map[string][]string{"to_var": {"var", "name"}}),
	ActionNewTab:           {"value": {"url"}},
	ActionSwitchTab:        {"index": {"tab_index"}},
	ActionCloseTab:         {"index": {"tab_index"}},
	ActionSetVar:           {"name": {"variable", "var"}, "value": {"text"}},
	ActionParseVar:         {"from_var": {"var", "name"}, "value": {"text"}, "pattern": {"targets_string"}},
	ActionPopShared:        {"pattern": {"targets_string"}},
	ActionCompare: {
		"op":         {"operator"},
		"left_var":   {"from_var", "var", "name"},
		"left":       {"a"},
		"right_var":  {"b_var"},
		"right":      {"b", "value"},
		"result_var": {"to_var"},
	},
	ActionHTTPRequest: {
		"value":        {"url"},
		"options":      {"options_json"},
		"method":       {"http_method"},
		"params":       {"query", "query_params"},
		"data":         {"json", "body"},
		"save_as":      {"result_prefix", "prefix", "var_prefix"},
		"response_var": {"to_var"},
		"extract_json": {"json_extract"},
	},
	ActionWriteFile:   {"filename": {"file"}, "value": {"text", "message"}},
	ActionLog:         {"value": {"message", "text"}},
	ActionSetTag:      {"value": {"stage"}},
	ActionRunScenario: {"scenario": {"scenario_name", "name", "value"}},
}

func withSelector(m map[string][]string) map[string][]string {
	for k, v := range selectorAliases {
		m[k] = v
	}
	return m
}

// CanonicalParams folds aliases for a into their canonical names. The input
// map is not modified.
func CanonicalParams(a Action, in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	for canonical, aliases := range paramAliases[a] {
		if present(out[canonical]) {
			for _, alias := range aliases {
				delete(out, alias)
			}
			continue
		}
		for _, alias := range aliases {
			if v, ok := out[alias]; ok && present(v) {
				out[canonical] = v
				break
			}
		}
		for _, alias := range aliases {
			delete(out, alias)
		}
	}
	return out
}

func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	default:
		return true
	}
}
