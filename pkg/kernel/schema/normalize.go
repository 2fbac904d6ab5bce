package schema

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// stepFields are consumed by Step itself and never reach Params.
var stepFields = map[string]bool{
	"action": true, "tag": true, "label": true, "description": true, "timeout_ms": true,
	"next_success_step": true, "next_error_step": true, "true_step": true, "false_step": true,
}

// Operators maps every accepted compare operator spelling to its canonical name.
var Operators = map[string]string{
	"equals": "equals", "eq": "equals", "==": "equals",
	"not_equals": "not_equals", "ne": "not_equals", "!=": "not_equals",
	"contains":     "contains",
	"not_contains": "not_contains",
	"startswith":   "startswith",
	"endswith":     "endswith",
	"regex": "regex", "re": "regex", "match": "regex",
	"is_empty": "is_empty", "empty": "is_empty",
	"not_empty": "not_empty", "has_value": "not_empty",
	"gt": "gt", ">": "gt",
	"gte": "gte", ">=": "gte",
	"lt": "lt", "<": "lt",
	"lte": "lte", "<=": "lte",
}

// NormalizeOperator returns the canonical compare operator. Empty means equals.
func NormalizeOperator(op string) (string, bool) {
	op = strings.ToLower(strings.TrimSpace(op))
	if op == "" {
		return "equals", true
	}
	c, ok := Operators[op]
	return c, ok
}

// NormalizeSelectorType maps selector kinds to css, text, xpath, id, name or
// test_id. Unrecognized kinds fall back to css.
func NormalizeSelectorType(kind string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "css":
		return "css", true
	case "text", "get_by_text", "by_text":
		return "text", true
	case "xpath", "xp":
		return "xpath", true
	case "id", "#":
		return "id", true
	case "name":
		return "name", true
	case "test_id", "testid", "data-testid", "data_testid":
		return "test_id", true
	default:
		return "css", false
	}
}

type rawStep struct {
	explicitTag string
	fields      map[string]any
}

// normalize turns a decoded document into a Scenario, folding aliases and
// assigning tags. All problems are returned joined.
func normalize(name, description string, raw []map[string]any, path string) (*Scenario, error) {
	sc := &Scenario{Name: strings.TrimSpace(name), Description: description, Path: path}
	if sc.Name == "" && path != "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	var errs []error
	fail := func(idx int, tag, format string, args ...any) {
		errs = append(errs, &MalformedError{Scenario: sc.Name, Index: idx, Tag: tag, Reason: fmt.Sprintf(format, args...)})
	}
	if sc.Name == "" {
		fail(-1, "", "name is required")
	}

	steps := make([]rawStep, len(raw))
	taken := make(map[string]bool)
	for i, fields := range raw {
		if fields == nil {
			fields = map[string]any{}
		}
		tag := firstString(fields, "tag", "label")
		steps[i] = rawStep{explicitTag: tag, fields: fields}
		if tag == "" {
			continue
		}
		if taken[tag] {
			fail(i, tag, "duplicate tag %q", tag)
			continue
		}
		taken[tag] = true
	}

	sc.Steps = make([]Step, len(raw))
	for i, rs := range steps {
		st := &sc.Steps[i]
		st.Index = i
		st.Tag = rs.explicitTag
		if st.Tag == "" {
			st.Tag = autoTag(i, taken)
			st.AutoTag = true
		}

		action, ok := ParseAction(asString(rs.fields["action"]))
		if !ok {
			if asString(rs.fields["action"]) == "" {
				fail(i, st.Tag, "action is required")
			} else {
				fail(i, st.Tag, "unknown action %q", asString(rs.fields["action"]))
			}
			continue
		}
		st.Action = action
		st.Description = asString(rs.fields["description"])
		st.NextSuccess = firstString(rs.fields, "next_success_step", "true_step")
		st.NextError = firstString(rs.fields, "next_error_step", "false_step")

		if t, ok := rs.fields["timeout_ms"]; ok && present(t) {
			ms, err := strconv.ParseFloat(strings.TrimSpace(asString(t)), 64)
			if err != nil || ms < 0 {
				fail(i, st.Tag, "timeout_ms must be a non-negative number, got %v", t)
			} else {
				st.TimeoutMs = int(ms)
			}
		}

		params := make(map[string]any, len(rs.fields))
		for k, v := range rs.fields {
			if !stepFields[k] {
				params[k] = v
			}
		}
		if !present(params["value"]) {
			for _, k := range []string{"url", "text", "message"} {
				if v, ok := params[k]; ok && present(v) {
					params["value"] = v
					break
				}
			}
		}
		params = CanonicalParams(action, params)

		if err := normalizeParams(action, params); err != nil {
			fail(i, st.Tag, "%v", err)
			continue
		}
		typed, err := DecodeParams(action, params)
		if err != nil {
			fail(i, st.Tag, "%s: %v", action, err)
			continue
		}
		st.Params = params
		st.Typed = typed
	}

	for i := range sc.Steps {
		st := &sc.Steps[i]
		for _, target := range []string{st.NextSuccess, st.NextError} {
			if target != "" && !taken[target] {
				errs = append(errs, &MalformedError{
					Scenario: sc.Name, Index: i, Tag: st.Tag,
					Reason: fmt.Sprintf("transition target %q does not exist", target),
					Err:    ErrUnknownTag,
				})
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return sc, nil
}

// normalizeParams rewrites enumerated fields to their canonical spelling.
func normalizeParams(a Action, params map[string]any) error {
	if v, ok := params["selector_type"]; ok {
		kind, _ := NormalizeSelectorType(asString(v))
		params["selector_type"] = kind
	}
	if v, ok := params["state"]; ok {
		params["state"] = strings.ToLower(strings.TrimSpace(asString(v)))
	}
	if a == ActionCompare {
		raw := asString(params["op"])
		if strings.Contains(raw, "{{") {
			return nil
		}
		op, ok := NormalizeOperator(raw)
		if !ok {
			return fmt.Errorf("unknown compare operator %q", raw)
		}
		params["op"] = op
	}
	if a == ActionSetVar {
		if raw := asString(params["scope"]); raw != "" {
			switch s := strings.ToLower(strings.TrimSpace(raw)); s {
			case "profile", "shared", "both":
				params["scope"] = s
			default:
				return fmt.Errorf("unknown variable scope %q", raw)
			}
		}
	}
	return nil
}

// autoTag returns Step<n>, suffixed when an explicit tag already uses it.
func autoTag(i int, taken map[string]bool) string {
	base := fmt.Sprintf("Step%d", i+1)
	tag := base
	for n := 2; taken[tag]; n++ {
		tag = fmt.Sprintf("%s_%d", base, n)
	}
	taken[tag] = true
	return tag
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(asString(m[k])); s != "" {
			return s
		}
	}
	return ""
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
