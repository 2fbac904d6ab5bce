// Package eval implements {{name}} template substitution, the inverse
// pattern match used to split values into variables, and a small JSONPath
// lookup for HTTP responses.
package eval

import (
	"fmt"
	"regexp"
	"strings"
)

// Scope is the read side of a variable store.
type Scope interface {
	Get(name string) (string, bool)
}

// Map is a Scope backed by a plain map.
type Map map[string]string

// Get implements Scope.
func (m Map) Get(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

// Resolve substitutes every {{name}} placeholder in tmpl with its value in
// scope. Unknown names resolve to the empty string. Text that does not form a
// well-formed placeholder is kept as is.
// Example: Resolve("https://{{ host }}/login", Map{"host": "a.io"}) → "https://a.io/login"
func Resolve(tmpl string, scope Scope) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl // fast path for literals
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if scope == nil {
			return ""
		}
		v, _ := scope.Get(name)
		return v
	})
}

// ResolveValue resolves strings nested anywhere inside v, including map keys.
func ResolveValue(v any, scope Scope) any {
	switch val := v.(type) {
	case string:
		return Resolve(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[Resolve(k, scope)] = ResolveValue(item, scope)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[Resolve(k, scope)] = Resolve(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, scope)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = Resolve(item, scope)
		}
		return out
	default:
		return v
	}
}

// References returns the placeholder names used by tmpl, in order of first use.
func References(tmpl string) []string {
	if !strings.Contains(tmpl, "{{") {
		return nil
	}
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// ReferencesAny reports whether any string inside v references name.
func ReferencesAny(v any, name string) bool {
	switch val := v.(type) {
	case string:
		for _, n := range References(val) {
			if n == name {
				return true
			}
		}
	case map[string]any:
		for k, item := range val {
			if ReferencesAny(k, name) || ReferencesAny(item, name) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if ReferencesAny(item, name) {
				return true
			}
		}
	case fmt.Stringer:
		return ReferencesAny(val.String(), name)
	}
	return false
}
