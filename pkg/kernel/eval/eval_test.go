package eval

import (
	"reflect"
	"testing"
)

func TestResolve_Literal(t *testing.T) {
	if got := Resolve("hello world", nil); got != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_SimpleVar(t *testing.T) {
	got := Resolve("https://{{ host }}/login", Map{"host": "a.io"})
	if got != "https://a.io/login" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_MultipleVars(t *testing.T) {
	got := Resolve("{{host}}{{path}}", Map{"host": "a.io", "path": "/api"})
	if got != "a.io/api" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_Missing(t *testing.T) {
	if got := Resolve("{{missing}}", Map{}); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := Resolve("x={{missing}};", nil); got != "x=;" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_Unbalanced(t *testing.T) {
	for _, tmpl := range []string{"{{name", "name}}", "{{ }}", "{{a b}}"} {
		if got := Resolve(tmpl, Map{"name": "v"}); got != tmpl {
			t.Errorf("Resolve(%q) = %q, want unchanged", tmpl, got)
		}
	}
}

func TestResolve_Idempotent(t *testing.T) {
	scope := Map{"a": "1"}
	once := Resolve("{{a}}-{{b}}", scope)
	if twice := Resolve(once, scope); twice != once {
		t.Errorf("second pass = %q, want %q", twice, once)
	}
}

func TestResolve_DottedAndDashedNames(t *testing.T) {
	got := Resolve("{{http.status}} {{my-var}}", Map{"http.status": "200", "my-var": "x"})
	if got != "200 x" {
		t.Errorf("got %q", got)
	}
}

func TestResolveValue_Nested(t *testing.T) {
	scope := Map{"k": "key", "v": "val"}
	in := map[string]any{
		"{{k}}": "{{v}}",
		"list":  []any{"{{v}}", 3},
		"deep":  map[string]any{"x": "{{k}}"},
	}
	want := map[string]any{
		"key":  "val",
		"list": []any{"val", 3},
		"deep": map[string]any{"x": "key"},
	}
	if got := ResolveValue(in, scope); !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v", got)
	}
}

func TestReferences(t *testing.T) {
	got := References("{{a}} {{ b }} {{a}}")
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("got %v", got)
	}
	if References("plain") != nil {
		t.Error("expected no references")
	}
}

func TestReferencesAny(t *testing.T) {
	v := map[string]any{"headers": map[string]any{"Cookie": "{{cookies}}"}}
	if !ReferencesAny(v, "cookies") {
		t.Error("expected cookies reference")
	}
	if ReferencesAny(v, "timestamp") {
		t.Error("unexpected timestamp reference")
	}
}
