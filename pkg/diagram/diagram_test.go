package diagram

import (
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

func load(t *testing.T, doc string) *schema.Scenario {
	t.Helper()
	sc, err := schema.LoadBytes([]byte(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return sc
}

const branching = `
name: branch-test
steps:
  - action: start
    tag: begin
  - action: extract_text
    tag: read
    selector: "#status"
    to_var: status
  - action: compare
    tag: check
    var: status
    value: ok
    next_success_step: done
  - action: log
    tag: unreachable
    message: never
  - action: end
    tag: done
`

func TestGenerateMermaid_LinearFlow(t *testing.T) {
	sc := load(t, `
name: linear-test
steps:
  - action: goto
    tag: step-1
    url: https://example.com
  - action: log
    tag: step-2
    message: hi
`)
	out, err := Generate(sc, FormatMermaid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "flowchart TD") {
		t.Error("missing flowchart header")
	}
	if !strings.Contains(out, "START([Start]) --> s_step_1") {
		t.Errorf("missing start edge, got:\n%s", out)
	}
	if !strings.Contains(out, "s_step_1 --> s_step_2") {
		t.Errorf("missing sequential edge, got:\n%s", out)
	}
	if !strings.Contains(out, "s_step_2 --> END") {
		t.Errorf("last step should fall through to END, got:\n%s", out)
	}
}

func TestGenerateMermaid_CompareStop(t *testing.T) {
	out, err := Generate(load(t, branching), FormatMermaid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		`s_check -->|"true"| s_done`,
		`s_check -.->|"false"| s_check_STOP`,
		`s_check{"`,
		"→ status",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q, got:\n%s", want, out)
		}
	}
	if strings.Contains(out, "s_check --> s_unreachable") {
		t.Errorf("compare with only a true route must not fall through, got:\n%s", out)
	}
}

func TestGenerateMermaid_ErrorRoute(t *testing.T) {
	sc := load(t, `
name: errors
steps:
  - action: click
    tag: buy
    selector: "#buy"
    next_error_step: retry
  - action: end
    tag: finish
  - action: sleep
    tag: retry
    seconds: 1
    next_success_step: buy
`)
	out, err := Generate(sc, FormatMermaid)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`s_buy -.->|"failure"| s_retry`,
		"s_buy --> s_finish",
		`s_retry -->|"success"| s_buy`,
		"s_finish --> END",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q, got:\n%s", want, out)
		}
	}
}

func TestGenerateASCII(t *testing.T) {
	out, err := Generate(load(t, branching), FormatASCII)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "branch-test") {
		t.Error("missing scenario name")
	}
	if !strings.Contains(out, "check: compare") {
		t.Errorf("missing compare box, got:\n%s", out)
	}
	if !strings.Contains(out, "true → done") || !strings.Contains(out, "false → stop") {
		t.Errorf("missing routes, got:\n%s", out)
	}
}

func TestGenerateASCII_BoxesAligned(t *testing.T) {
	out, err := Generate(load(t, branching), FormatASCII)
	if err != nil {
		t.Fatal(err)
	}
	width := -1
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimLeft(line, " ")
		if !strings.HasPrefix(trimmed, "┌") && !strings.HasPrefix(trimmed, "│ ") && !strings.HasPrefix(trimmed, "└") {
			continue
		}
		if strings.HasPrefix(trimmed, "│ ") && !strings.HasSuffix(trimmed, "│") {
			continue
		}
		w := runewidth.StringWidth(line)
		if width == -1 {
			width = w
		} else if w != width {
			t.Errorf("line width %d, want %d: %q", w, width, line)
		}
	}
}

func TestGenerate_Errors(t *testing.T) {
	if _, err := Generate(nil, FormatMermaid); err == nil {
		t.Error("expected error for nil scenario")
	}
	if _, err := Generate(load(t, branching), Format("svg")); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestWrites(t *testing.T) {
	sc := load(t, `
name: writes
steps:
  - action: pop_shared
    value: pool
    pattern: "{{login}};{{password}}"
  - action: http_request
    url: https://api.example
  - action: extract_text
    selector: h1
`)
	got := []string{
		strings.Join(writes(&sc.Steps[0]), ","),
		strings.Join(writes(&sc.Steps[1]), ","),
		strings.Join(writes(&sc.Steps[2]), ","),
	}
	want := []string{"login,password", "http_*", "last_value"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("writes(step %d) = %q, want %q", i+1, got[i], want[i])
		}
	}
}
