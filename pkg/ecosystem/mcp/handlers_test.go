package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

const loginScenario = `
name: login
description: sign in
steps:
  - action: goto
    tag: open
    url: "https://example.test/{{user}}"
  - action: extract_text
    tag: read
    selector: "#greeting"
    to_var: greeting
  - action: end
    tag: done
`

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "login.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := h(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	text, _ := result.Content[0].(mcp.TextContent)
	return result, text.Text
}

func TestHandleValidate_MissingPath(t *testing.T) {
	result, _ := call(t, HandleValidate, map[string]any{})
	if !result.IsError {
		t.Error("expected error for missing path")
	}
}

func TestHandleValidate_Valid(t *testing.T) {
	path := writeScenario(t, loginScenario)
	result, text := call(t, HandleValidate, map[string]any{"path": path})
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "login is valid (3 steps)") {
		t.Errorf("text = %q", text)
	}
}

func TestHandleValidate_DuplicateTag(t *testing.T) {
	path := writeScenario(t, "name: dup\nsteps:\n  - action: start\n    tag: a\n  - action: end\n    tag: a\n")
	result, text := call(t, HandleValidate, map[string]any{"path": path})
	if !result.IsError {
		t.Errorf("expected error, got %q", text)
	}
}

func TestHandleSchema_Scenario(t *testing.T) {
	result, text := call(t, HandleSchema, map[string]any{"type": "scenario"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !json.Valid([]byte(text)) {
		t.Error("schema is not valid JSON")
	}
}

func TestHandleSchema_Action(t *testing.T) {
	result, text := call(t, HandleSchema, map[string]any{"type": "click"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "selector") {
		t.Errorf("click schema has no selector property: %s", text)
	}
}

func TestHandleSchema_UnknownType(t *testing.T) {
	result, _ := call(t, HandleSchema, map[string]any{"type": "foo"})
	if !result.IsError {
		t.Error("expected error for unknown schema type")
	}
}

func TestHandleRun_Replay(t *testing.T) {
	path := writeScenario(t, loginScenario)
	script := filepath.Join(filepath.Dir(path), "replay.yaml")
	if err := os.WriteFile(script, []byte("texts:\n  \"#greeting\": hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(t.TempDir())

	result, text := call(t, HandleRun(nil, true), map[string]any{
		"path":   path,
		"replay": script,
		"vars":   map[string]any{"user": "ana"},
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	var out struct {
		Status  string            `json:"status"`
		Reason  string            `json:"reason"`
		Visited []string          `json:"visited"`
		Vars    map[string]string `json:"vars"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "succeeded" || out.Reason != "end_step" {
		t.Errorf("status = %s/%s, want succeeded/end_step", out.Status, out.Reason)
	}
	if out.Vars["greeting"] != "hello" {
		t.Errorf("greeting = %q, want hello", out.Vars["greeting"])
	}
	if len(out.Visited) != 3 {
		t.Errorf("visited = %v", out.Visited)
	}
}

func TestHandleRun_NoBrowser(t *testing.T) {
	path := writeScenario(t, loginScenario)
	result, text := call(t, HandleRun(nil, true), map[string]any{"path": path})
	if !result.IsError {
		t.Errorf("expected error, got %q", text)
	}
}

func TestHandleTest_NoFixtures(t *testing.T) {
	path := writeScenario(t, loginScenario)
	result, text := call(t, HandleTest, map[string]any{"path": path})
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, `"total": 0`) {
		t.Errorf("text = %q", text)
	}
}

func TestHandleList(t *testing.T) {
	path := writeScenario(t, loginScenario)
	result, text := call(t, HandleList, map[string]any{"dir": filepath.Dir(path)})
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, `"name": "login"`) || !strings.Contains(text, `"steps": 3`) {
		t.Errorf("text = %q", text)
	}
}
