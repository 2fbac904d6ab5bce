package debugger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/engine"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/replay"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

const doc = `
name: checkout
steps:
  - action: set_var
    tag: init
    name: greeting
    value: hello
  - action: goto
    tag: open
    url: https://shop.example
  - action: log
    tag: note
    message: "{{greeting}}"
  - action: end
    tag: done
`

// newDebugger returns a started debugger over doc, its scenario file and
// the output buffer.
func newDebugger(t *testing.T, content string) (*Debugger, string, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkout.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := schema.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := engine.New(sc, engine.Config{
		Profile: "alice",
		Driver:  replay.NewDriver(nil),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	eng.Start(context.Background())
	var buf bytes.Buffer
	d := New(eng, path)
	d.SetOutput(&buf)
	return d, path, &buf
}

func TestDebuggerCommandHelp(t *testing.T) {
	var buf bytes.Buffer
	d := &Debugger{output: &buf}
	d.handleHelp()
	out := buf.String()
	for _, cmd := range []string{"next", "continue", "jump", "print", "history", "dump", "reload", "stop", "help", "quit"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("help output missing command %q", cmd)
		}
	}
}

func TestDebuggerPromptFormat(t *testing.T) {
	d, _, _ := newDebugger(t, doc)
	if prompt := d.buildPrompt(); prompt != "sceneflow[1/4 | init]> " {
		t.Errorf("prompt = %q", prompt)
	}
	d.Exec(context.Background(), "next")
	if prompt := d.buildPrompt(); !strings.Contains(prompt, "2/4 | open") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestDebuggerNextAndPrintVars(t *testing.T) {
	d, _, buf := newDebugger(t, doc)
	ctx := context.Background()

	d.Exec(ctx, "n")
	if !strings.Contains(buf.String(), "✓ init success -> open") {
		t.Errorf("next output = %s", buf.String())
	}
	buf.Reset()
	d.Exec(ctx, "print vars")
	if !strings.Contains(buf.String(), `greeting = "hello"`) {
		t.Errorf("print vars = %s", buf.String())
	}
	buf.Reset()
	d.Exec(ctx, "p greeting")
	if !strings.Contains(buf.String(), `"hello"`) {
		t.Errorf("print greeting = %s", buf.String())
	}
	buf.Reset()
	d.Exec(ctx, "p shared")
	if !strings.Contains(buf.String(), "No shared variables") {
		t.Errorf("print shared = %s", buf.String())
	}
}

func TestDebuggerJumpAndHistory(t *testing.T) {
	d, _, buf := newDebugger(t, doc)
	ctx := context.Background()

	d.Exec(ctx, "jump note")
	d.Exec(ctx, "next")
	if cur := d.engine.Current(); cur == nil || cur.Tag != "done" {
		t.Fatalf("current = %v, want done", cur)
	}
	d.Exec(ctx, "jump nowhere")
	if !strings.Contains(buf.String(), "Error") {
		t.Errorf("jump to unknown tag should report an error: %s", buf.String())
	}
	buf.Reset()
	d.Exec(ctx, "history")
	if !strings.Contains(buf.String(), "[1]") || !strings.Contains(buf.String(), "note") {
		t.Errorf("history = %s", buf.String())
	}
}

func TestDebuggerContinueRunsToEnd(t *testing.T) {
	d, _, _ := newDebugger(t, doc)
	d.Exec(context.Background(), "continue")
	res := d.engine.Finish()
	if res.Status != engine.StatusSucceeded || res.Reason != engine.ReasonEndStep {
		t.Errorf("result = %s (%s)", res.Status, res.Reason)
	}
	if len(res.Visited) != 4 {
		t.Errorf("visited = %v", res.Visited)
	}
}

func TestDebuggerStop(t *testing.T) {
	d, _, _ := newDebugger(t, doc)
	d.Exec(context.Background(), "stop")
	if !d.engine.Done() {
		t.Fatal("run not stopped")
	}
	if res := d.engine.Finish(); res.Status != engine.StatusStopped {
		t.Errorf("status = %s, want stopped", res.Status)
	}
}

func TestDebuggerReload(t *testing.T) {
	d, path, buf := newDebugger(t, doc)
	ctx := context.Background()
	d.Exec(ctx, "next")

	edited := strings.Replace(doc, "message: \"{{greeting}}\"", "message: edited", 1)
	edited = strings.Replace(edited, "  - action: end\n", "  - action: log\n    tag: extra\n    message: added\n  - action: end\n", 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}
	d.Exec(ctx, "reload")
	if !strings.Contains(buf.String(), "Reloaded checkout (5 steps)") {
		t.Fatalf("reload output = %s", buf.String())
	}
	if cur := d.engine.Current(); cur == nil || cur.Tag != "open" {
		t.Errorf("position after reload = %v, want open", cur)
	}

	buf.Reset()
	if err := os.WriteFile(path, []byte("name: broken\nsteps:\n  - action: teleport\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d.Exec(ctx, "reload")
	if !strings.Contains(buf.String(), "Error") {
		t.Errorf("reload of a malformed file should fail: %s", buf.String())
	}
}

func TestDebuggerQuitAndUnknown(t *testing.T) {
	d, _, buf := newDebugger(t, doc)
	if d.Exec(context.Background(), "frobnicate") {
		t.Error("unknown command should not quit")
	}
	if !strings.Contains(buf.String(), "Unknown command") {
		t.Errorf("output = %s", buf.String())
	}
	if !d.Exec(context.Background(), "q") {
		t.Error("q should quit")
	}
}
