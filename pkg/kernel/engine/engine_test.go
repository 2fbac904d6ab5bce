package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/replay"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/vars"
	"github.com/ormasoftchile/sceneflow/pkg/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadScenario(t *testing.T, doc string) *schema.Scenario {
	t.Helper()
	sc, err := schema.LoadBytes([]byte(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return sc
}

func runScenario(t *testing.T, sc *schema.Scenario, cfg Config) *RunResult {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	e, err := New(sc, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e.Run(context.Background())
}

const branching = `
name: branching
steps:
  - action: start
    tag: start
  - action: goto
    tag: open
    url: https://example.com
  - action: compare
    tag: check
    var: var
    value: x
    next_success_step: A
    next_error_step: B
  - action: log
    tag: A
    message: took A
    next_success_step: finish
  - action: log
    tag: B
    message: took B
  - action: end
    tag: finish
`

func TestEngine_EndToEndBranching(t *testing.T) {
	tests := []struct {
		value string
		want  []string
	}{
		{"x", []string{"start", "open", "check", "A", "finish"}},
		{"y", []string{"start", "open", "check", "B", "finish"}},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			d := replay.NewDriver(nil)
			res := runScenario(t, loadScenario(t, branching), Config{
				Driver: d,
				Vars:   map[string]string{"var": tt.value},
			})
			if res.Status != StatusSucceeded {
				t.Fatalf("status = %q (%s), err = %v", res.Status, res.Reason, res.Err)
			}
			if res.Reason != ReasonEndStep {
				t.Errorf("reason = %q, want end_step", res.Reason)
			}
			if !reflect.DeepEqual(res.Visited, tt.want) {
				t.Errorf("visited = %v, want %v", res.Visited, tt.want)
			}
			if !d.Closed() {
				t.Error("driver not released")
			}
		})
	}
}

func TestEngine_FallthroughTerminatesWithLastOutcome(t *testing.T) {
	ok := loadScenario(t, `
name: seq
steps:
  - action: set_var
    name: a
    value: "1"
  - action: log
    message: "a={{a}}"
`)
	res := runScenario(t, ok, Config{})
	if res.Status != StatusSucceeded || res.Reason != ReasonGraphExhausted {
		t.Errorf("status = %q reason = %q", res.Status, res.Reason)
	}
	if !reflect.DeepEqual(res.Visited, []string{"Step1", "Step2"}) {
		t.Errorf("visited = %v", res.Visited)
	}

	failing := loadScenario(t, `
name: seq-fail
steps:
  - action: log
    message: first
  - action: parse_var
    value: "no separator"
    pattern: "{{a}};{{b}}"
`)
	res = runScenario(t, failing, Config{})
	if res.Status != StatusFailed || res.Reason != ReasonStepFailed {
		t.Errorf("status = %q reason = %q", res.Status, res.Reason)
	}
	var sf *StepFailure
	if !errors.As(res.Err, &sf) || sf.Kind != KindAction {
		t.Errorf("err = %v, want action StepFailure", res.Err)
	}
}

func TestEngine_MissingVariableResolvesEmpty(t *testing.T) {
	sc := loadScenario(t, `
name: missing
steps:
  - action: set_var
    name: out
    value: "[{{missing}}]"
`)
	res := runScenario(t, sc, Config{})
	if !res.Succeeded() {
		t.Fatalf("status = %q err = %v", res.Status, res.Err)
	}
	if res.Vars["out"] != "[]" {
		t.Errorf("out = %q, want []", res.Vars["out"])
	}
}

func TestEngine_CompareCaseInsensitive(t *testing.T) {
	sc := loadScenario(t, `
name: stage-check
steps:
  - action: compare
    op: equals
    left_var: stage
    value: done
    case_sensitive: false
    result_var: matched
    next_success_step: hit
    next_error_step: miss
  - action: end
    tag: hit
  - action: end
    tag: miss
`)
	for _, stage := range []string{"done", "DONE", "Done"} {
		res := runScenario(t, sc, Config{Vars: map[string]string{"stage": stage}})
		if got := res.Visited[len(res.Visited)-1]; got != "hit" {
			t.Errorf("stage %q: ended at %q, want hit", stage, got)
		}
		if res.Vars["matched"] != "true" {
			t.Errorf("stage %q: matched = %q", stage, res.Vars["matched"])
		}
	}
}

func TestEngine_CompareFalseWithoutErrorBranchStops(t *testing.T) {
	sc := loadScenario(t, `
name: guard
steps:
  - action: compare
    tag: check
    var: flag
    value: "on"
    next_success_step: body
  - action: set_var
    tag: body
    name: ran
    value: "yes"
  - action: end
`)
	res := runScenario(t, sc, Config{Vars: map[string]string{"flag": "off"}})
	if res.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", res.Status)
	}
	if res.Reason != ReasonCompareUnrouted {
		t.Errorf("reason = %q, want compare_false_unrouted", res.Reason)
	}
	if !reflect.DeepEqual(res.Visited, []string{"check"}) {
		t.Errorf("visited = %v, want [check]", res.Visited)
	}
	if _, ok := res.Vars["ran"]; ok {
		t.Error("success branch executed for a false compare")
	}
}

func TestEngine_CompareNumericParseFailure(t *testing.T) {
	sc := loadScenario(t, `
name: numeric
steps:
  - action: compare
    tag: check
    op: gt
    var: balance
    value: "10"
    next_error_step: bad
  - action: end
  - action: log
    tag: bad
    message: not a number
`)
	res := runScenario(t, sc, Config{Vars: map[string]string{"balance": "n/a"}})
	if res.Steps[0].Failure == nil || res.Steps[0].Failure.Kind != KindCompare {
		t.Fatalf("failure = %+v, want compare failure", res.Steps[0].Failure)
	}
	if !strings.Contains(res.Steps[0].Failure.Message, "not a number") {
		t.Errorf("message = %q", res.Steps[0].Failure.Message)
	}
	if res.Visited[1] != "bad" {
		t.Errorf("visited = %v", res.Visited)
	}
}

func TestCompareOperators(t *testing.T) {
	tests := []struct {
		op, left, right string
		cs              bool
		want            bool
	}{
		{"equals", "A", "a", false, true},
		{"equals", "A", "a", true, false},
		{"not_equals", "a", "b", false, true},
		{"contains", "Hello World", "world", false, true},
		{"not_contains", "hello", "x", false, true},
		{"startswith", "signup-1", "signup", false, true},
		{"endswith", "file.txt", ".TXT", false, true},
		{"regex", "order #123", `#\d+`, false, true},
		{"regex", "ABC", "abc", true, false},
		{"is_empty", "  ", "", false, true},
		{"not_empty", "x", "", false, true},
		{"gt", "10", "9.5", false, true},
		{"gte", "3", "3", false, true},
		{"lt", "-1", "0", false, true},
		{"lte", "4", "3", false, false},
	}
	for _, tt := range tests {
		got, err := compare(tt.op, tt.left, tt.right, tt.cs)
		if err != nil {
			t.Errorf("compare(%s, %q, %q): %v", tt.op, tt.left, tt.right, err)
			continue
		}
		if got != tt.want {
			t.Errorf("compare(%s, %q, %q, cs=%v) = %v, want %v", tt.op, tt.left, tt.right, tt.cs, got, tt.want)
		}
	}
	if _, err := compare("lt", "abc", "1", false); err == nil {
		t.Error("expected error for non-numeric operand")
	}
	if _, err := compare("regex", "x", "(", false); err == nil {
		t.Error("expected error for invalid regex")
	}
}

func TestEngine_RunScenarioRecursion(t *testing.T) {
	outer := loadScenario(t, `
name: outer
steps:
  - action: run_scenario
    tag: call
    scenario: inner
    next_error_step: recovered
  - action: end
  - action: set_var
    tag: recovered
    name: recovered
    value: "yes"
`)
	inner := loadScenario(t, `
name: inner
steps:
  - action: run_scenario
    tag: back
    scenario: OUTER
`)
	lib := schema.NewLibrary(outer, inner)

	res := runScenario(t, outer, Config{Library: lib})
	if !res.Succeeded() {
		t.Fatalf("parent run crashed: status = %q reason = %q err = %v", res.Status, res.Reason, res.Err)
	}
	if res.Vars["recovered"] != "yes" {
		t.Errorf("error branch not taken, visited = %v", res.Visited)
	}
	f := res.Steps[0].Failure
	if f == nil {
		t.Fatal("expected nested failure on call step")
	}
	if !errors.Is(f, ErrRecursionDetected) {
		t.Errorf("failure = %v, want wrapping ErrRecursionDetected", f)
	}
}

func TestEngine_RunScenarioSelfRecursion(t *testing.T) {
	self := loadScenario(t, `
name: self
steps:
  - action: run_scenario
    scenario: self
`)
	res := runScenario(t, self, Config{Library: schema.NewLibrary(self)})
	if res.Status != StatusFailed || res.Reason != ReasonRecursion {
		t.Errorf("status = %q reason = %q, want failed/recursion", res.Status, res.Reason)
	}
	if res.Steps[0].Failure.Kind != KindRecursion {
		t.Errorf("kind = %q", res.Steps[0].Failure.Kind)
	}
}

func TestEngine_NestedRunSharesState(t *testing.T) {
	parent := loadScenario(t, `
name: parent
steps:
  - action: goto
    url: https://example.com
  - action: run_scenario
    scenario: login
  - action: log
    message: "token={{token}}"
  - action: set_var
    name: after
    value: "{{token}}"
`)
	child := loadScenario(t, `
name: login
steps:
  - action: set_var
    name: token
    value: "t-{{user}}"
  - action: end
`)
	d := replay.NewDriver(nil)
	res := runScenario(t, parent, Config{
		Driver:  d,
		Library: schema.NewLibrary(parent, child),
		Vars:    map[string]string{"user": "amy"},
	})
	if !res.Succeeded() {
		t.Fatalf("status = %q err = %v", res.Status, res.Err)
	}
	if res.Vars["after"] != "t-amy" {
		t.Errorf("after = %q, want t-amy", res.Vars["after"])
	}
	if res.Reason != ReasonGraphExhausted {
		t.Errorf("nested end leaked into parent: reason = %q", res.Reason)
	}
	calls := d.Calls()
	if calls[len(calls)-1].Action != "close" {
		t.Errorf("calls = %v", calls)
	}
	closes := 0
	for _, c := range calls {
		if c.Action == "close" {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("driver closed %d times, want 1", closes)
	}
}

func TestEngine_PopSharedList(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	kv.Set(ctx, store.KeySharedVariables, `{"accounts": {"type": "list", "value": ["a","b","c"]}}`)
	shared := vars.NewShared(kv)
	if err := shared.Load(ctx); err != nil {
		t.Fatal(err)
	}

	sc := loadScenario(t, `
name: pop
steps:
  - action: pop_shared
    value: accounts
    pattern: "{{account}}"
`)
	res := runScenario(t, sc, Config{Shared: shared, KV: kv})
	if !res.Succeeded() {
		t.Fatalf("status = %q err = %v", res.Status, res.Err)
	}
	if res.Vars["account"] != "a" {
		t.Errorf("account = %q, want a", res.Vars["account"])
	}

	raw, _, _ := kv.Get(ctx, store.KeySharedVariables)
	var doc map[string]struct {
		Type  string   `json:"type"`
		Value []string `json:"value"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(doc["accounts"].Value, []string{"b", "c"}) {
		t.Errorf("persisted = %v, want [b c]", doc["accounts"].Value)
	}
}

func TestEngine_PopSharedPatternMismatchConsumesItem(t *testing.T) {
	ctx := context.Background()
	shared := vars.NewShared(nil)
	shared.SetList(ctx, "pool", []string{"no-separator", "x;y"})

	sc := loadScenario(t, `
name: pop
steps:
  - action: pop_shared
    value: pool
    pattern: "{{a}};{{b}}"
`)
	res := runScenario(t, sc, Config{Shared: shared})
	if res.Status != StatusFailed {
		t.Errorf("status = %q, want failed", res.Status)
	}
	if e, _ := shared.Entry("pool"); e.Value != "x;y" {
		t.Errorf("pool = %q, want x;y", e.Value)
	}
}

func TestEngine_ConcurrentPopSharedNeverDuplicates(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	shared := vars.NewShared(kv)
	const n = 40
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("user%02d;pw%02d", i, i)
	}
	if err := shared.SetList(ctx, "pool", items); err != nil {
		t.Fatal(err)
	}

	sc := loadScenario(t, `
name: claim
steps:
  - action: pop_shared
    value: pool
    pattern: "{{login}};{{password}}"
`)

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < n+5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := New(sc, Config{Profile: fmt.Sprintf("p%d", i), Shared: shared, KV: kv, Logger: quietLogger()})
			if err != nil {
				t.Errorf("New: %v", err)
				return
			}
			if res := e.Run(ctx); res.Succeeded() {
				mu.Lock()
				seen[res.Vars["login"]]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("distinct items = %d, want %d", len(seen), n)
	}
	for login, count := range seen {
		if count != 1 {
			t.Errorf("%s handed out %d times", login, count)
		}
	}
	if e, _ := shared.Entry("pool"); e.Value != "" {
		t.Errorf("pool not drained: %q", e.Value)
	}
}

func TestEngine_WriteFileRejectsEscape(t *testing.T) {
	root := t.TempDir()
	outputs := filepath.Join(root, "outputs")
	sc := loadScenario(t, `
name: writer
steps:
  - action: write_file
    tag: write
    filename: "{{target}}"
    value: leaked
    next_error_step: rejected
  - action: end
  - action: log
    tag: rejected
    message: rejected
`)
	for _, target := range []string{"../../escape.txt", "../escape.txt", "sub/../../escape.txt"} {
		res := runScenario(t, sc, Config{OutputsDir: outputs, Vars: map[string]string{"target": target}})
		if res.Visited[len(res.Visited)-1] != "rejected" {
			t.Errorf("%s: visited = %v", target, res.Visited)
		}
		if f := res.Steps[0].Failure; f == nil || !errors.Is(f, ErrPathEscape) {
			t.Errorf("%s: failure = %v, want ErrPathEscape", target, f)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); !os.IsNotExist(err) {
		t.Error("escape.txt was written outside the output root")
	}
}

func TestEngine_WriteFileAppendsLines(t *testing.T) {
	outputs := t.TempDir()
	os.WriteFile(filepath.Join(outputs, "list.txt"), []byte("first"), 0o644)
	sc := loadScenario(t, `
name: writer
steps:
  - action: write_file
    filename: list.txt
    value: "{{who}}"
  - action: write_file
    file: nested/out.txt
    text: hello
`)
	res := runScenario(t, sc, Config{OutputsDir: outputs, Vars: map[string]string{"who": "second"}})
	if !res.Succeeded() {
		t.Fatalf("status = %q err = %v", res.Status, res.Err)
	}
	data, _ := os.ReadFile(filepath.Join(outputs, "list.txt"))
	if string(data) != "first\nsecond\n" {
		t.Errorf("list.txt = %q", data)
	}
	data, _ = os.ReadFile(filepath.Join(outputs, "nested", "out.txt"))
	if string(data) != "hello\n" {
		t.Errorf("out.txt = %q", data)
	}
}

func TestEngine_StepTimeout(t *testing.T) {
	sc := loadScenario(t, `
name: slow
steps:
  - action: goto
    tag: open
    url: https://slow.example.com
    timeout_ms: 20
    next_error_step: timed_out
  - action: end
  - action: log
    tag: timed_out
    message: timeout
`)
	d := replay.NewDriver(&replay.Script{Delays: map[string]string{"goto": "2s"}})
	res := runScenario(t, sc, Config{Driver: d})
	f := res.Steps[0].Failure
	if f == nil || f.Kind != KindTimeout {
		t.Fatalf("failure = %+v, want timeout", f)
	}
	if res.Visited[1] != "timed_out" {
		t.Errorf("visited = %v", res.Visited)
	}
	if !res.Succeeded() {
		t.Errorf("status = %q, timeout should be routable", res.Status)
	}
}

func TestEngine_FatalDriverReleasesAndFails(t *testing.T) {
	sc := loadScenario(t, `
name: crash
steps:
  - action: goto
    url: https://example.com
  - action: click
    selector: "#boom"
    next_error_step: handled
  - action: end
  - action: log
    tag: handled
    message: should not run
`)
	d := replay.NewDriver(&replay.Script{Unusable: []string{"click:#boom"}})
	res := runScenario(t, sc, Config{Driver: d})
	if res.Status != StatusFailed || res.Reason != ReasonFatal {
		t.Errorf("status = %q reason = %q, want failed/fatal", res.Status, res.Reason)
	}
	if !errors.Is(res.Err, browser.ErrUnusable) {
		t.Errorf("err = %v", res.Err)
	}
	if len(res.Visited) != 2 {
		t.Errorf("visited = %v, fatal must not be routed", res.Visited)
	}
	if !d.Closed() {
		t.Error("driver not released after fatal error")
	}
}

func TestEngine_LauncherErrorIsFatal(t *testing.T) {
	sc := loadScenario(t, `
name: nolaunch
steps:
  - action: goto
    url: https://example.com
`)
	launcher := browser.LauncherFunc(func(context.Context, browser.LaunchOptions) (browser.Driver, error) {
		return nil, errors.New("no chromium")
	})
	res := runScenario(t, sc, Config{Launcher: launcher})
	if res.Reason != ReasonFatal || !errors.Is(res.Err, ErrRunFatal) {
		t.Errorf("reason = %q err = %v", res.Reason, res.Err)
	}
}

func TestEngine_LazyLaunchAndRelease(t *testing.T) {
	var created []*replay.Driver
	launcher := replay.Launcher(&replay.Script{}, &created)

	dataOnly := loadScenario(t, `
name: data
steps:
  - action: set_var
    name: a
    value: "1"
`)
	runScenario(t, dataOnly, Config{Launcher: launcher})
	if len(created) != 0 {
		t.Errorf("browser launched for a data-only scenario")
	}

	withBrowser := loadScenario(t, `
name: browse
steps:
  - action: goto
    url: https://example.com
  - action: end
  - action: goto
    url: https://never.example.com
`)
	res := runScenario(t, withBrowser, Config{Launcher: launcher, Launch: browser.LaunchOptions{Profile: "p1"}})
	if len(created) != 1 {
		t.Fatalf("launched %d drivers, want 1", len(created))
	}
	if !created[0].Closed() {
		t.Error("end step did not release the browser")
	}
	if len(res.Visited) != 2 {
		t.Errorf("visited = %v", res.Visited)
	}
}

func TestEngine_CancellationAtStepBoundary(t *testing.T) {
	sc := loadScenario(t, `
name: cancel
steps:
  - action: goto
    tag: first
    url: https://example.com
  - action: log
    tag: second
    message: should not run
`)
	d := replay.NewDriver(&replay.Script{Delays: map[string]string{"goto": "50ms"}})
	e, err := New(sc, Config{Driver: d, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := e.Run(ctx)

	if res.Status != StatusStopped || res.Reason != ReasonCancelled {
		t.Errorf("status = %q reason = %q", res.Status, res.Reason)
	}
	// The in-flight navigation completes before cancellation is honoured.
	if len(res.Steps) != 1 || res.Steps[0].Outcome != "success" {
		t.Errorf("steps = %+v", res.Steps)
	}
	if !d.Closed() {
		t.Error("driver not released on cancellation")
	}
}

func TestExecute_MalformedScenario(t *testing.T) {
	_, err := schema.LoadBytes([]byte(`
name: dup
steps:
  - action: log
    tag: a
  - action: log
    tag: a
`))
	if !errors.Is(err, ErrMalformedScenario) {
		t.Errorf("duplicate tags: err = %v, want ErrMalformedScenario", err)
	}

	sc := loadScenario(t, `
name: incomplete
steps:
  - action: goto
  - action: log
    message: never
`)
	d := replay.NewDriver(nil)
	res := Execute(context.Background(), sc, Config{Driver: d, Logger: quietLogger()})
	if res.Status != StatusFailed || res.Reason != ReasonMalformed {
		t.Errorf("status = %q reason = %q", res.Status, res.Reason)
	}
	if !errors.Is(res.Err, ErrMalformedScenario) {
		t.Errorf("err = %v", res.Err)
	}
	if len(res.Visited) != 0 {
		t.Errorf("steps executed: %v", res.Visited)
	}
	for _, c := range d.Calls() {
		if c.Action != "close" {
			t.Errorf("driver used before validation: %v", c)
		}
	}
}

func TestEngine_ExtractTextDefaults(t *testing.T) {
	sc := loadScenario(t, `
name: extract
steps:
  - action: extract_text
    selector: "#balance"
  - action: extract
    selector: "#name"
    strip: false
    to_var: raw_name
`)
	d := replay.NewDriver(&replay.Script{Texts: map[string]replay.TextList{
		"#balance": {"  42.10 \n"},
		"#name":    {" Amy "},
	}})
	res := runScenario(t, sc, Config{Driver: d})
	if res.Vars[DefaultExtractVar] != "42.10" {
		t.Errorf("last_value = %q", res.Vars[DefaultExtractVar])
	}
	if res.Vars["raw_name"] != " Amy " {
		t.Errorf("raw_name = %q", res.Vars["raw_name"])
	}
}

func TestEngine_HTTPRequestVariables(t *testing.T) {
	sc := loadScenario(t, `
name: api
steps:
  - action: http_request
    url: "https://api.example.com/users/{{id}}"
    method: get
    save_as: user
    response_var: raw
    extract_json:
      user_email: "$.data.email"
      first_tag: "$.data.tags[0]"
  - action: http
    url: https://api.example.com/missing
    require_success: true
    next_error_step: failed
  - action: end
  - action: log
    tag: failed
    message: "status {{http_status}}"
`)
	d := replay.NewDriver(&replay.Script{HTTP: []replay.HTTPResponse{
		{URL: "https://api.example.com/users/7", Body: `{"data":{"email":"a@x.io","tags":["vip"]}}`},
		{URL: "https://api.example.com/missing", Status: 404, Body: "nope"},
	}})
	res := runScenario(t, sc, Config{Driver: d, Vars: map[string]string{"id": "7"}})

	want := map[string]string{
		"user_status": "200",
		"user_ok":     "true",
		"user_url":    "https://api.example.com/users/7",
		"user_email":  "a@x.io",
		"first_tag":   "vip",
		"http_status": "404",
		"http_ok":     "false",
		"http_body":   "nope",
		"http_json":   "",
	}
	for k, v := range want {
		if res.Vars[k] != v {
			t.Errorf("%s = %q, want %q", k, res.Vars[k], v)
		}
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(res.Vars["raw"]), &raw); err != nil {
		t.Fatalf("response_var: %v", err)
	}
	if raw["status"] != float64(200) {
		t.Errorf("raw status = %v", raw["status"])
	}
	if res.Visited[len(res.Visited)-1] != "failed" {
		t.Errorf("require_success did not fail the step: %v", res.Visited)
	}
}

func TestEngine_HTTPRequestOptionsJSON(t *testing.T) {
	sc := loadScenario(t, `
name: api
steps:
  - action: http_request
    options_json: '{"url": "https://api.example.com/items", "method": "POST", "json": {"name": "{{item}}"}}'
`)
	var got browser.Request
	d := &fetchCapture{Driver: replay.NewDriver(&replay.Script{HTTP: []replay.HTTPResponse{{Status: 201}}}), req: &got}
	res := runScenario(t, sc, Config{Driver: d, Vars: map[string]string{"item": "pen"}})
	if !res.Succeeded() {
		t.Fatalf("status = %q err = %v", res.Status, res.Err)
	}
	if got.Method != "POST" || got.URL != "https://api.example.com/items" {
		t.Errorf("request = %s %s", got.Method, got.URL)
	}
	if body, _ := json.Marshal(got.JSON); string(body) != `{"name":"pen"}` {
		t.Errorf("json body = %s", body)
	}
}

type fetchCapture struct {
	*replay.Driver
	req *browser.Request
}

func (f *fetchCapture) Fetch(ctx context.Context, req browser.Request) (*browser.Response, error) {
	*f.req = req
	return f.Driver.Fetch(ctx, req)
}

type targetCapture struct {
	*replay.Driver
	targets []browser.Target
}

func (c *targetCapture) Click(ctx context.Context, t browser.Target, opts browser.ClickOptions) error {
	c.targets = append(c.targets, t)
	return c.Driver.Click(ctx, t, opts)
}

func TestEngine_SelectorIndexFromSettings(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	kv.Set(ctx, store.KeySelectorIndices, `{"button.buy": 2, "text:Next": "1"}`)

	sc := loadScenario(t, `
name: indices
steps:
  - action: click
    selector: button.buy
  - action: click
    selector: Next
    selector_type: text
  - action: click
    selector: button.buy
    selector_index: "{{idx}}"
    frame_selector: "iframe#pay >> iframe.inner"
`)
	d := &targetCapture{Driver: replay.NewDriver(nil)}
	res := runScenario(t, sc, Config{Driver: d, KV: kv, Vars: map[string]string{"idx": "0"}})
	if !res.Succeeded() {
		t.Fatalf("status = %q err = %v", res.Status, res.Err)
	}
	if len(d.targets) != 3 {
		t.Fatalf("targets = %v", d.targets)
	}
	if d.targets[0].Index != 2 || d.targets[1].Index != 1 || d.targets[2].Index != 0 {
		t.Errorf("indices = %d %d %d", d.targets[0].Index, d.targets[1].Index, d.targets[2].Index)
	}
	if !reflect.DeepEqual(d.targets[2].Frames, []string{"iframe#pay", "iframe.inner"}) {
		t.Errorf("frames = %v", d.targets[2].Frames)
	}
}

type fakeAccounts struct {
	mu     sync.Mutex
	stages map[string]string
	fields map[string]map[string]string
}

func (f *fakeAccounts) UpdateStage(_ context.Context, profile, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stages == nil {
		f.stages = map[string]string{}
	}
	f.stages[profile] = stage
	return nil
}

func (f *fakeAccounts) UpdateFields(_ context.Context, profile string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fields == nil {
		f.fields = map[string]map[string]string{}
	}
	f.fields[profile] = fields
	return nil
}

func TestEngine_AccountUpdates(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	sc := loadScenario(t, `
name: signup
steps:
  - action: parse_var
    from_var: combo
    pattern: "{{email}}:{{password}}"
  - action: parse_vars
    value: "{{email}}"
    pattern: "{{user}}@{{domain}}"
    update_account: false
  - action: set_stage
    stage: "signup-done"
`)
	acc := &fakeAccounts{}
	res := runScenario(t, sc, Config{
		Profile:  "p1",
		Accounts: acc,
		KV:       kv,
		Vars:     map[string]string{"combo": "amy@x.io : s3cret"},
	})
	if !res.Succeeded() {
		t.Fatalf("status = %q err = %v", res.Status, res.Err)
	}
	if got := acc.fields["p1"]; got["email"] != "amy@x.io" || got["password"] != "s3cret" || got["user"] != "" {
		t.Errorf("account fields = %v", got)
	}
	if acc.stages["p1"] != "signup-done" || res.Vars["stage"] != "signup-done" {
		t.Errorf("stage = %q / %q", acc.stages["p1"], res.Vars["stage"])
	}
	if res.Vars["domain"] != "x.io" {
		t.Errorf("domain = %q", res.Vars["domain"])
	}

	raw, ok, _ := kv.Get(ctx, store.ProfileVarsPrefix+"p1")
	if !ok || !strings.Contains(raw, `"domain":"x.io"`) {
		t.Errorf("profile vars not persisted: %s", raw)
	}
}

func TestEngine_TimestampBuiltin(t *testing.T) {
	fixed := time.Date(2025, 3, 4, 5, 6, 7, 0, time.Local)
	sc := loadScenario(t, `
name: stamp
steps:
  - action: set_var
    name: file
    value: "run-{{timestamp}}.txt"
  - action: set_var
    name: cookies_seen
    value: "{{cookies}}"
`)
	res := runScenario(t, sc, Config{Now: func() time.Time { return fixed }})
	if res.Vars["file"] != "run-2025-03-04-05-06-07.txt" {
		t.Errorf("file = %q", res.Vars["file"])
	}
	if res.Vars["cookies_seen"] != "[]" {
		t.Errorf("cookies without a browser = %q", res.Vars["cookies_seen"])
	}
}

func TestEngine_SharedScopeWrites(t *testing.T) {
	shared := vars.NewShared(nil)
	sc := loadScenario(t, `
name: share
steps:
  - action: set_var
    name: promo
    value: SPRING
    scope: shared
  - action: set_var
    name: note
    value: "{{promo}}-local"
`)
	res := runScenario(t, sc, Config{Shared: shared})
	if v, _ := shared.Get("promo"); v != "SPRING" {
		t.Errorf("shared promo = %q", v)
	}
	if _, ok := res.Vars["promo"]; ok {
		t.Error("shared write leaked into profile scope")
	}
	if res.Vars["note"] != "SPRING-local" {
		t.Errorf("note = %q", res.Vars["note"])
	}
}

func TestEngine_SleepTimeout(t *testing.T) {
	sc := loadScenario(t, `
name: nap
steps:
  - action: sleep
    seconds: 5
    timeout_ms: 10
`)
	start := time.Now()
	res := runScenario(t, sc, Config{})
	if time.Since(start) > time.Second {
		t.Error("sleep ignored its timeout")
	}
	if f := res.Steps[0].Failure; f == nil || f.Kind != KindTimeout {
		t.Errorf("failure = %+v, want timeout", f)
	}
}

func TestEngine_TraceRecordsPath(t *testing.T) {
	var buf bytes.Buffer
	tw := trace.NewWriter(&buf, "run-1")
	res := runScenario(t, loadScenario(t, branching), Config{
		RunID:  "run-1",
		Driver: replay.NewDriver(nil),
		Vars:   map[string]string{"var": "y"},
		Trace:  tw,
	})
	if !res.Succeeded() {
		t.Fatalf("status = %q", res.Status)
	}
	out := buf.String()
	for _, want := range []string{"run_start", `"from":"check"`, `"to":"B"`, `"outcome":"failure"`, "browser_release", "run_complete", `"reason":"end_step"`} {
		if !strings.Contains(out, want) {
			t.Errorf("trace missing %s", want)
		}
	}
}

func TestEngine_SteppingAPI(t *testing.T) {
	sc := loadScenario(t, `
name: steps
steps:
  - action: set_var
    tag: one
    name: n
    value: "1"
  - action: set_var
    tag: two
    name: n
    value: "2"
  - action: set_var
    tag: three
    name: n
    value: "3"
`)
	e, err := New(sc, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	e.Start(ctx)
	if e.Current().Tag != "one" {
		t.Fatalf("current = %q", e.Current().Tag)
	}
	rec := e.Step(ctx)
	if rec.Tag != "one" || rec.Next != "two" {
		t.Errorf("record = %+v", rec)
	}
	if err := e.JumpTo("three"); err != nil {
		t.Fatal(err)
	}
	if err := e.JumpTo("nope"); err == nil {
		t.Error("expected unknown tag error")
	}
	e.Step(ctx)
	if !e.Done() {
		t.Fatal("expected run to finish after last step")
	}
	res := e.Finish()
	if !reflect.DeepEqual(res.Visited, []string{"one", "three"}) {
		t.Errorf("visited = %v", res.Visited)
	}
	if res.Vars["n"] != "3" {
		t.Errorf("n = %q", res.Vars["n"])
	}
	if e.Finish() != res {
		t.Error("Finish is not idempotent")
	}
}
