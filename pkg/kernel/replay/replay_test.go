package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
)

func TestParseScript(t *testing.T) {
	yaml := `
vars:
  email: a@example.com
texts:
  "#balance": "42"
  "#status": [pending, done]
http:
  - method: POST
    url: https://api.example.com/items
    status: 201
    body: '{"id": 7}'
failures:
  "click:#missing": element not found
delays:
  goto: 10ms
`
	s, err := ParseScript([]byte(yaml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Vars["email"] != "a@example.com" {
		t.Errorf("email = %q", s.Vars["email"])
	}
	if len(s.Texts["#balance"]) != 1 || len(s.Texts["#status"]) != 2 {
		t.Errorf("texts = %v", s.Texts)
	}
	if len(s.HTTP) != 1 || s.HTTP[0].Status != 201 {
		t.Errorf("http = %+v", s.HTTP)
	}
}

func TestParseScript_BadDelay(t *testing.T) {
	if _, err := ParseScript([]byte("delays:\n  goto: soon\n")); err == nil {
		t.Error("expected error for unparsable delay")
	}
}

func TestDriver_ReadTextSequence(t *testing.T) {
	d := NewDriver(&Script{Texts: map[string]TextList{"#s": {"pending", "done"}}})
	ctx := context.Background()
	tg := browser.Target{Selector: "#s", Index: -1}

	for _, want := range []string{"pending", "done", "done"} {
		got, err := d.ReadText(ctx, tg, "")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("ReadText = %q, want %q", got, want)
		}
	}

	_, err := d.ReadText(ctx, browser.Target{Selector: "#nope", Index: -1}, "")
	if !errors.Is(err, browser.ErrNoElement) {
		t.Errorf("err = %v, want ErrNoElement", err)
	}
}

func TestDriver_Failures(t *testing.T) {
	d := NewDriver(&Script{
		Failures: map[string]string{"click:#missing": "element not found"},
		Unusable: []string{"goto:https://crash.example.com"},
	})
	ctx := context.Background()

	if err := d.Click(ctx, browser.Target{Selector: "#ok"}, browser.ClickOptions{}); err != nil {
		t.Errorf("click #ok: %v", err)
	}
	if err := d.Click(ctx, browser.Target{Selector: "#missing"}, browser.ClickOptions{}); err == nil {
		t.Error("expected scripted failure")
	}

	err := d.Navigate(ctx, "https://crash.example.com", "load")
	if !errors.Is(err, browser.ErrUnusable) {
		t.Fatalf("err = %v, want ErrUnusable", err)
	}
	if err := d.Click(ctx, browser.Target{Selector: "#ok"}, browser.ClickOptions{}); !errors.Is(err, browser.ErrUnusable) {
		t.Errorf("after crash err = %v, want ErrUnusable", err)
	}
}

func TestDriver_DelayHonoursDeadline(t *testing.T) {
	d := NewDriver(&Script{Delays: map[string]string{"goto": "1s"}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Navigate(ctx, "https://slow.example.com", "load")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestDriver_Tabs(t *testing.T) {
	d := NewDriver(nil)
	ctx := context.Background()

	idx, err := d.NewTab(ctx, "https://b.example.com", "load")
	if err != nil || idx != 1 {
		t.Fatalf("NewTab = %d, %v", idx, err)
	}
	if d.URL() != "https://b.example.com" {
		t.Errorf("url = %q", d.URL())
	}
	if err := d.SwitchTab(ctx, 5); !errors.Is(err, browser.ErrTabIndex) {
		t.Errorf("SwitchTab(5) err = %v", err)
	}
	if err := d.CloseTab(ctx, -1); err != nil {
		t.Fatal(err)
	}
	if d.Tabs() != 1 || d.URL() != "about:blank" {
		t.Errorf("tabs = %d url = %q", d.Tabs(), d.URL())
	}
}

func TestDriver_Fetch(t *testing.T) {
	d := NewDriver(&Script{HTTP: []HTTPResponse{
		{URL: "https://api.example.com/a", Body: "first"},
		{URL: "https://api.example.com/a", Status: 503, Body: "second"},
	}})
	ctx := context.Background()

	r1, err := d.Fetch(ctx, browser.Request{URL: "https://api.example.com/a"})
	if err != nil {
		t.Fatal(err)
	}
	if r1.Status != 200 || r1.Body != "first" {
		t.Errorf("r1 = %+v", r1)
	}

	// Second call consumes the next response.
	r2, err := d.Fetch(ctx, browser.Request{URL: "https://api.example.com/a"})
	if err != nil {
		t.Fatal(err)
	}
	if r2.Status != 503 {
		t.Errorf("r2 status = %d", r2.Status)
	}

	// Exhausted.
	if _, err := d.Fetch(ctx, browser.Request{URL: "https://api.example.com/a"}); err == nil {
		t.Error("expected exhausted error")
	}
}

func TestDriver_CloseAndCalls(t *testing.T) {
	d := NewDriver(&Script{Cookies: []map[string]any{{"name": "sid", "value": "1"}}})
	ctx := context.Background()

	c, err := d.Cookies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c != `[{"name":"sid","value":"1"}]` {
		t.Errorf("cookies = %s", c)
	}
	d.Close()
	if !d.Closed() {
		t.Error("expected closed")
	}
	calls := d.Calls()
	if len(calls) != 2 || calls[1].Action != "close" {
		t.Errorf("calls = %v", calls)
	}
}
