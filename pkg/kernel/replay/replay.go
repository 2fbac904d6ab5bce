// Package replay provides a scripted browser driver. A script holds canned
// element texts, HTTP responses and injected failures, enabling
// deterministic re-execution of scenarios without a live browser.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"gopkg.in/yaml.v3"
)

// Script is the top-level replay document.
type Script struct {
	// Vars seed the profile scope of the run.
	Vars map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`

	// Texts maps a selector to the text ReadText returns. A list is consumed
	// in order; the last entry repeats.
	Texts map[string]TextList `yaml:"texts,omitempty" json:"texts,omitempty"`

	// HTTP holds canned responses, consumed first-match, first-consumed.
	HTTP []HTTPResponse `yaml:"http,omitempty" json:"http,omitempty"`

	// Cookies is returned by Cookies as a JSON array.
	Cookies []map[string]any `yaml:"cookies,omitempty" json:"cookies,omitempty"`

	// Failures maps "action" or "action:argument" to an error message.
	Failures map[string]string `yaml:"failures,omitempty" json:"failures,omitempty"`

	// Unusable lists "action" or "action:argument" keys that kill the session.
	Unusable []string `yaml:"unusable,omitempty" json:"unusable,omitempty"`

	// Delays maps "action" or "action:argument" to a duration such as "2s".
	// The call blocks for the duration or until its context ends.
	Delays map[string]string `yaml:"delays,omitempty" json:"delays,omitempty"`
}

// TextList accepts a single string or a list of strings.
type TextList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *TextList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*t = TextList{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*t = list
	return nil
}

// HTTPResponse is one canned HTTP exchange. Empty Method or URL match any.
type HTTPResponse struct {
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Status  int               `yaml:"status,omitempty" json:"status,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
	Error   string            `yaml:"error,omitempty" json:"error,omitempty"`
}

// LoadScript loads a script from a YAML or JSON file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript parses script YAML. JSON is accepted as a YAML subset.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse replay script: %w", err)
	}
	for key, d := range s.Delays {
		if _, err := time.ParseDuration(d); err != nil {
			return nil, fmt.Errorf("parse replay script: delay %q: %w", key, err)
		}
	}
	return &s, nil
}

// LoadScriptDir loads replay.yaml from dir.
func LoadScriptDir(dir string) (*Script, error) {
	return LoadScript(filepath.Join(dir, "replay.yaml"))
}

// Call records one driver invocation.
type Call struct {
	Action string
	Arg    string
}

func (c Call) String() string {
	if c.Arg == "" {
		return c.Action
	}
	return c.Action + ":" + c.Arg
}

// Driver implements browser.Driver from a Script. It is safe for use by one
// run at a time; the call log may be read concurrently.
type Driver struct {
	script *Script

	mu       sync.Mutex
	calls    []Call
	texts    map[string]int
	http     []bool
	tabs     []string
	cur      int
	closed   bool
	unusable bool
}

// NewDriver creates a driver with one blank tab.
func NewDriver(s *Script) *Driver {
	if s == nil {
		s = &Script{}
	}
	return &Driver{
		script: s,
		texts:  make(map[string]int),
		http:   make([]bool, len(s.HTTP)),
		tabs:   []string{"about:blank"},
	}
}

// Launcher returns a browser.Launcher that hands out a fresh driver per run
// and records every driver it creates.
func Launcher(s *Script, created *[]*Driver) browser.Launcher {
	var mu sync.Mutex
	return browser.LauncherFunc(func(context.Context, browser.LaunchOptions) (browser.Driver, error) {
		d := NewDriver(s)
		if created != nil {
			mu.Lock()
			*created = append(*created, d)
			mu.Unlock()
		}
		return d, nil
	})
}

// Calls returns a copy of the call log.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// URL returns the address of the current tab.
func (d *Driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tabs) == 0 {
		return ""
	}
	return d.tabs[d.cur]
}

// Tabs returns the number of open tabs.
func (d *Driver) Tabs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tabs)
}

// begin logs the call and applies scripted delays, failures and session loss.
func (d *Driver) begin(ctx context.Context, action, arg string) error {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Action: action, Arg: arg})
	if d.closed || d.unusable {
		d.mu.Unlock()
		return browser.Unusable(errors.New("replay: session closed"))
	}
	d.mu.Unlock()

	keys := []string{action + ":" + arg, action}
	for _, k := range keys {
		if raw, ok := d.script.Delays[k]; ok {
			dur, _ := time.ParseDuration(raw)
			t := time.NewTimer(dur)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			break
		}
	}
	for _, k := range keys {
		for _, u := range d.script.Unusable {
			if u == k {
				d.mu.Lock()
				d.unusable = true
				d.mu.Unlock()
				return browser.Unusable(fmt.Errorf("replay: %s", k))
			}
		}
	}
	for _, k := range keys {
		if msg, ok := d.script.Failures[k]; ok {
			return fmt.Errorf("replay: %s", msg)
		}
	}
	return ctx.Err()
}

// Navigate implements browser.Driver.
func (d *Driver) Navigate(ctx context.Context, url, _ string) error {
	if err := d.begin(ctx, "goto", url); err != nil {
		return err
	}
	d.mu.Lock()
	d.tabs[d.cur] = url
	d.mu.Unlock()
	return nil
}

// Click implements browser.Driver.
func (d *Driver) Click(ctx context.Context, t browser.Target, _ browser.ClickOptions) error {
	return d.begin(ctx, "click", t.Selector)
}

// Type implements browser.Driver.
func (d *Driver) Type(ctx context.Context, t browser.Target, _ string, _ bool) error {
	return d.begin(ctx, "type", t.Selector)
}

// WaitForElement implements browser.Driver.
func (d *Driver) WaitForElement(ctx context.Context, t browser.Target) error {
	return d.begin(ctx, "wait_element", t.Selector)
}

// WaitForLoadState implements browser.Driver.
func (d *Driver) WaitForLoadState(ctx context.Context, state string) error {
	return d.begin(ctx, "wait_for_load_state", state)
}

// ReadText implements browser.Driver. Selectors absent from the script
// fail with browser.ErrNoElement.
func (d *Driver) ReadText(ctx context.Context, t browser.Target, attribute string) (string, error) {
	if err := d.begin(ctx, "extract_text", t.Selector); err != nil {
		return "", err
	}
	key := t.Selector
	if attribute != "" {
		if _, ok := d.script.Texts[t.Selector+"@"+attribute]; ok {
			key = t.Selector + "@" + attribute
		}
	}
	list, ok := d.script.Texts[key]
	if !ok || len(list) == 0 {
		return "", fmt.Errorf("%w: %s", browser.ErrNoElement, t)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.texts[key]
	if i < len(list)-1 {
		d.texts[key] = i + 1
	}
	return list[min(i, len(list)-1)], nil
}

// NewTab implements browser.Driver.
func (d *Driver) NewTab(ctx context.Context, url, _ string) (int, error) {
	if err := d.begin(ctx, "new_tab", url); err != nil {
		return 0, err
	}
	if url == "" {
		url = "about:blank"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tabs = append(d.tabs, url)
	d.cur = len(d.tabs) - 1
	return d.cur, nil
}

// SwitchTab implements browser.Driver.
func (d *Driver) SwitchTab(ctx context.Context, index int) error {
	if err := d.begin(ctx, "switch_tab", fmt.Sprint(index)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.tabs) {
		return fmt.Errorf("%w: %d of %d", browser.ErrTabIndex, index, len(d.tabs))
	}
	d.cur = index
	return nil
}

// CloseTab implements browser.Driver.
func (d *Driver) CloseTab(ctx context.Context, index int) error {
	if err := d.begin(ctx, "close_tab", fmt.Sprint(index)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 {
		index = d.cur
	}
	if index >= len(d.tabs) {
		return fmt.Errorf("%w: %d of %d", browser.ErrTabIndex, index, len(d.tabs))
	}
	d.tabs = append(d.tabs[:index], d.tabs[index+1:]...)
	d.cur = 0
	if len(d.tabs) == 0 {
		d.tabs = []string{"about:blank"}
	}
	return nil
}

// Fetch implements browser.Driver.
func (d *Driver) Fetch(ctx context.Context, req browser.Request) (*browser.Response, error) {
	if err := d.begin(ctx, "http_request", req.URL); err != nil {
		return nil, err
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.script.HTTP {
		if d.http[i] {
			continue
		}
		if r.Method != "" && !strings.EqualFold(r.Method, method) {
			continue
		}
		if r.URL != "" && r.URL != req.URL {
			continue
		}
		d.http[i] = true
		if r.Error != "" {
			return nil, fmt.Errorf("replay: %s", r.Error)
		}
		status := r.Status
		if status == 0 {
			status = 200
		}
		if req.FailOnStatusCode && (status < 200 || status >= 400) {
			return nil, fmt.Errorf("replay: %s %s: status %d", method, req.URL, status)
		}
		headers := make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			headers[strings.ToLower(k)] = v
		}
		return &browser.Response{URL: req.URL, Status: status, Headers: headers, Body: r.Body}, nil
	}
	return nil, fmt.Errorf("replay: no canned response for %s %s", method, req.URL)
}

// Cookies implements browser.Driver.
func (d *Driver) Cookies(ctx context.Context) (string, error) {
	if err := d.begin(ctx, "cookies", ""); err != nil {
		return "", err
	}
	if len(d.script.Cookies) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(d.script.Cookies)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Close implements browser.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Action: "close"})
	d.closed = true
	return nil
}
