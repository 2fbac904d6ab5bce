// Package recorder captures a live browser session as a replay script, so a
// run against a real site can be re-executed later with the replay driver.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/replay"
)

// Redacted replaces secret values in captured output.
const Redacted = "<REDACTED>"

// Recorder wraps a browser.Driver and captures texts, HTTP responses,
// cookies and failures into a replay.Script.
type Recorder struct {
	inner browser.Driver

	mu      sync.Mutex
	script  replay.Script
	secrets []string
}

// New creates a recording wrapper around an existing driver.
func New(inner browser.Driver) *Recorder {
	return &Recorder{inner: inner}
}

// SetSecrets configures values that are redacted in captured output. Empty
// values are ignored.
func (r *Recorder) SetSecrets(values []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = r.secrets[:0]
	for _, v := range values {
		if v != "" {
			r.secrets = append(r.secrets, v)
		}
	}
}

// SetVars records the variables the run was seeded with.
func (r *Recorder) SetVars(vars map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script.Vars = make(map[string]string, len(vars))
	for k, v := range vars {
		r.script.Vars[k] = r.redact(v)
	}
}

// Script returns a copy of what has been captured so far.
func (r *Recorder) Script() *replay.Script {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.script
	s.HTTP = append([]replay.HTTPResponse(nil), r.script.HTTP...)
	s.Cookies = append([]map[string]any(nil), r.script.Cookies...)
	s.Unusable = append([]string(nil), r.script.Unusable...)
	s.Texts = make(map[string]replay.TextList, len(r.script.Texts))
	for k, v := range r.script.Texts {
		s.Texts[k] = append(replay.TextList(nil), v...)
	}
	s.Failures = make(map[string]string, len(r.script.Failures))
	for k, v := range r.script.Failures {
		s.Failures[k] = v
	}
	return &s
}

// Save writes the captured script to dir/replay.yaml.
func (r *Recorder) Save(dir string) error {
	data, err := yaml.Marshal(r.Script())
	if err != nil {
		return fmt.Errorf("encode replay script: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create fixture dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "replay.yaml"), data, 0o644)
}

// Navigate implements browser.Driver.
func (r *Recorder) Navigate(ctx context.Context, url, waitUntil string) error {
	return r.observe("goto", url, r.inner.Navigate(ctx, url, waitUntil))
}

// Click implements browser.Driver.
func (r *Recorder) Click(ctx context.Context, t browser.Target, opts browser.ClickOptions) error {
	return r.observe("click", t.Selector, r.inner.Click(ctx, t, opts))
}

// Type implements browser.Driver.
func (r *Recorder) Type(ctx context.Context, t browser.Target, text string, clear bool) error {
	return r.observe("type", t.Selector, r.inner.Type(ctx, t, text, clear))
}

// WaitForElement implements browser.Driver.
func (r *Recorder) WaitForElement(ctx context.Context, t browser.Target) error {
	return r.observe("wait_element", t.Selector, r.inner.WaitForElement(ctx, t))
}

// WaitForLoadState implements browser.Driver.
func (r *Recorder) WaitForLoadState(ctx context.Context, state string) error {
	return r.observe("wait_for_load_state", state, r.inner.WaitForLoadState(ctx, state))
}

// ReadText implements browser.Driver. Missing elements are not recorded;
// the replay driver reports them as not found already.
func (r *Recorder) ReadText(ctx context.Context, t browser.Target, attribute string) (string, error) {
	text, err := r.inner.ReadText(ctx, t, attribute)
	if err != nil {
		if errors.Is(err, browser.ErrNoElement) {
			return "", err
		}
		return "", r.observe("extract_text", t.Selector, err)
	}
	key := t.Selector
	if attribute != "" {
		key += "@" + attribute
	}
	r.mu.Lock()
	if r.script.Texts == nil {
		r.script.Texts = make(map[string]replay.TextList)
	}
	r.script.Texts[key] = append(r.script.Texts[key], r.redact(text))
	r.mu.Unlock()
	return text, nil
}

// NewTab implements browser.Driver.
func (r *Recorder) NewTab(ctx context.Context, url, waitUntil string) (int, error) {
	i, err := r.inner.NewTab(ctx, url, waitUntil)
	return i, r.observe("new_tab", url, err)
}

// SwitchTab implements browser.Driver.
func (r *Recorder) SwitchTab(ctx context.Context, index int) error {
	err := r.inner.SwitchTab(ctx, index)
	if errors.Is(err, browser.ErrTabIndex) {
		return err
	}
	return r.observe("switch_tab", fmt.Sprint(index), err)
}

// CloseTab implements browser.Driver.
func (r *Recorder) CloseTab(ctx context.Context, index int) error {
	err := r.inner.CloseTab(ctx, index)
	if errors.Is(err, browser.ErrTabIndex) {
		return err
	}
	return r.observe("close_tab", fmt.Sprint(index), err)
}

// Fetch implements browser.Driver. Transport errors and responses are both
// recorded in call order.
func (r *Recorder) Fetch(ctx context.Context, req browser.Request) (*browser.Response, error) {
	resp, err := r.inner.Fetch(ctx, req)
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}
	rec := replay.HTTPResponse{Method: method, URL: req.URL}
	switch {
	case resp != nil:
		rec.Status = resp.Status
		rec.Body = r.redact(resp.Body)
		if len(resp.Headers) > 0 {
			rec.Headers = make(map[string]string, len(resp.Headers))
			for k, v := range resp.Headers {
				rec.Headers[k] = r.redact(v)
			}
		}
	case err != nil:
		if errors.Is(err, browser.ErrUnusable) {
			return nil, r.observe("http_request", req.URL, err)
		}
		rec.Error = r.redact(err.Error())
	}
	r.mu.Lock()
	r.script.HTTP = append(r.script.HTTP, rec)
	r.mu.Unlock()
	return resp, err
}

// Cookies implements browser.Driver.
func (r *Recorder) Cookies(ctx context.Context) (string, error) {
	raw, err := r.inner.Cookies(ctx)
	if err != nil {
		return "", r.observe("cookies", "", err)
	}
	var cookies []map[string]any
	if err := json.Unmarshal([]byte(raw), &cookies); err == nil {
		for _, c := range cookies {
			if v, ok := c["value"].(string); ok {
				c["value"] = r.redact(v)
			}
		}
		r.mu.Lock()
		r.script.Cookies = cookies
		r.mu.Unlock()
	}
	return raw, nil
}

// Close implements browser.Driver.
func (r *Recorder) Close() error {
	return r.inner.Close()
}

// observe records err against "action:arg". Session loss goes to Unusable,
// anything else to Failures. The first failure per key wins.
func (r *Recorder) observe(action, arg string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	key := action
	if arg != "" {
		key += ":" + arg
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if errors.Is(err, browser.ErrUnusable) {
		r.script.Unusable = append(r.script.Unusable, key)
		return err
	}
	if r.script.Failures == nil {
		r.script.Failures = make(map[string]string)
	}
	if _, ok := r.script.Failures[key]; !ok {
		r.script.Failures[key] = r.redact(err.Error())
	}
	return err
}

// redact replaces secret values with Redacted. Callers hold r.mu or own r.
func (r *Recorder) redact(s string) string {
	for _, v := range r.secrets {
		s = strings.ReplaceAll(s, v, Redacted)
	}
	return s
}

// Launcher wraps inner so every driver it launches is recorded. When the
// driver is closed its script is saved under dir/<profile>/replay.yaml;
// save errors are returned from Close.
func Launcher(inner browser.Launcher, dir string, secrets []string) browser.Launcher {
	return browser.LauncherFunc(func(ctx context.Context, opts browser.LaunchOptions) (browser.Driver, error) {
		d, err := inner.Launch(ctx, opts)
		if err != nil {
			return nil, err
		}
		rec := New(d)
		rec.SetSecrets(secrets)
		return &saving{Recorder: rec, dir: filepath.Join(dir, FixtureName(opts.Profile))}, nil
	})
}

type saving struct {
	*Recorder
	dir string
}

func (s *saving) Close() error {
	return errors.Join(s.Recorder.Close(), s.Save(s.dir))
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FixtureName turns a profile name into a directory name.
func FixtureName(profile string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(profile, "_"), "._")
	if name == "" {
		return "recording"
	}
	return name
}
