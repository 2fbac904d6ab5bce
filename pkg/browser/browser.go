// Package browser defines the automation capability the engine drives and
// ships two implementations: Playwright (default) and chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnusable marks a driver that can no longer serve any request. The engine
// treats it as fatal for the run.
var ErrUnusable = errors.New("browser unusable")

// ErrNoElement is returned when a selector matches nothing at the requested index.
var ErrNoElement = errors.New("element not found")

// ErrTabIndex is returned for an out-of-range tab index.
var ErrTabIndex = errors.New("tab index out of range")

// Selector kinds.
const (
	KindCSS    = "css"
	KindText   = "text"
	KindXPath  = "xpath"
	KindID     = "id"
	KindName   = "name"
	KindTestID = "test_id"
)

// Element states for WaitForElement.
const (
	StateAttached = "attached"
	StateDetached = "detached"
	StateVisible  = "visible"
	StateHidden   = "hidden"
)

// Target locates one element, possibly inside nested iframes.
type Target struct {
	Selector string
	Kind     string
	Index    int // -1 selects the first match
	Frames   []string
	State    string
	Exact    bool
}

func (t Target) String() string {
	var b strings.Builder
	for _, f := range t.Frames {
		b.WriteString(f)
		b.WriteString(" >> ")
	}
	fmt.Fprintf(&b, "%s=%s", t.kind(), t.Selector)
	if t.Index >= 0 {
		fmt.Fprintf(&b, "[%d]", t.Index)
	}
	return b.String()
}

func (t Target) kind() string {
	if t.Kind == "" {
		return KindCSS
	}
	return t.Kind
}

func (t Target) state() string {
	if t.State == "" {
		return StateVisible
	}
	return t.State
}

// ClickOptions tune a click.
type ClickOptions struct {
	Button string // left, right, middle
	Delay  time.Duration
}

// Request is an HTTP request issued with the browser's cookie jar.
// Exactly one of JSON, Form, Multipart or Body is normally set.
type Request struct {
	Method            string
	URL               string
	Headers           map[string]string
	Params            map[string]string
	JSON              any
	Form              map[string]string
	Multipart         map[string]string
	Body              string
	Timeout           time.Duration
	FailOnStatusCode  bool
	IgnoreHTTPSErrors bool
	MaxRedirects      int // -1 uses the driver default
	MaxRetries        int
}

// Response is the result of Fetch.
type Response struct {
	URL     string
	Status  int
	Headers map[string]string
	Body    string
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Driver is one browser session owned by a single run. Calls are made from
// one goroutine at a time and honour ctx deadlines.
type Driver interface {
	Navigate(ctx context.Context, url, waitUntil string) error
	Click(ctx context.Context, t Target, opts ClickOptions) error
	Type(ctx context.Context, t Target, text string, clear bool) error
	WaitForElement(ctx context.Context, t Target) error
	WaitForLoadState(ctx context.Context, state string) error
	ReadText(ctx context.Context, t Target, attribute string) (string, error)
	NewTab(ctx context.Context, url, waitUntil string) (int, error)
	SwitchTab(ctx context.Context, index int) error
	// CloseTab closes the tab at index, or the current tab when index < 0,
	// then switches to the first remaining tab.
	CloseTab(ctx context.Context, index int) error
	Fetch(ctx context.Context, req Request) (*Response, error)
	// Cookies returns the session cookies as a JSON array.
	Cookies(ctx context.Context) (string, error)
	Close() error
}

// LaunchOptions configure a new session.
type LaunchOptions struct {
	Profile  string
	Headless bool
	Proxy    *Proxy
}

// Proxy is an upstream proxy for the session.
type Proxy struct {
	Server   string // scheme://host:port
	Username string
	Password string
}

// Launcher opens a Driver for one run.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Driver, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, opts LaunchOptions) (Driver, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	return f(ctx, opts)
}

// Unusable wraps err so that errors.Is(err, ErrUnusable) holds.
func Unusable(err error) error {
	if err == nil || errors.Is(err, ErrUnusable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnusable, err)
}

// NormalizeWaitUntil maps empty and unknown values to "load".
func NormalizeWaitUntil(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "load", "domcontentloaded", "networkidle", "commit":
		return s
	default:
		return "load"
	}
}
