package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// DefaultActionTimeout bounds driver calls whose context has no deadline.
const DefaultActionTimeout = 30 * time.Second

// PlaywrightLauncher starts one Playwright server and launches a Chromium
// browser per run.
type PlaywrightLauncher struct {
	// Install downloads the browsers and driver before the first launch.
	Install bool

	mu sync.Mutex
	pw *playwright.Playwright
}

// NewPlaywrightLauncher returns a launcher; the Playwright server starts on
// the first Launch.
func NewPlaywrightLauncher(install bool) *PlaywrightLauncher {
	return &PlaywrightLauncher{Install: install}
}

func (l *PlaywrightLauncher) start() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw != nil {
		return l.pw, nil
	}
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if l.Install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	l.pw = pw
	return pw, nil
}

// Launch implements Launcher.
func (l *PlaywrightLauncher) Launch(_ context.Context, opts LaunchOptions) (Driver, error) {
	pw, err := l.start()
	if err != nil {
		return nil, err
	}

	headless := opts.Headless
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
	}
	if opts.Proxy != nil && opts.Proxy.Server != "" {
		p := &playwright.Proxy{Server: opts.Proxy.Server}
		if opts.Proxy.Username != "" {
			p.Username = playwright.String(opts.Proxy.Username)
			p.Password = playwright.String(opts.Proxy.Password)
		}
		launchOpts.Proxy = p
	}
	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &Playwright{browser: browser, context: bctx, page: page}, nil
}

// Close stops the Playwright server.
func (l *PlaywrightLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	return err
}

// Playwright is a Driver backed by one Playwright browser context.
type Playwright struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	closed  bool
}

// timeoutMs converts the context deadline into a Playwright timeout.
func timeoutMs(ctx context.Context) *float64 {
	d := DefaultActionTimeout
	if dl, ok := ctx.Deadline(); ok {
		d = time.Until(dl)
		if d < time.Millisecond {
			d = time.Millisecond
		}
	}
	ms := float64(d.Milliseconds())
	return &ms
}

// wrapPW classifies Playwright errors: timeouts become
// context.DeadlineExceeded and closed targets become ErrUnusable.
func wrapPW(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%s: %w: %v", op, context.DeadlineExceeded, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "Target closed") || strings.Contains(msg, "has been closed") ||
		strings.Contains(msg, "Browser closed") {
		return fmt.Errorf("%s: %w", op, Unusable(err))
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

func (d *Playwright) live() error {
	if d.closed || d.page == nil {
		return ErrUnusable
	}
	return nil
}

func (d *Playwright) locate(t Target) playwright.Locator {
	sel := PlaywrightSelector(t)
	var loc playwright.Locator
	if len(t.Frames) > 0 {
		fl := d.page.FrameLocator(t.Frames[0])
		for _, f := range t.Frames[1:] {
			fl = fl.FrameLocator(f)
		}
		loc = fl.Locator(sel)
	} else {
		loc = d.page.Locator(sel)
	}
	if t.Index >= 0 {
		return loc.Nth(t.Index)
	}
	return loc.First()
}

// Navigate implements Driver.
func (d *Playwright) Navigate(ctx context.Context, rawURL, waitUntil string) error {
	if err := d.live(); err != nil {
		return err
	}
	wu := playwright.WaitUntilState(NormalizeWaitUntil(waitUntil))
	_, err := d.page.Goto(rawURL, playwright.PageGotoOptions{
		WaitUntil: &wu,
		Timeout:   timeoutMs(ctx),
	})
	return wrapPW("navigation", err)
}

// Click implements Driver.
func (d *Playwright) Click(ctx context.Context, t Target, opts ClickOptions) error {
	if err := d.live(); err != nil {
		return err
	}
	po := playwright.LocatorClickOptions{Timeout: timeoutMs(ctx)}
	if opts.Button != "" {
		button := playwright.MouseButton(strings.ToLower(opts.Button))
		po.Button = &button
	}
	if opts.Delay > 0 {
		delay := float64(opts.Delay.Milliseconds())
		po.Delay = &delay
	}
	return wrapPW("click", d.locate(t).Click(po))
}

// Type implements Driver. With clear the field is replaced, otherwise the
// text is typed after the existing content.
func (d *Playwright) Type(ctx context.Context, t Target, text string, clear bool) error {
	if err := d.live(); err != nil {
		return err
	}
	loc := d.locate(t)
	if clear {
		return wrapPW("fill", loc.Fill(text, playwright.LocatorFillOptions{Timeout: timeoutMs(ctx)}))
	}
	return wrapPW("type", loc.PressSequentially(text, playwright.LocatorPressSequentiallyOptions{Timeout: timeoutMs(ctx)}))
}

// WaitForElement implements Driver.
func (d *Playwright) WaitForElement(ctx context.Context, t Target) error {
	if err := d.live(); err != nil {
		return err
	}
	state := playwright.WaitForSelectorState(t.state())
	return wrapPW("wait", d.locate(t).WaitFor(playwright.LocatorWaitForOptions{
		State:   &state,
		Timeout: timeoutMs(ctx),
	}))
}

// WaitForLoadState implements Driver.
func (d *Playwright) WaitForLoadState(ctx context.Context, state string) error {
	if err := d.live(); err != nil {
		return err
	}
	s := NormalizeWaitUntil(state)
	if s == "commit" {
		s = "load"
	}
	ls := playwright.LoadState(s)
	return wrapPW("wait for load state", d.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   &ls,
		Timeout: timeoutMs(ctx),
	}))
}

// ReadText implements Driver.
func (d *Playwright) ReadText(ctx context.Context, t Target, attribute string) (string, error) {
	if err := d.live(); err != nil {
		return "", err
	}
	loc := d.locate(t)
	if attribute != "" {
		v, err := loc.GetAttribute(attribute, playwright.LocatorGetAttributeOptions{Timeout: timeoutMs(ctx)})
		return v, wrapPW("read attribute", err)
	}
	v, err := loc.InnerText(playwright.LocatorInnerTextOptions{Timeout: timeoutMs(ctx)})
	return v, wrapPW("read text", err)
}

// NewTab implements Driver. The new tab becomes current.
func (d *Playwright) NewTab(ctx context.Context, rawURL, waitUntil string) (int, error) {
	if d.closed {
		return -1, ErrUnusable
	}
	page, err := d.context.NewPage()
	if err != nil {
		return -1, wrapPW("new tab", err)
	}
	d.page = page
	if rawURL != "" {
		if err := d.Navigate(ctx, rawURL, waitUntil); err != nil {
			return -1, err
		}
	}
	return len(d.context.Pages()) - 1, nil
}

// SwitchTab implements Driver.
func (d *Playwright) SwitchTab(_ context.Context, index int) error {
	if d.closed {
		return ErrUnusable
	}
	pages := d.context.Pages()
	if index < 0 || index >= len(pages) {
		return fmt.Errorf("%w: %d of %d", ErrTabIndex, index, len(pages))
	}
	d.page = pages[index]
	return wrapPW("switch tab", d.page.BringToFront())
}

// CloseTab implements Driver.
func (d *Playwright) CloseTab(ctx context.Context, index int) error {
	if d.closed {
		return ErrUnusable
	}
	pages := d.context.Pages()
	target := d.page
	if index >= 0 {
		if index >= len(pages) {
			return fmt.Errorf("%w: %d of %d", ErrTabIndex, index, len(pages))
		}
		target = pages[index]
	}
	if target == nil {
		return fmt.Errorf("%w: no current tab", ErrTabIndex)
	}
	if err := target.Close(); err != nil {
		return wrapPW("close tab", err)
	}
	remaining := d.context.Pages()
	if len(remaining) == 0 {
		page, err := d.context.NewPage()
		if err != nil {
			d.page = nil
			return wrapPW("reopen tab", err)
		}
		d.page = page
		return nil
	}
	return d.SwitchTab(ctx, 0)
}

// Fetch implements Driver through the context's request API, which shares
// the browser cookie jar.
func (d *Playwright) Fetch(ctx context.Context, req Request) (*Response, error) {
	if d.closed {
		return nil, ErrUnusable
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}
	opts := playwright.APIRequestContextFetchOptions{
		Method:  &method,
		Headers: req.Headers,
		Timeout: timeoutMs(ctx),
	}
	if req.Timeout > 0 {
		ms := float64(req.Timeout.Milliseconds())
		opts.Timeout = &ms
	}
	if len(req.Params) > 0 {
		params := map[string]interface{}{}
		for k, v := range req.Params {
			params[k] = v
		}
		opts.Params = params
	}
	switch {
	case req.JSON != nil:
		opts.Data = req.JSON
	case len(req.Form) > 0:
		form := map[string]interface{}{}
		for k, v := range req.Form {
			form[k] = v
		}
		opts.Form = form
	case len(req.Multipart) > 0:
		mp := map[string]interface{}{}
		for k, v := range req.Multipart {
			mp[k] = v
		}
		opts.Multipart = mp
	case req.Body != "":
		opts.Data = req.Body
	}
	if req.FailOnStatusCode {
		opts.FailOnStatusCode = playwright.Bool(true)
	}
	if req.IgnoreHTTPSErrors {
		opts.IgnoreHttpsErrors = playwright.Bool(true)
	}
	if req.MaxRedirects >= 0 {
		opts.MaxRedirects = playwright.Int(req.MaxRedirects)
	}
	if req.MaxRetries > 0 {
		opts.MaxRetries = playwright.Int(req.MaxRetries)
	}

	resp, err := d.context.Request().Fetch(req.URL, opts)
	if err != nil {
		return nil, wrapPW("http request", err)
	}
	body, err := resp.Body()
	if err != nil {
		return nil, wrapPW("read response body", err)
	}
	return &Response{
		URL:     resp.URL(),
		Status:  resp.Status(),
		Headers: resp.Headers(),
		Body:    string(body),
	}, nil
}

// Cookies implements Driver.
func (d *Playwright) Cookies(_ context.Context) (string, error) {
	if d.closed {
		return "[]", ErrUnusable
	}
	cookies, err := d.context.Cookies()
	if err != nil {
		return "[]", wrapPW("cookies", err)
	}
	if cookies == nil {
		return "[]", nil
	}
	data, err := json.Marshal(cookies)
	if err != nil {
		return "[]", fmt.Errorf("encode cookies: %w", err)
	}
	return string(data), nil
}

// Close releases the page, context and browser. It is safe to call twice.
func (d *Playwright) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	var errs []error
	if d.context != nil {
		if err := d.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
	}
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	d.page = nil
	return errors.Join(errs...)
}
