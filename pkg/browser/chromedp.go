package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromedpLauncher launches a local Chrome through the DevTools protocol.
type ChromedpLauncher struct {
	// ExecPath overrides the Chrome binary.
	ExecPath string
}

// Launch implements Launcher. Proxy credentials are not supported by the
// Chrome command line; only the server is applied.
func (l *ChromedpLauncher) Launch(_ context.Context, opts LaunchOptions) (Driver, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if l.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.ExecPath))
	}
	if opts.Proxy != nil && opts.Proxy.Server != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.Proxy.Server))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(rootCtx); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch chrome: %w", err)
	}
	return &Chromedp{
		allocCancel: allocCancel,
		root:        rootCtx,
		rootCancel:  rootCancel,
		tabs:        []*cdpTab{{ctx: rootCtx}},
		fetcher:     NewHTTPFetcher(),
	}, nil
}

type cdpTab struct {
	ctx    context.Context
	cancel context.CancelFunc // nil for the root tab
}

// Chromedp is a Driver backed by chromedp. Each tab is a chromedp context.
type Chromedp struct {
	allocCancel context.CancelFunc
	root        context.Context
	rootCancel  context.CancelFunc
	tabs        []*cdpTab
	cur         int
	fetcher     *HTTPFetcher
	closed      bool
}

// actx derives a per-call context from the current tab, bounded by the
// caller's deadline.
func (d *Chromedp) actx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if d.closed || d.cur >= len(d.tabs) {
		return nil, nil, ErrUnusable
	}
	tab := d.tabs[d.cur]
	if tab.ctx.Err() != nil {
		return nil, nil, Unusable(tab.ctx.Err())
	}
	timeout := DefaultActionTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	c, cancel := context.WithTimeout(tab.ctx, timeout)
	return c, cancel, nil
}

func (d *Chromedp) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	c, cancel, err := d.actx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return d.wrap(op, chromedp.Run(c, actions...))
}

func (d *Chromedp) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if d.root.Err() != nil {
		return fmt.Errorf("%s: %w", op, Unusable(err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

// query returns the selector and options locating t. With all set, CSS
// selectors return every match instead of the first.
func (d *Chromedp) query(t Target, all bool) (string, []chromedp.QueryOption, error) {
	if css := CSSSelector(t); css != "" {
		if all {
			return css, []chromedp.QueryOption{chromedp.ByQueryAll}, nil
		}
		return css, []chromedp.QueryOption{chromedp.ByQuery}, nil
	}
	if xp := XPathSelector(t); xp != "" {
		return xp, []chromedp.QueryOption{chromedp.BySearch}, nil
	}
	return "", nil, fmt.Errorf("unsupported selector kind %q", t.Kind)
}

// node resolves t to a single DOM node, descending through iframes first.
func (d *Chromedp) node(ctx context.Context, t Target) (*cdp.Node, error) {
	c, cancel, err := d.actx(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var parent *cdp.Node
	for _, frame := range t.Frames {
		var frames []*cdp.Node
		opts := []chromedp.QueryOption{chromedp.ByQuery}
		if parent != nil {
			opts = append(opts, chromedp.FromNode(parent))
		}
		if err := chromedp.Run(c, chromedp.Nodes(frame, &frames, opts...)); err != nil {
			return nil, d.wrap("locate frame "+frame, err)
		}
		parent = frames[0]
	}

	sel, opts, err := d.query(t, true)
	if err != nil {
		return nil, err
	}
	idx := max(t.Index, 0)
	opts = append(opts, chromedp.AtLeast(idx+1))
	if parent != nil {
		opts = append(opts, chromedp.FromNode(parent))
	}
	var nodes []*cdp.Node
	if err := chromedp.Run(c, chromedp.Nodes(sel, &nodes, opts...)); err != nil {
		return nil, d.wrap("locate "+t.String(), err)
	}
	if idx >= len(nodes) {
		return nil, fmt.Errorf("%w: %s", ErrNoElement, t)
	}
	return nodes[idx], nil
}

// Navigate implements Driver. chromedp always waits for the load event.
func (d *Chromedp) Navigate(ctx context.Context, url, _ string) error {
	return d.run(ctx, "navigation", chromedp.Navigate(url))
}

// Click implements Driver.
func (d *Chromedp) Click(ctx context.Context, t Target, opts ClickOptions) error {
	n, err := d.node(ctx, t)
	if err != nil {
		return err
	}
	ids := []cdp.NodeID{n.NodeID}
	var actions []chromedp.Action
	if opts.Delay > 0 {
		actions = append(actions, chromedp.Sleep(opts.Delay))
	}
	switch strings.ToLower(opts.Button) {
	case "right":
		actions = append(actions, chromedp.ScrollIntoView(ids, chromedp.ByNodeID), chromedp.MouseClickNode(n, chromedp.ButtonType(input.Right)))
	case "middle":
		actions = append(actions, chromedp.ScrollIntoView(ids, chromedp.ByNodeID), chromedp.MouseClickNode(n, chromedp.ButtonType(input.Middle)))
	default:
		actions = append(actions, chromedp.Click(ids, chromedp.ByNodeID))
	}
	return d.run(ctx, "click", actions...)
}

// Type implements Driver.
func (d *Chromedp) Type(ctx context.Context, t Target, text string, clear bool) error {
	n, err := d.node(ctx, t)
	if err != nil {
		return err
	}
	ids := []cdp.NodeID{n.NodeID}
	var actions []chromedp.Action
	if clear {
		actions = append(actions, chromedp.Clear(ids, chromedp.ByNodeID))
	}
	actions = append(actions, chromedp.SendKeys(ids, text, chromedp.ByNodeID))
	return d.run(ctx, "type", actions...)
}

// WaitForElement implements Driver.
func (d *Chromedp) WaitForElement(ctx context.Context, t Target) error {
	if t.state() == StateVisible || t.state() == StateAttached {
		_, err := d.node(ctx, t)
		if err != nil || t.state() == StateAttached {
			return err
		}
	}
	sel, opts, err := d.query(t, false)
	if err != nil {
		return err
	}
	var action chromedp.Action
	switch t.state() {
	case StateHidden:
		action = chromedp.WaitNotVisible(sel, opts...)
	case StateDetached:
		action = chromedp.WaitNotPresent(sel, opts...)
	default:
		action = chromedp.WaitVisible(sel, opts...)
	}
	return d.run(ctx, "wait "+t.state(), action)
}

// WaitForLoadState implements Driver by polling document.readyState.
func (d *Chromedp) WaitForLoadState(ctx context.Context, state string) error {
	want := "complete"
	if NormalizeWaitUntil(state) == "domcontentloaded" {
		want = "interactive"
	}
	return d.run(ctx, "wait for load state", chromedp.ActionFunc(func(c context.Context) error {
		for {
			var rs string
			if err := chromedp.Evaluate(`document.readyState`, &rs).Do(c); err != nil {
				return err
			}
			if rs == "complete" || rs == want {
				return nil
			}
			select {
			case <-c.Done():
				return c.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}))
}

// ReadText implements Driver.
func (d *Chromedp) ReadText(ctx context.Context, t Target, attribute string) (string, error) {
	n, err := d.node(ctx, t)
	if err != nil {
		return "", err
	}
	ids := []cdp.NodeID{n.NodeID}
	var v string
	if attribute != "" {
		var ok bool
		err = d.run(ctx, "read attribute", chromedp.AttributeValue(ids, attribute, &v, &ok, chromedp.ByNodeID))
		return v, err
	}
	err = d.run(ctx, "read text", chromedp.Text(ids, &v, chromedp.ByNodeID))
	return v, err
}

// NewTab implements Driver. The new tab becomes current.
func (d *Chromedp) NewTab(ctx context.Context, url, waitUntil string) (int, error) {
	if d.closed {
		return -1, ErrUnusable
	}
	tctx, cancel := chromedp.NewContext(d.root)
	if err := chromedp.Run(tctx); err != nil {
		cancel()
		return -1, d.wrap("new tab", err)
	}
	d.tabs = append(d.tabs, &cdpTab{ctx: tctx, cancel: cancel})
	d.cur = len(d.tabs) - 1
	if url != "" {
		if err := d.Navigate(ctx, url, waitUntil); err != nil {
			return -1, err
		}
	}
	return d.cur, nil
}

// SwitchTab implements Driver.
func (d *Chromedp) SwitchTab(ctx context.Context, index int) error {
	if d.closed {
		return ErrUnusable
	}
	if index < 0 || index >= len(d.tabs) {
		return fmt.Errorf("%w: %d of %d", ErrTabIndex, index, len(d.tabs))
	}
	d.cur = index
	return d.run(ctx, "switch tab", page.BringToFront())
}

// CloseTab implements Driver.
func (d *Chromedp) CloseTab(ctx context.Context, index int) error {
	if d.closed {
		return ErrUnusable
	}
	if index < 0 {
		index = d.cur
	}
	if index >= len(d.tabs) {
		return fmt.Errorf("%w: %d of %d", ErrTabIndex, index, len(d.tabs))
	}
	tab := d.tabs[index]
	if tab.cancel != nil {
		tab.cancel()
	} else {
		d.cur = index
		if err := d.run(ctx, "close tab", page.Close()); err != nil {
			return err
		}
	}
	d.tabs = append(d.tabs[:index], d.tabs[index+1:]...)
	d.cur = 0
	if len(d.tabs) == 0 {
		_, err := d.NewTab(ctx, "", "")
		return err
	}
	return d.SwitchTab(ctx, 0)
}

// Fetch implements Driver. Browser cookies are copied into the fetcher's
// jar before each request.
func (d *Chromedp) Fetch(ctx context.Context, req Request) (*Response, error) {
	cookies, err := d.browserCookies(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cookies {
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		host := strings.TrimPrefix(c.Domain, ".")
		d.fetcher.SetCookies(scheme+"://"+host+c.Path, []*http.Cookie{{
			Name: c.Name, Value: c.Value, Path: c.Path, Domain: c.Domain,
			Secure: c.Secure, HttpOnly: c.HTTPOnly,
		}})
	}
	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil && IsTimeout(err) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return resp, err
}

func (d *Chromedp) browserCookies(ctx context.Context) ([]*network.Cookie, error) {
	var cookies []*network.Cookie
	err := d.run(ctx, "cookies", chromedp.ActionFunc(func(c context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(c)
		return err
	}))
	return cookies, err
}

// Cookies implements Driver.
func (d *Chromedp) Cookies(ctx context.Context) (string, error) {
	cookies, err := d.browserCookies(ctx)
	if err != nil {
		return "[]", err
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

// Close shuts down every tab and the browser process. It is safe to call twice.
func (d *Chromedp) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	for _, tab := range d.tabs {
		if tab.cancel != nil {
			tab.cancel()
		}
	}
	err := chromedp.Cancel(d.root)
	d.rootCancel()
	d.allocCancel()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
