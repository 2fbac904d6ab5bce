package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	"github.com/ormasoftchile/sceneflow/pkg/store"
)

// Route lets a handler override the default transition.
type Route int

const (
	// RouteNext applies the graph's next rule to the outcome.
	RouteNext Route = iota
	// RouteEnd terminates the run with success.
	RouteEnd
	// RouteStop terminates the run as stopped.
	RouteStop
)

// Handler performs one action. params is the step's typed record with
// templates already resolved. A nil error is a success; any other error is
// a step failure unless it wraps ErrRunFatal or browser.ErrUnusable.
type Handler func(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error)

var registry map[schema.Action]Handler

func init() {
	registry = map[schema.Action]Handler{
		schema.ActionStart:            doStart,
		schema.ActionEnd:              doEnd,
		schema.ActionGoto:             doGoto,
		schema.ActionWaitForLoadState: doWaitForLoadState,
		schema.ActionWaitElement:      doWaitElement,
		schema.ActionClick:            doClick,
		schema.ActionType:             doType,
		schema.ActionExtractText:      doExtractText,
		schema.ActionNewTab:           doNewTab,
		schema.ActionSwitchTab:        doSwitchTab,
		schema.ActionCloseTab:         doCloseTab,
		schema.ActionSetVar:           doSetVar,
		schema.ActionParseVar:         doParseVar,
		schema.ActionPopShared:        doPopShared,
		schema.ActionCompare:          doCompare,
		schema.ActionHTTPRequest:      doHTTPRequest,
		schema.ActionWriteFile:        doWriteFile,
		schema.ActionSleep:            doSleep,
		schema.ActionLog:              doLog,
		schema.ActionSetTag:           doSetTag,
		schema.ActionRunScenario:      doRunScenario,
	}
}

// HasHandler reports whether a is dispatchable.
func HasHandler(a schema.Action) bool {
	_, ok := registry[a]
	return ok
}

func (e *Engine) dispatch(ctx context.Context, st *schema.Step) (Route, error) {
	h, ok := registry[st.Action]
	if !ok {
		return RouteNext, failf(KindAction, "no handler for action %q", st.Action)
	}
	return h(ctx, e, st, bind(st.Typed, e.vars))
}

// withDriver runs fn against the session's driver under the step deadline.
func (e *Engine) withDriver(ctx context.Context, st *schema.Step, fn func(context.Context, browser.Driver) error) error {
	d, err := e.sess.get(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	cctx, cancel := e.external(ctx, st)
	defer cancel()
	return fn(cctx, d)
}

// ---------------------------------------------------------------------------
// Flow
// ---------------------------------------------------------------------------

func doStart(context.Context, *Engine, *schema.Step, any) (Route, error) {
	return RouteNext, nil
}

func doEnd(_ context.Context, e *Engine, _ *schema.Step, _ any) (Route, error) {
	e.log.Info("end step reached")
	return RouteEnd, nil
}

// ---------------------------------------------------------------------------
// Browser
// ---------------------------------------------------------------------------

func doGoto(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.GotoParams)
	url := strings.TrimSpace(p.URL)
	if url == "" {
		return RouteNext, failf(KindAction, "goto requires a url")
	}
	return RouteNext, e.withDriver(ctx, st, func(ctx context.Context, d browser.Driver) error {
		return d.Navigate(ctx, url, browser.NormalizeWaitUntil(p.WaitUntil))
	})
}

func doWaitForLoadState(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.WaitForLoadStateParams)
	return RouteNext, e.withDriver(ctx, st, func(ctx context.Context, d browser.Driver) error {
		return d.WaitForLoadState(ctx, browser.NormalizeWaitUntil(p.State))
	})
}

func doWaitElement(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.WaitElementParams)
	t, err := e.target(ctx, p.Selector)
	if err != nil {
		return RouteNext, err
	}
	return RouteNext, e.withDriver(ctx, st, func(ctx context.Context, d browser.Driver) error {
		return d.WaitForElement(ctx, t)
	})
}

func doClick(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.ClickParams)
	t, err := e.target(ctx, p.Selector)
	if err != nil {
		return RouteNext, err
	}
	opts := browser.ClickOptions{Button: strings.ToLower(strings.TrimSpace(p.Button))}
	if p.ClickDelayMs.Set() {
		ms, err := p.ClickDelayMs.Int()
		if err != nil {
			return RouteNext, failWrap(KindTemplate, err, "click_delay_ms %q", p.ClickDelayMs)
		}
		opts.Delay = msDuration(ms)
	}
	return RouteNext, e.withDriver(ctx, st, func(ctx context.Context, d browser.Driver) error {
		return d.Click(ctx, t, opts)
	})
}

func doType(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.TypeParams)
	t, err := e.target(ctx, p.Selector)
	if err != nil {
		return RouteNext, err
	}
	return RouteNext, e.withDriver(ctx, st, func(ctx context.Context, d browser.Driver) error {
		return d.Type(ctx, t, p.Value, p.Clear.Bool(true))
	})
}

func doExtractText(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.ExtractTextParams)
	t, err := e.target(ctx, p.Selector)
	if err != nil {
		return RouteNext, err
	}
	var text string
	err = e.withDriver(ctx, st, func(ctx context.Context, d browser.Driver) error {
		var err error
		text, err = d.ReadText(ctx, t, strings.TrimSpace(p.Attribute))
		return err
	})
	if err != nil {
		return RouteNext, err
	}
	if p.Strip.Bool(true) {
		text = strings.TrimSpace(text)
	}
	name := strings.TrimSpace(p.ToVar)
	if name == "" {
		name = DefaultExtractVar
	}
	e.setProfileVar(name, text)
	e.persistProfile(ctx)
	return RouteNext, nil
}

func doNewTab(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.NewTabParams)
	return RouteNext, e.withDriver(ctx, st, func(ctx context.Context, d browser.Driver) error {
		_, err := d.NewTab(ctx, strings.TrimSpace(p.URL), browser.NormalizeWaitUntil(p.WaitUntil))
		return err
	})
}

func doSwitchTab(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.SwitchTabParams)
	raw := string(p.Index)
	if name := strings.TrimSpace(p.FromVar); name != "" {
		raw, _ = e.vars.Get(name)
	}
	if strings.TrimSpace(raw) == "" {
		return RouteNext, failf(KindAction, "switch_tab requires index or from_var")
	}
	idx, err := schema.Num(raw).Int()
	if err != nil {
		return RouteNext, failWrap(KindTemplate, err, "tab index %q", raw)
	}
	return RouteNext, e.withDriver(ctx, st, func(ctx context.Context, d browser.Driver) error {
		return d.SwitchTab(ctx, idx)
	})
}

func doCloseTab(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.CloseTabParams)
	idx := -1
	if p.Index.Set() {
		n, err := p.Index.Int()
		if err != nil {
			return RouteNext, failWrap(KindTemplate, err, "tab index %q", p.Index)
		}
		idx = n
	}
	return RouteNext, e.withDriver(ctx, st, func(ctx context.Context, d browser.Driver) error {
		return d.CloseTab(ctx, idx)
	})
}

// target converts selector fields into a browser target. Without an explicit
// selector_index the KV selector_indices setting is consulted, keyed by the
// selector and then by "kind:selector".
func (e *Engine) target(ctx context.Context, sel schema.Selector) (browser.Target, error) {
	kind, _ := schema.NormalizeSelectorType(sel.SelectorType)
	t := browser.Target{
		Selector: strings.TrimSpace(sel.Selector),
		Kind:     kind,
		Index:    -1,
		Frames:   sel.FrameSelector.Chain(),
		State:    strings.ToLower(strings.TrimSpace(sel.State)),
		Exact:    sel.Exact.Bool(false),
	}
	if t.Selector == "" {
		return t, failf(KindAction, "selector is required")
	}
	if sel.SelectorIndex.Set() {
		n, err := sel.SelectorIndex.Int()
		if err != nil {
			return t, failWrap(KindTemplate, err, "selector_index %q", sel.SelectorIndex)
		}
		t.Index = n
		return t, nil
	}
	if n, ok := e.storedIndex(ctx, kind, t.Selector); ok {
		t.Index = n
	}
	return t, nil
}

func (e *Engine) storedIndex(ctx context.Context, kind, selector string) (int, bool) {
	if e.cfg.KV == nil {
		return 0, false
	}
	raw, ok, err := e.cfg.KV.Get(ctx, store.KeySelectorIndices)
	if err != nil || !ok || strings.TrimSpace(raw) == "" {
		return 0, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		e.log.Debug("decode selector_indices", "error", err)
		return 0, false
	}
	for _, key := range []string{selector, kind + ":" + selector} {
		v, ok := m[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(v)))
		if err == nil {
			return n, true
		}
	}
	return 0, false
}
