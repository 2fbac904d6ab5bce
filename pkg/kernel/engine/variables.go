package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/eval"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/vars"
	"github.com/ormasoftchile/sceneflow/pkg/store"
)

func doSetVar(ctx context.Context, e *Engine, _ *schema.Step, params any) (Route, error) {
	p := params.(*schema.SetVarParams)
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return RouteNext, failf(KindAction, "set_var requires a name")
	}
	scope, err := vars.ParseScope(p.Scope)
	if err != nil {
		return RouteNext, failWrap(KindTemplate, err, "set_var %s", name)
	}
	if err := e.vars.Set(context.WithoutCancel(ctx), scope, name, p.Value); err != nil {
		return RouteNext, failWrap(KindAction, err, "set_var %s", name)
	}
	e.trace.EmitVariableSet(name, string(scope), p.Value)
	e.log.Info("variable set", "name", name, "scope", scope)
	if scope != vars.ScopeShared {
		e.persistProfile(ctx)
	}
	return RouteNext, nil
}

func doParseVar(ctx context.Context, e *Engine, _ *schema.Step, params any) (Route, error) {
	p := params.(*schema.ParseVarParams)
	input := p.Value
	if name := strings.TrimSpace(p.FromVar); name != "" {
		input, _ = e.vars.Get(name)
	}
	captures, err := e.match(p.Pattern, input)
	if err != nil {
		return RouteNext, err
	}
	if p.UpdateAccount.Bool(true) {
		e.updateAccount(ctx, captures)
	}
	e.persistProfile(ctx)
	return RouteNext, nil
}

func doPopShared(ctx context.Context, e *Engine, _ *schema.Step, params any) (Route, error) {
	p := params.(*schema.PopSharedParams)
	key := strings.TrimSpace(p.Key)
	if key == "" {
		return RouteNext, failf(KindAction, "pop_shared requires a shared key")
	}
	head, remaining, err := e.vars.Shared().Pop(context.WithoutCancel(ctx), key)
	if err != nil {
		return RouteNext, failWrap(KindAction, err, "pop %s", key)
	}
	e.trace.EmitSharedPop(key, len(remaining))
	e.log.Info("popped shared item", "key", key, "remaining", len(remaining))

	// The item stays consumed even when the pattern does not match.
	captures, err := e.match(p.Pattern, head)
	if err != nil {
		return RouteNext, err
	}
	e.updateAccount(ctx, captures)
	e.persistProfile(ctx)
	return RouteNext, nil
}

// match applies an inverse template to input and writes the captures into
// the profile scope, in placeholder order.
func (e *Engine) match(pattern, input string) (map[string]string, error) {
	pat, err := eval.CompilePattern(strings.TrimSpace(pattern))
	if err != nil {
		return nil, failWrap(KindAction, err, "pattern %q", pattern)
	}
	captures, ok := pat.Match(input)
	if !ok {
		return nil, failf(KindAction, "pattern %q did not match %q", pattern, input)
	}
	for _, name := range pat.Names() {
		e.setProfileVar(name, captures[name])
	}
	return captures, nil
}

func doCompare(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.CompareParams)
	// Without an error branch a failed compare must not fall through into
	// the success branch.
	route := RouteNext
	if st.NextError == "" && st.NextSuccess != "" {
		route = RouteStop
	}

	op, ok := schema.NormalizeOperator(p.Op)
	if !ok {
		return route, failf(KindCompare, "unknown operator %q", p.Op)
	}
	left := p.Left
	if name := strings.TrimSpace(p.LeftVar); name != "" {
		left, _ = e.vars.Get(name)
	}
	right := p.Right
	if name := strings.TrimSpace(p.RightVar); name != "" {
		right, _ = e.vars.Get(name)
	}

	result, err := compare(op, left, right, p.CaseSensitive.Bool(false))
	if err != nil {
		return route, failWrap(KindCompare, err, "%s", op)
	}
	if name := strings.TrimSpace(p.ResultVar); name != "" {
		e.setProfileVar(name, strconv.FormatBool(result))
		e.persistProfile(ctx)
	}
	e.log.Info("compare evaluated", "tag", st.Tag, "op", op, "result", result)
	if !result {
		return route, failf(KindCompare, "%q %s %q is false", left, op, right)
	}
	return RouteNext, nil
}

// compare evaluates one operator. Numeric operators fail on unparsable input
// instead of returning false.
func compare(op, left, right string, caseSensitive bool) (bool, error) {
	a, b := left, right
	if !caseSensitive {
		a, b = strings.ToLower(a), strings.ToLower(b)
	}
	switch op {
	case "is_empty":
		return strings.TrimSpace(left) == "", nil
	case "not_empty":
		return strings.TrimSpace(left) != "", nil
	case "equals":
		return a == b, nil
	case "not_equals":
		return a != b, nil
	case "contains":
		return strings.Contains(a, b), nil
	case "not_contains":
		return !strings.Contains(a, b), nil
	case "startswith":
		return strings.HasPrefix(a, b), nil
	case "endswith":
		return strings.HasSuffix(a, b), nil
	case "regex":
		expr := right
		if !caseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", right, err)
		}
		return re.MatchString(left), nil
	case "gt", "gte", "lt", "lte":
		x, err := strconv.ParseFloat(strings.TrimSpace(left), 64)
		if err != nil {
			return false, fmt.Errorf("left side %q is not a number", left)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
		if err != nil {
			return false, fmt.Errorf("right side %q is not a number", right)
		}
		switch op {
		case "gt":
			return x > y, nil
		case "gte":
			return x >= y, nil
		case "lt":
			return x < y, nil
		default:
			return x <= y, nil
		}
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func doLog(_ context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.LogParams)
	e.trace.EmitLog(st.Tag, p.Value)
	e.log.Info("scenario log", "tag", st.Tag, "message", p.Value)
	return RouteNext, nil
}

// doSleep pauses for seconds, or for timeout_ms when seconds is unset. An
// explicit timeout_ms shorter than seconds cuts the pause short as a timeout.
func doSleep(ctx context.Context, _ *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.SleepParams)
	var d time.Duration
	limited := false
	if p.Seconds.Set() {
		s, err := p.Seconds.Float()
		if err != nil {
			return RouteNext, failWrap(KindTemplate, err, "seconds %q", p.Seconds)
		}
		d = time.Duration(s * float64(time.Second))
		if st.TimeoutMs > 0 && msDuration(st.TimeoutMs) < d {
			d, limited = msDuration(st.TimeoutMs), true
		}
	} else {
		d = msDuration(st.TimeoutMs)
	}
	if d <= 0 {
		return RouteNext, nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return RouteNext, failWrap(KindAction, ctx.Err(), "sleep interrupted")
	}
	if limited {
		return RouteNext, failWrap(KindTimeout, context.DeadlineExceeded, "sleep exceeds timeout of %dms", st.TimeoutMs)
	}
	return RouteNext, nil
}

func doSetTag(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.SetTagParams)
	stage := strings.TrimSpace(p.Stage)
	if stage == "" && !st.AutoTag {
		stage = st.Tag
	}
	e.setProfileVar("stage", stage)
	e.log.Info("profile stage set", "stage", stage)
	if e.cfg.Accounts != nil && e.cfg.Profile != "" {
		if err := e.cfg.Accounts.UpdateStage(context.WithoutCancel(ctx), e.cfg.Profile, stage); err != nil {
			return RouteNext, failWrap(KindAction, err, "update stage")
		}
	}
	e.persistProfile(ctx)
	return RouteNext, nil
}

// ---------------------------------------------------------------------------
// Profile scope helpers
// ---------------------------------------------------------------------------

func (e *Engine) setProfileVar(name, value string) {
	e.vars.SetProfile(name, value)
	e.trace.EmitVariableSet(name, string(vars.ScopeProfile), value)
}

// updateAccount writes captured fields back to the profile record. Failures
// are logged and do not fail the step.
func (e *Engine) updateAccount(ctx context.Context, fields map[string]string) {
	if e.cfg.Accounts == nil || e.cfg.Profile == "" || len(fields) == 0 {
		return
	}
	if err := e.cfg.Accounts.UpdateFields(context.WithoutCancel(ctx), e.cfg.Profile, fields); err != nil {
		e.log.Warn("update account", "error", err)
	}
}

// persistProfile saves the profile scope under profile_vars:<profile>.
func (e *Engine) persistProfile(ctx context.Context) {
	if e.cfg.KV == nil || e.cfg.Profile == "" {
		return
	}
	data, err := json.Marshal(e.vars.Profile())
	if err == nil {
		err = e.cfg.KV.Set(context.WithoutCancel(ctx), store.ProfileVarsPrefix+e.cfg.Profile, string(data))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Debug("persist profile vars", "error", err)
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
