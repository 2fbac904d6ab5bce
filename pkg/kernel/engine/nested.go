package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

// doRunScenario executes a library scenario on the caller's variable store
// and browser session with an extended copy of the call stack.
func doRunScenario(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.RunScenarioParams)
	name := strings.TrimSpace(p.Scenario)
	if name == "" {
		return RouteNext, failf(KindAction, "run_scenario requires a scenario name")
	}
	if e.cfg.Library == nil {
		return RouteNext, failf(KindAction, "scenario %q not found: no library configured", name)
	}
	sc, err := e.cfg.Library.Get(name)
	if err != nil {
		return RouteNext, failWrap(KindAction, err, "run_scenario")
	}
	for _, active := range e.stack {
		if strings.EqualFold(active, sc.Name) || strings.EqualFold(active, name) {
			return RouteNext, &StepFailure{
				Kind:    KindRecursion,
				Message: fmt.Sprintf("scenario %q is already running (%s)", sc.Name, strings.Join(e.stack, " > ")),
				Err:     ErrRecursionDetected,
			}
		}
	}

	child, err := e.child(sc)
	if err != nil {
		return RouteNext, failWrap(KindAction, err, "run_scenario %s", sc.Name)
	}
	e.trace.EmitNested(true, st.Tag, sc.Name, "")
	res := child.Run(ctx)
	e.trace.EmitNested(false, st.Tag, sc.Name, string(res.Status))

	switch {
	case res.Reason == ReasonFatal:
		return RouteNext, res.Err
	case res.Status != StatusSucceeded:
		return RouteNext, failWrap(KindAction, res.Err, "nested scenario %s %s (%s)", sc.Name, res.Status, res.Reason)
	}
	return RouteNext, nil
}

// child prepares a nested run sharing e's variables and browser session.
func (e *Engine) child(sc *schema.Scenario) (*Engine, error) {
	cfg := e.cfg
	cfg.CallStack = e.stack
	c, err := newEngine(sc, cfg)
	if err != nil {
		return nil, err
	}
	c.vars = e.vars
	c.sess = e.sess
	c.depth = e.depth + 1
	return c, nil
}
