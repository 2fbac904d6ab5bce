// Package engine drives one scenario run for one profile: it walks the step
// graph, binds templates, dispatches actions and applies the transition rule.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/eval"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/graph"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/validate"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/vars"
	"github.com/ormasoftchile/sceneflow/pkg/store"
)

// Defaults applied by New.
const (
	DefaultStepTimeout = 30 * time.Second
	DefaultOutputsDir  = "outputs"
	DefaultExtractVar  = "last_value"
)

// Accounts receives profile record updates made by steps.
type Accounts interface {
	UpdateStage(ctx context.Context, profile, stage string) error
	UpdateFields(ctx context.Context, profile string, fields map[string]string) error
}

// Config configures a run.
type Config struct {
	RunID   string
	Profile string

	// Vars seeds the profile scope. Shared is the process-wide scope; nil
	// keeps shared variables in memory for this run only.
	Vars   map[string]string
	Shared *vars.Shared

	// Driver is used as is when set; otherwise Launcher opens one on the
	// first browser step. Either way the engine closes it when the run ends.
	Driver   browser.Driver
	Launcher browser.Launcher
	Launch   browser.LaunchOptions

	Library     *schema.Library
	Accounts    Accounts
	KV          store.KV
	OutputsDir  string
	StepTimeout time.Duration
	Trace       *trace.Writer
	Logger      *slog.Logger

	// CallStack holds scenario names already executing above this run.
	CallStack []string

	// Now is the clock used for the timestamp built-in.
	Now func() time.Time
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// StopReason records why a run reached its terminal status.
type StopReason string

const (
	ReasonEndStep         StopReason = "end_step"
	ReasonGraphExhausted  StopReason = "graph_exhausted"
	ReasonCompareUnrouted StopReason = "compare_false_unrouted"
	ReasonStepFailed      StopReason = "step_failed"
	ReasonRecursion       StopReason = "recursion"
	ReasonFatal           StopReason = "fatal"
	ReasonCancelled       StopReason = "cancelled"
	ReasonMalformed       StopReason = "malformed"
)

// StepRecord is one line of the step log.
type StepRecord struct {
	Tag         string
	Action      schema.Action
	Description string
	Outcome     graph.Outcome
	Failure     *StepFailure
	Next        string
	Duration    time.Duration
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID    string
	Scenario string
	Profile  string
	Status   Status
	Reason   StopReason
	LastTag  string
	Visited  []string
	Steps    []StepRecord
	Vars     map[string]string
	Duration time.Duration
	Err      error
}

// Succeeded reports a successful terminal status.
func (r *RunResult) Succeeded() bool { return r.Status == StatusSucceeded }

// Engine executes one scenario for one profile. It is not safe for
// concurrent use; nested runs are executed synchronously on the caller's
// goroutine.
type Engine struct {
	cfg   Config
	sc    *schema.Scenario
	g     *graph.Graph
	vars  *vars.Store
	sess  *session
	stack []string
	log   *slog.Logger
	trace *trace.Writer
	depth int

	status  Status
	reason  StopReason
	err     error
	current string
	last    string
	records []StepRecord
	start   time.Time
	result  *RunResult
}

// New validates sc and prepares a run. A scenario with validation errors
// yields a *MalformedError.
func New(sc *schema.Scenario, cfg Config) (*Engine, error) {
	if sc == nil {
		return nil, &MalformedError{Problems: []*validate.ValidationError{{Phase: "structural", Message: "no scenario", Severity: "error"}}}
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.OutputsDir == "" {
		cfg.OutputsDir = DefaultOutputsDir
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e, err := newEngine(sc, cfg)
	if err != nil {
		return nil, err
	}
	e.vars = vars.NewStore(cfg.Vars, cfg.Shared)
	e.sess = &session{driver: cfg.Driver, launcher: cfg.Launcher, opts: cfg.Launch}
	return e, nil
}

func newEngine(sc *schema.Scenario, cfg Config) (*Engine, error) {
	if probs := validate.Errors(validate.ValidateScenario(sc, cfg.Library)); len(probs) > 0 {
		return nil, &MalformedError{Scenario: sc.Name, Problems: probs}
	}
	g, err := graph.Build(sc)
	if err != nil {
		return nil, &MalformedError{Scenario: sc.Name, Problems: []*validate.ValidationError{{
			Phase: "structural", Message: err.Error(), Severity: "error",
		}}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stack := append(append([]string(nil), cfg.CallStack...), sc.Name)
	return &Engine{
		cfg:    cfg,
		sc:     sc,
		g:      g,
		stack:  stack,
		trace:  cfg.Trace,
		log:    logger.With("profile", cfg.Profile, "scenario", sc.Name),
		status: StatusPending,
	}, nil
}

// Execute builds an engine and runs it. Validation failures are reported as
// a failed result with ReasonMalformed, before any step executes.
func Execute(ctx context.Context, sc *schema.Scenario, cfg Config) *RunResult {
	e, err := New(sc, cfg)
	if err != nil {
		if cfg.Driver != nil {
			cfg.Driver.Close()
		}
		name := ""
		if sc != nil {
			name = sc.Name
		}
		return &RunResult{
			RunID: cfg.RunID, Scenario: name, Profile: cfg.Profile,
			Status: StatusFailed, Reason: ReasonMalformed, Err: err,
		}
	}
	return e.Run(ctx)
}

// Run executes the scenario to completion. The browser session is released
// on every exit path.
func (e *Engine) Run(ctx context.Context) *RunResult {
	defer e.release()
	e.Start(ctx)
	for !e.Done() {
		e.Step(ctx)
	}
	return e.Finish()
}

// ---------------------------------------------------------------------------
// Stepping API
// ---------------------------------------------------------------------------

// Start moves the run to Running and positions it on the entry step.
func (e *Engine) Start(ctx context.Context) {
	if e.status != StatusPending {
		return
	}
	e.start = time.Now()
	e.status = StatusRunning
	e.trace.EmitRunStart(e.sc.Name, e.cfg.Profile, e.depth)
	e.log.Info("run started", "depth", e.depth)

	e.current = e.g.Entry()
	if e.current == "" {
		e.terminate(StatusSucceeded, ReasonGraphExhausted, nil)
	}
}

// Done reports whether the run reached a terminal status.
func (e *Engine) Done() bool {
	return e.status != StatusPending && e.status != StatusRunning
}

// Current returns the step that Step will execute next, or nil when done.
func (e *Engine) Current() *schema.Step {
	if e.Done() || e.current == "" {
		return nil
	}
	st, _ := e.g.Step(e.current)
	return st
}

// Scenario returns the scenario being executed.
func (e *Engine) Scenario() *schema.Scenario { return e.sc }

// Vars returns the run's variable store.
func (e *Engine) Vars() *vars.Store { return e.vars }

// History returns the step records so far.
func (e *Engine) History() []StepRecord { return append([]StepRecord(nil), e.records...) }

// JumpTo repositions the run on tag.
func (e *Engine) JumpTo(tag string) error {
	if e.Done() {
		return fmt.Errorf("run is %s", e.status)
	}
	if _, ok := e.g.Node(tag); !ok {
		return fmt.Errorf("%w: %q", graph.ErrUnknownTag, tag)
	}
	e.current = tag
	return nil
}

// Stop ends the run as stopped at the current step boundary.
func (e *Engine) Stop() {
	if !e.Done() {
		e.terminate(StatusStopped, ReasonCancelled, context.Canceled)
	}
}

// Replace swaps in a reloaded scenario, keeping the position when the
// current tag still exists and restarting from the entry otherwise.
func (e *Engine) Replace(sc *schema.Scenario) error {
	next, err := newEngine(sc, e.cfg)
	if err != nil {
		return err
	}
	e.sc, e.g = next.sc, next.g
	e.stack = append(append([]string(nil), e.cfg.CallStack...), sc.Name)
	e.log = next.log
	if _, ok := e.g.Node(e.current); !ok {
		e.current = e.g.Entry()
	}
	return nil
}

// Step executes the current step and applies the transition rule.
// Cancellation of ctx is honoured here, before the step starts.
func (e *Engine) Step(ctx context.Context) *StepRecord {
	if e.status == StatusPending {
		e.Start(ctx)
	}
	if e.Done() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		e.terminate(StatusStopped, ReasonCancelled, err)
		return nil
	}

	st, err := e.g.Step(e.current)
	if err != nil {
		e.terminate(StatusFailed, ReasonFatal, fatalf(err, "resolve step"))
		return nil
	}
	begin := time.Now()
	rec := StepRecord{Tag: st.Tag, Action: st.Action}
	log := e.log.With("tag", st.Tag, "action", string(st.Action))

	e.refreshBuiltins(ctx, st)
	rec.Description = eval.Resolve(st.Description, e.vars)
	e.trace.EmitStepStart(st.Tag, string(st.Action), st.Params)

	route, err := e.dispatch(ctx, st)
	rec.Duration = time.Since(begin)
	e.last = st.Tag

	if err != nil && isFatal(err) {
		e.trace.EmitStepComplete(st.Tag, trace.StatusError, rec.Duration, &trace.Failure{Kind: "fatal", Message: err.Error()})
		log.Error("step fatal", "error", err)
		rec.Outcome = graph.Failure
		e.records = append(e.records, rec)
		e.terminate(StatusFailed, ReasonFatal, err)
		return &e.records[len(e.records)-1]
	}

	rec.Outcome = graph.Success
	if err != nil {
		rec.Outcome = graph.Failure
		rec.Failure = asFailure(st.Tag, err)
		e.trace.EmitStepComplete(st.Tag, trace.StatusFailed, rec.Duration, &trace.Failure{
			Kind: string(rec.Failure.Kind), Message: rec.Failure.Message,
		})
		log.Warn("step failed", "kind", rec.Failure.Kind, "error", rec.Failure.Message)
	} else {
		e.trace.EmitStepComplete(st.Tag, trace.StatusSuccess, rec.Duration, nil)
		log.Debug("step succeeded", "duration", rec.Duration)
	}

	e.transition(st, &rec, route)
	e.records = append(e.records, rec)
	return &e.records[len(e.records)-1]
}

// transition applies the handler route and the graph's next rule.
func (e *Engine) transition(st *schema.Step, rec *StepRecord, route Route) {
	switch route {
	case RouteEnd:
		e.trace.EmitTransition(st.Tag, "", string(rec.Outcome), true)
		e.release()
		e.terminate(StatusSucceeded, ReasonEndStep, nil)
		return
	case RouteStop:
		e.trace.EmitTransition(st.Tag, "", string(rec.Outcome), true)
		e.terminate(StatusStopped, ReasonCompareUnrouted, rec.Failure)
		return
	}

	next, terminal, err := e.g.Next(st.Tag, rec.Outcome)
	if err != nil {
		e.terminate(StatusFailed, ReasonFatal, fatalf(err, "step %s", st.Tag))
		return
	}
	e.trace.EmitTransition(st.Tag, next, string(rec.Outcome), terminal)
	if !terminal {
		rec.Next = next
		e.current = next
		return
	}
	if rec.Outcome == graph.Success {
		e.terminate(StatusSucceeded, ReasonGraphExhausted, nil)
		return
	}
	reason := ReasonStepFailed
	if rec.Failure != nil && rec.Failure.Kind == KindRecursion {
		reason = ReasonRecursion
	}
	e.terminate(StatusFailed, reason, rec.Failure)
}

func (e *Engine) terminate(status Status, reason StopReason, err error) {
	e.status, e.reason = status, reason
	if err != nil {
		e.err = err
	}
	e.current = ""
}

// Finish releases the browser session, emits run_complete and returns the
// result. It may be called more than once.
func (e *Engine) Finish() *RunResult {
	if e.result != nil {
		return e.result
	}
	if !e.Done() {
		e.Stop()
	}
	e.release()

	visited := make([]string, len(e.records))
	for i, r := range e.records {
		visited[i] = r.Tag
	}
	res := &RunResult{
		RunID:    e.cfg.RunID,
		Scenario: e.sc.Name,
		Profile:  e.cfg.Profile,
		Status:   e.status,
		Reason:   e.reason,
		LastTag:  e.last,
		Visited:  visited,
		Steps:    append([]StepRecord(nil), e.records...),
		Vars:     e.vars.Profile(),
		Err:      e.err,
	}
	if !e.start.IsZero() {
		res.Duration = time.Since(e.start)
	}
	e.trace.EmitRunComplete(string(res.Status), string(res.Reason), len(e.records), res.Duration)

	attrs := []any{"status", res.Status, "reason", res.Reason, "steps", len(e.records), "duration", res.Duration}
	if res.Status == StatusSucceeded {
		e.log.Info("run finished", attrs...)
	} else {
		e.log.Warn("run finished", append(attrs, "error", res.Err)...)
	}
	e.result = res
	return res
}

// release closes the browser session if this run owns it.
func (e *Engine) release() {
	if e.depth > 0 {
		return
	}
	if closed, err := e.sess.release(); closed {
		e.trace.EmitBrowserRelease(err)
		if err != nil {
			e.log.Warn("browser release failed", "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// timeout returns the per-step deadline for external calls.
func (e *Engine) timeout(st *schema.Step) time.Duration {
	if st.TimeoutMs > 0 {
		return time.Duration(st.TimeoutMs) * time.Millisecond
	}
	return e.cfg.StepTimeout
}

// external returns a context for a driver or HTTP call. It ignores run
// cancellation so in-flight calls finish or hit their own deadline.
func (e *Engine) external(ctx context.Context, st *schema.Step) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.timeout(st))
}

// refreshBuiltins recomputes the built-ins st refers to.
func (e *Engine) refreshBuiltins(ctx context.Context, st *schema.Step) {
	if mentions(st, vars.BuiltinTimestamp) {
		e.vars.SetBuiltin(vars.BuiltinTimestamp, e.cfg.Now().Local().Format("2006-01-02-15-04-05"))
	}
	if mentions(st, vars.BuiltinCookies) {
		cookies := "[]"
		if d := e.sess.active(); d != nil {
			cctx, cancel := e.external(ctx, st)
			if c, err := d.Cookies(cctx); err == nil {
				cookies = c
			} else {
				e.log.Debug("read cookies", "error", err)
			}
			cancel()
		}
		e.vars.SetBuiltin(vars.BuiltinCookies, cookies)
	}
}

// mentions reports whether st references name through a placeholder or a
// variable-name parameter.
func mentions(st *schema.Step, name string) bool {
	if eval.ReferencesAny(st.Description, name) || eval.ReferencesAny(st.Params, name) {
		return true
	}
	for _, v := range st.Params {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == name {
			return true
		}
	}
	return false
}

func isFatal(err error) bool {
	return errors.Is(err, ErrRunFatal) || errors.Is(err, browser.ErrUnusable)
}

// asFailure classifies a non-fatal handler error.
func asFailure(tag string, err error) *StepFailure {
	var sf *StepFailure
	if errors.As(err, &sf) {
		out := *sf
		out.Tag = tag
		return &out
	}
	kind := KindAction
	if browser.IsTimeout(err) {
		kind = KindTimeout
	}
	return &StepFailure{Kind: kind, Tag: tag, Message: err.Error(), Err: err}
}
