// Package telemetry turns run trace events into OpenTelemetry spans and
// metrics. Handlers are attached to a trace.Writer with Observe.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
)

// Tracing translates trace events into spans: one span per run (nested
// runs become children of the calling step) and one per step.
type Tracing struct {
	tracer oteltrace.Tracer

	mu    sync.Mutex
	runs  map[string][]frame // runID -> run spans, innermost last
	steps map[string][]frame // runID -> step spans, innermost last
}

type frame struct {
	ctx  context.Context
	span oteltrace.Span
}

// NewTracing returns a handler that starts spans on tracer.
func NewTracing(tracer oteltrace.Tracer) *Tracing {
	return &Tracing{
		tracer: tracer,
		runs:   make(map[string][]frame),
		steps:  make(map[string][]frame),
	}
}

// Observe implements trace.Observer.
func (h *Tracing) Observe(e trace.Event) {
	switch e.Type {
	case trace.EventRunStart:
		h.runStarted(e)
	case trace.EventStepStart:
		h.stepStarted(e)
	case trace.EventStepComplete:
		h.stepCompleted(e)
	case trace.EventSharedPop, trace.EventBrowserRelease, trace.EventLog:
		h.addEvent(e)
	case trace.EventRunComplete:
		h.runCompleted(e)
	}
}

// ActiveRunSpanContext returns the innermost open run span for runID.
func (h *Tracing) ActiveRunSpanContext(runID string) oteltrace.SpanContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	stack := h.runs[runID]
	if len(stack) == 0 {
		return oteltrace.SpanContext{}
	}
	return stack[len(stack)-1].span.SpanContext()
}

func (h *Tracing) runStarted(e trace.Event) {
	scenario := str(e.Data, "scenario")
	h.mu.Lock()
	defer h.mu.Unlock()

	parent := context.Background()
	if steps := h.steps[e.RunID]; len(steps) > 0 {
		parent = steps[len(steps)-1].ctx
	}
	ctx, span := h.tracer.Start(parent, "run:"+scenario,
		oteltrace.WithAttributes(
			attribute.String("sceneflow.run_id", e.RunID),
			attribute.String("sceneflow.scenario", scenario),
			attribute.String("sceneflow.profile", str(e.Data, "profile")),
		),
		oteltrace.WithTimestamp(e.Timestamp),
	)
	if d, ok := e.Data["depth"]; ok {
		span.SetAttributes(attribute.Int("sceneflow.depth", toInt(d)))
	}
	h.runs[e.RunID] = append(h.runs[e.RunID], frame{ctx: ctx, span: span})
}

func (h *Tracing) stepStarted(e trace.Event) {
	tag := str(e.Data, "tag")
	h.mu.Lock()
	defer h.mu.Unlock()

	parent := context.Background()
	if runs := h.runs[e.RunID]; len(runs) > 0 {
		parent = runs[len(runs)-1].ctx
	}
	ctx, span := h.tracer.Start(parent, "step:"+tag,
		oteltrace.WithAttributes(
			attribute.String("sceneflow.run_id", e.RunID),
			attribute.String("sceneflow.tag", tag),
			attribute.String("sceneflow.action", str(e.Data, "action")),
		),
		oteltrace.WithTimestamp(e.Timestamp),
	)
	h.steps[e.RunID] = append(h.steps[e.RunID], frame{ctx: ctx, span: span})
}

func (h *Tracing) stepCompleted(e trace.Event) {
	f, ok := h.pop(h.steps, e.RunID)
	if !ok {
		return
	}
	status := str(e.Data, "status")
	f.span.SetAttributes(
		attribute.String("sceneflow.status", status),
		attribute.String("sceneflow.duration", str(e.Data, "duration")),
	)
	if failure, ok := e.Data["failure"].(map[string]any); ok {
		msg := str(failure, "message")
		f.span.SetAttributes(attribute.String("sceneflow.failure_kind", str(failure, "kind")))
		f.span.SetStatus(codes.Error, msg)
	} else {
		f.span.SetStatus(codes.Ok, "")
	}
	f.span.End(oteltrace.WithTimestamp(e.Timestamp))
}

func (h *Tracing) runCompleted(e trace.Event) {
	f, ok := h.pop(h.runs, e.RunID)
	if !ok {
		return
	}
	status := str(e.Data, "status")
	f.span.SetAttributes(
		attribute.String("sceneflow.status", status),
		attribute.String("sceneflow.reason", str(e.Data, "reason")),
		attribute.Int("sceneflow.steps", toInt(e.Data["steps"])),
	)
	if status == "succeeded" {
		f.span.SetStatus(codes.Ok, "")
	} else {
		f.span.SetStatus(codes.Error, status+": "+str(e.Data, "reason"))
	}
	f.span.End(oteltrace.WithTimestamp(e.Timestamp))

	h.mu.Lock()
	if len(h.runs[e.RunID]) == 0 {
		delete(h.runs, e.RunID)
		delete(h.steps, e.RunID)
	}
	h.mu.Unlock()
}

// addEvent attaches e to the innermost open span of its run.
func (h *Tracing) addEvent(e trace.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var target oteltrace.Span
	if steps := h.steps[e.RunID]; len(steps) > 0 {
		target = steps[len(steps)-1].span
	} else if runs := h.runs[e.RunID]; len(runs) > 0 {
		target = runs[len(runs)-1].span
	}
	if target == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(e.Data))
	for k, v := range e.Data {
		if s, ok := v.(string); ok {
			attrs = append(attrs, attribute.String(k, s))
		} else if n, ok := v.(int); ok {
			attrs = append(attrs, attribute.Int(k, n))
		}
	}
	target.AddEvent(string(e.Type), oteltrace.WithAttributes(attrs...), oteltrace.WithTimestamp(e.Timestamp))
}

func (h *Tracing) pop(m map[string][]frame, runID string) (frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stack := m[runID]
	if len(stack) == 0 {
		return frame{}, false
	}
	f := stack[len(stack)-1]
	m[runID] = stack[:len(stack)-1]
	return f, true
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func seconds(m map[string]any) float64 {
	d, err := time.ParseDuration(str(m, "duration"))
	if err != nil {
		return 0
	}
	return d.Seconds()
}
