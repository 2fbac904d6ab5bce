package telemetry

import (
	"context"
	"io"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
)

func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	return exporter, sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	if m == nil {
		t.Fatal("metric not recorded")
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data = %T, want Sum[int64]", m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

// emitNestedRun writes the events of a run whose second step calls a nested
// scenario with one failing step.
func emitNestedRun(tw *trace.Writer) {
	tw.EmitRunStart("outer", "alice", 0)
	tw.EmitStepStart("open", "goto", nil)
	tw.EmitStepComplete("open", trace.StatusSuccess, 20*time.Millisecond, nil)
	tw.EmitStepStart("call", "run_scenario", nil)
	tw.EmitNested(true, "call", "inner", "")
	tw.EmitRunStart("inner", "alice", 1)
	tw.EmitStepStart("claim", "pop_shared", nil)
	tw.EmitSharedPop("cards", 2)
	tw.EmitStepComplete("claim", trace.StatusFailed, time.Millisecond, &trace.Failure{Kind: "action", Message: "pattern mismatch"})
	tw.EmitRunComplete("failed", "step_failed", 1, time.Millisecond)
	tw.EmitNested(false, "call", "inner", "failed")
	tw.EmitStepComplete("call", trace.StatusFailed, 5*time.Millisecond, &trace.Failure{Kind: "action", Message: "nested"})
	tw.EmitRunComplete("failed", "step_failed", 2, 30*time.Millisecond)
}

func TestTracing_NestedRunSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := NewTracing(tp.Tracer("test"))
	tw := trace.NewWriter(io.Discard, "run-1")
	tw.Observe(h.Observe)

	emitNestedRun(tw)

	spans := exporter.GetSpans()
	if len(spans) != 5 {
		t.Fatalf("spans = %d, want 5", len(spans))
	}
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	outer, inner := byName["run:outer"], byName["run:inner"]
	call, claim := byName["step:call"], byName["step:claim"]

	if inner.Parent.SpanID() != call.SpanContext.SpanID() {
		t.Error("nested run span is not a child of the calling step")
	}
	if claim.Parent.SpanID() != inner.SpanContext.SpanID() {
		t.Error("nested step span is not a child of the nested run")
	}
	if call.Parent.SpanID() != outer.SpanContext.SpanID() {
		t.Error("step span is not a child of its run")
	}
	if claim.Status.Code != codes.Error {
		t.Errorf("claim status = %v, want error", claim.Status.Code)
	}
	if byName["step:open"].Status.Code != codes.Ok {
		t.Errorf("open status = %v, want ok", byName["step:open"].Status.Code)
	}
	if len(claim.Events) != 1 || claim.Events[0].Name != "shared_pop" {
		t.Errorf("claim events = %v, want one shared_pop", claim.Events)
	}
	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("run span still open after run_complete")
	}
}

func TestTracing_StepWithoutRun(t *testing.T) {
	exporter, tp := newTestTracer()
	h := NewTracing(tp.Tracer("test"))
	tw := trace.NewWriter(io.Discard, "orphan")
	tw.Observe(h.Observe)

	tw.EmitStepStart("a", "log", nil)
	tw.EmitStepComplete("a", trace.StatusSuccess, 0, nil)
	tw.EmitRunComplete("succeeded", "end_step", 1, 0)

	if n := len(exporter.GetSpans()); n != 1 {
		t.Errorf("spans = %d, want 1", n)
	}
}

func TestMetrics_CountsStepsRunsAndPops(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	tw := trace.NewWriter(io.Discard, "run-1")
	tw.Observe(m.Observe)

	emitNestedRun(tw)

	rm := collectMetrics(t, reader)
	if got := sumOf(t, findMetric(rm, "sceneflow.step.executions")); got != 3 {
		t.Errorf("step executions = %d, want 3", got)
	}
	if got := sumOf(t, findMetric(rm, "sceneflow.step.failures")); got != 2 {
		t.Errorf("step failures = %d, want 2", got)
	}
	if got := sumOf(t, findMetric(rm, "sceneflow.runs")); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
	if got := sumOf(t, findMetric(rm, "sceneflow.shared.pops")); got != 1 {
		t.Errorf("shared pops = %d, want 1", got)
	}

	hist := findMetric(rm, "sceneflow.run.duration")
	if hist == nil {
		t.Fatal("run duration not recorded")
	}
	data, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("run duration data = %T", hist.Data)
	}
	var count uint64
	for _, dp := range data.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("run duration samples = %d, want 2", count)
	}
	if len(m.actions) != 0 || len(m.names) != 0 {
		t.Errorf("open stacks left behind: %v %v", m.actions, m.names)
	}
}

func TestProvider_Observer(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	p, err := Setup(context.Background(), Options{
		ServiceName: "sceneflow-test",
		Exporter:    exporter,
		Readers:     []sdkmetric.Reader{reader},
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	tw := trace.NewWriter(io.Discard, "run-1")
	p.Attach(tw)
	emitNestedRun(tw)

	if err := p.Traces.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(exporter.GetSpans()); n != 5 {
		t.Errorf("exported spans = %d, want 5", n)
	}
	rm := collectMetrics(t, reader)
	if findMetric(rm, "sceneflow.step.executions") == nil {
		t.Error("step executions not collected")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
