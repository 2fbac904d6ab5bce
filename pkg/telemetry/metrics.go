package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
)

// Metrics translates trace events into counters and histograms for steps,
// runs and shared-list claims.
type Metrics struct {
	stepExecutions metric.Int64Counter
	stepFailures   metric.Int64Counter
	stepDuration   metric.Float64Histogram
	runs           metric.Int64Counter
	runDuration    metric.Float64Histogram
	sharedPops     metric.Int64Counter

	mu      sync.Mutex
	actions map[string][]string // runID -> open step actions
	names   map[string][]string // runID -> open run scenarios
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	stepExec, err := meter.Int64Counter("sceneflow.step.executions",
		metric.WithDescription("Number of step executions"),
	)
	if err != nil {
		return nil, err
	}
	stepFail, err := meter.Int64Counter("sceneflow.step.failures",
		metric.WithDescription("Number of failed steps"),
	)
	if err != nil {
		return nil, err
	}
	stepDur, err := meter.Float64Histogram("sceneflow.step.duration",
		metric.WithDescription("Duration of step execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	runs, err := meter.Int64Counter("sceneflow.runs",
		metric.WithDescription("Number of finished runs by status"),
	)
	if err != nil {
		return nil, err
	}
	runDur, err := meter.Float64Histogram("sceneflow.run.duration",
		metric.WithDescription("Duration of a scenario run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	pops, err := meter.Int64Counter("sceneflow.shared.pops",
		metric.WithDescription("Number of items claimed from shared lists"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		stepExecutions: stepExec,
		stepFailures:   stepFail,
		stepDuration:   stepDur,
		runs:           runs,
		runDuration:    runDur,
		sharedPops:     pops,
		actions:        make(map[string][]string),
		names:          make(map[string][]string),
	}, nil
}

// Observe implements trace.Observer.
func (m *Metrics) Observe(e trace.Event) {
	ctx := context.Background()
	switch e.Type {
	case trace.EventRunStart:
		m.push(m.names, e.RunID, str(e.Data, "scenario"))
	case trace.EventStepStart:
		m.push(m.actions, e.RunID, str(e.Data, "action"))
	case trace.EventStepComplete:
		action := m.pop(m.actions, e.RunID)
		status := str(e.Data, "status")
		attrs := metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		)
		m.stepExecutions.Add(ctx, 1, attrs)
		m.stepDuration.Record(ctx, seconds(e.Data), metric.WithAttributes(attribute.String("action", action)))
		if failure, ok := e.Data["failure"].(map[string]any); ok {
			m.stepFailures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("action", action),
				attribute.String("kind", str(failure, "kind")),
			))
		}
	case trace.EventSharedPop:
		m.sharedPops.Add(ctx, 1, metric.WithAttributes(attribute.String("key", str(e.Data, "key"))))
	case trace.EventRunComplete:
		scenario := m.pop(m.names, e.RunID)
		attrs := metric.WithAttributes(
			attribute.String("scenario", scenario),
			attribute.String("status", str(e.Data, "status")),
		)
		m.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scenario", scenario),
			attribute.String("status", str(e.Data, "status")),
			attribute.String("reason", str(e.Data, "reason")),
		))
		m.runDuration.Record(ctx, seconds(e.Data), attrs)
	}
}

func (m *Metrics) push(stacks map[string][]string, runID, v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stacks[runID] = append(stacks[runID], v)
}

func (m *Metrics) pop(stacks map[string][]string, runID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	stack := stacks[runID]
	if len(stack) == 0 {
		return ""
	}
	v := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(stacks, runID)
	} else {
		stacks[runID] = stack[:len(stack)-1]
	}
	return v
}
