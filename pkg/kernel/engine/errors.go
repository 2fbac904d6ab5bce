package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/validate"
)

// ErrMalformedScenario is matched by every load or validation error that
// prevents a run from starting.
var ErrMalformedScenario = schema.ErrMalformed

// ErrRunFatal marks a condition no transition can recover from, such as a
// browser session that became unusable.
var ErrRunFatal = errors.New("run fatal")

// ErrRecursionDetected is wrapped by the step failure of a run_scenario step
// whose target is already on the call stack.
var ErrRecursionDetected = errors.New("recursion detected")

// ErrNoBrowser is returned when a browser step runs without a driver or
// launcher configured.
var ErrNoBrowser = errors.New("no browser configured")

// MalformedError reports the validation errors of a scenario that was
// rejected before any step executed.
type MalformedError struct {
	Scenario string
	Problems []*validate.ValidationError
}

func (e *MalformedError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("malformed scenario %s: %s", e.Scenario, strings.Join(msgs, "; "))
}

// Is lets errors.Is match ErrMalformedScenario.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformedScenario }

// FailureKind classifies a step failure.
type FailureKind string

const (
	KindAction    FailureKind = "action"
	KindTimeout   FailureKind = "timeout"
	KindRecursion FailureKind = "recursion"
	KindCompare   FailureKind = "compare"
	KindTemplate  FailureKind = "template"
)

// StepFailure is a handler-reported failure. It is always routed by the
// transition rule and never aborts the run by itself.
type StepFailure struct {
	Kind    FailureKind
	Tag     string
	Message string
	Err     error
}

func (f *StepFailure) Error() string {
	if f.Tag == "" {
		return fmt.Sprintf("%s failure: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("step %s: %s failure: %s", f.Tag, f.Kind, f.Message)
}

func (f *StepFailure) Unwrap() error { return f.Err }

func failf(kind FailureKind, format string, args ...any) *StepFailure {
	return &StepFailure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func failWrap(kind FailureKind, err error, format string, args ...any) *StepFailure {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg += ": " + err.Error()
	}
	return &StepFailure{Kind: kind, Message: msg, Err: err}
}

func fatalf(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrRunFatal, fmt.Sprintf(format, args...), err)
}
