// Package validate implements the 3-phase scenario validation pipeline:
// structural → semantic → domain.
package validate

import (
	"fmt"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

// ValidationError represents one error or warning from the validation pipeline.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s at %s", e.Phase, e.Message, e.Path)
	}
	return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
}

func errorf(phase, path, msg string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    phase,
		Path:     path,
		Message:  fmt.Sprintf(msg, args...),
		Severity: "error",
	}
}

func warningf(phase, path, msg string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    phase,
		Path:     path,
		Message:  fmt.Sprintf(msg, args...),
		Severity: "warning",
	}
}

// ValidateFile runs the full 3-phase pipeline on a scenario file. lib is used
// to resolve run_scenario references and may be nil.
func ValidateFile(path string, lib *schema.Library) (*schema.Scenario, []*ValidationError) {
	// Phase 1: Structural (strict decode + normalization)
	sc, err := schema.LoadFile(path)
	if err != nil {
		return nil, structural(err)
	}
	return sc, ValidateScenario(sc, lib)
}

// ValidateScenario runs phases 2+3 on an already-loaded scenario.
func ValidateScenario(sc *schema.Scenario, lib *schema.Library) []*ValidationError {
	var errs []*ValidationError
	errs = append(errs, validateSemantic(sc)...)

	// If we have semantic errors, don't proceed to domain
	if HasErrors(errs) {
		return errs
	}
	errs = append(errs, validateDomain(sc, lib)...)
	return errs
}

// structural converts a load error into per-step validation errors.
func structural(err error) []*ValidationError {
	probs := schema.Problems(err)
	if len(probs) == 0 {
		return []*ValidationError{errorf("structural", "", "failed to load: %s", err)}
	}
	out := make([]*ValidationError, 0, len(probs))
	for _, p := range probs {
		path := ""
		if p.Index >= 0 {
			path = stepPath(p.Index)
		}
		out = append(out, errorf("structural", path, "%s", p.Reason))
	}
	return out
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity entries.
func Errors(errs []*ValidationError) []*ValidationError {
	var out []*ValidationError
	for _, e := range errs {
		if e.Severity == "error" {
			out = append(out, e)
		}
	}
	return out
}

func stepPath(i int) string {
	return fmt.Sprintf("steps[%d]", i)
}
