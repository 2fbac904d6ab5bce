// Package testing implements the fixture test harness. A fixture replays a
// scenario against a scripted browser and evaluates assertions on the run
// status, the visited steps and the final variables.
package testing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// TestSpec declares what to assert about a fixture run.
// All assertion fields are optional; omitted fields produce no assertions.
type TestSpec struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Profile names the run's profile; Shared seeds the shared scope. List
	// values become shared lists.
	Profile string         `yaml:"profile,omitempty" json:"profile,omitempty"`
	Shared  map[string]any `yaml:"shared,omitempty" json:"shared,omitempty"`

	ExpectedStatus string            `yaml:"expected_status,omitempty" json:"expected_status,omitempty"` // succeeded, failed, stopped
	ExpectedReason string            `yaml:"expected_reason,omitempty" json:"expected_reason,omitempty"` // end_step, graph_exhausted, ...
	MustReach      []string          `yaml:"must_reach,omitempty" json:"must_reach,omitempty"`           // tags that must be visited
	MustNotReach   []string          `yaml:"must_not_reach,omitempty" json:"must_not_reach,omitempty"`   // tags that must NOT be visited
	ExpectedPath   []string          `yaml:"expected_path,omitempty" json:"expected_path,omitempty"`     // exact visit order
	ExpectedVars   map[string]string `yaml:"expected_vars,omitempty" json:"expected_vars,omitempty"`     // profile variable → expected value
	ExpectedShared map[string]string `yaml:"expected_shared,omitempty" json:"expected_shared,omitempty"` // shared variable → expected value
	Tags           []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// LoadTestSpec loads a test spec from a YAML file.
func LoadTestSpec(path string) (*TestSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read test spec: %w", err)
	}
	return ParseTestSpec(data)
}

// ParseTestSpec parses test spec YAML. Unknown fields are rejected.
func ParseTestSpec(data []byte) (*TestSpec, error) {
	var s TestSpec
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse test spec: %w", err)
	}
	return &s, nil
}

// ---------------------------------------------------------------------------
// Run Result (input to assertion evaluator)
// ---------------------------------------------------------------------------

// RunResult captures execution data for assertion evaluation.
type RunResult struct {
	Status       string
	Reason       string
	VisitedSteps []string          // ordered tags
	Outputs      map[string]string // final profile scope
	Shared       map[string]string // final shared scope
	Error        error
}

// ---------------------------------------------------------------------------
// Assertion Evaluation
// ---------------------------------------------------------------------------

// AssertionResult is the result of a single assertion.
type AssertionResult struct {
	Type     string `json:"type"` // expected_status, must_reach, expected_var, etc.
	Key      string `json:"key,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
}

// Evaluate runs all assertions from a TestSpec against a RunResult.
func Evaluate(spec *TestSpec, run *RunResult) []AssertionResult {
	var results []AssertionResult

	if spec.ExpectedStatus != "" {
		results = append(results, AssertionResult{
			Type:     "expected_status",
			Expected: spec.ExpectedStatus,
			Actual:   run.Status,
			Passed:   run.Status == spec.ExpectedStatus,
			Message:  fmt.Sprintf("status: expected %q, got %q", spec.ExpectedStatus, run.Status),
		})
	}

	if spec.ExpectedReason != "" {
		results = append(results, AssertionResult{
			Type:     "expected_reason",
			Expected: spec.ExpectedReason,
			Actual:   run.Reason,
			Passed:   run.Reason == spec.ExpectedReason,
			Message:  fmt.Sprintf("reason: expected %q, got %q", spec.ExpectedReason, run.Reason),
		})
	}

	visitedSet := make(map[string]bool, len(run.VisitedSteps))
	for _, s := range run.VisitedSteps {
		visitedSet[s] = true
	}

	for _, tag := range spec.MustReach {
		passed := visitedSet[tag]
		results = append(results, AssertionResult{
			Type:     "must_reach",
			Key:      tag,
			Expected: "visited",
			Actual:   boolToVisited(passed),
			Passed:   passed,
			Message:  fmt.Sprintf("must_reach %q: %s", tag, boolToVisited(passed)),
		})
	}

	for _, tag := range spec.MustNotReach {
		visited := visitedSet[tag]
		results = append(results, AssertionResult{
			Type:     "must_not_reach",
			Key:      tag,
			Expected: "not visited",
			Actual:   boolToVisited(visited),
			Passed:   !visited,
			Message:  fmt.Sprintf("must_not_reach %q: %s", tag, boolToVisited(visited)),
		})
	}

	if len(spec.ExpectedPath) > 0 {
		want := strings.Join(spec.ExpectedPath, " > ")
		got := strings.Join(run.VisitedSteps, " > ")
		results = append(results, AssertionResult{
			Type:     "expected_path",
			Expected: want,
			Actual:   got,
			Passed:   slices.Equal(spec.ExpectedPath, run.VisitedSteps),
			Message:  fmt.Sprintf("path: expected %s, got %s", want, got),
		})
	}

	results = append(results, compareVars("expected_var", spec.ExpectedVars, run.Outputs)...)
	results = append(results, compareVars("expected_shared", spec.ExpectedShared, run.Shared)...)
	return results
}

func compareVars(kind string, expected, actual map[string]string) []AssertionResult {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var results []AssertionResult
	for _, key := range keys {
		want := expected[key]
		got := actual[key]
		results = append(results, AssertionResult{
			Type:     kind,
			Key:      key,
			Expected: want,
			Actual:   got,
			Passed:   compareValue(want, got),
			Message:  fmt.Sprintf("%s %q: expected %q, got %q", strings.TrimPrefix(kind, "expected_"), key, want, got),
		})
	}
	return results
}

// HasFailures returns true if any assertion failed.
func HasFailures(results []AssertionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// compareValue supports two match modes:
//   - /pattern/ → regex match
//   - exact string equality (default)
func compareValue(expected, actual string) bool {
	if strings.HasPrefix(expected, "/") && strings.HasSuffix(expected, "/") && len(expected) > 2 {
		re, err := regexp.Compile(expected[1 : len(expected)-1])
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	}
	return expected == actual
}

func boolToVisited(b bool) string {
	if b {
		return "visited"
	}
	return "not visited"
}
