package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/engine"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/replay"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/vars"
	"github.com/ormasoftchile/sceneflow/pkg/store"
)

// TestResult is the result of running one fixture.
type TestResult struct {
	ScenarioName string            `json:"scenario_name"`
	FixtureName  string            `json:"fixture_name"`
	Status       string            `json:"status"` // passed, failed, skipped, error
	DurationMs   int64             `json:"duration_ms"`
	Assertions   []AssertionResult `json:"assertions,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// TestSummary aggregates counts across fixtures.
type TestSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// TestOutput is the top-level output of a test run.
type TestOutput struct {
	Scenario string       `json:"scenario"`
	Fixtures []TestResult `json:"fixtures"`
	Summary  TestSummary  `json:"summary"`
}

// Runner executes fixture tests against a scenario file.
type Runner struct {
	Timeout  time.Duration
	FailFast bool
	Logger   *slog.Logger
}

// FixtureInfo describes a discovered fixture directory.
type FixtureInfo struct {
	Name string
	Dir  string
}

// DiscoverFixtures finds fixture directories for a scenario file.
// Convention: fixtures live in a sibling `tests/<scenario-stem>/` directory,
// each subdirectory containing a `replay.yaml`.
func DiscoverFixtures(scenarioPath string) ([]FixtureInfo, error) {
	fixturesDir := fixturesRoot(scenarioPath)
	entries, err := os.ReadDir(fixturesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fixtures dir: %w", err)
	}

	var fixtures []FixtureInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(fixturesDir, entry.Name(), "replay.yaml")); err == nil {
			fixtures = append(fixtures, FixtureInfo{
				Name: entry.Name(),
				Dir:  filepath.Join(fixturesDir, entry.Name()),
			})
		}
	}
	sort.Slice(fixtures, func(i, j int) bool { return fixtures[i].Name < fixtures[j].Name })
	return fixtures, nil
}

func fixturesRoot(scenarioPath string) string {
	dir := filepath.Dir(scenarioPath)
	base := strings.TrimSuffix(filepath.Base(scenarioPath), filepath.Ext(scenarioPath))
	return filepath.Join(dir, "tests", base)
}

// RunAll discovers and runs all fixtures for a scenario file.
func (r *Runner) RunAll(scenarioPath string) (*TestOutput, error) {
	fixtures, err := DiscoverFixtures(scenarioPath)
	if err != nil {
		return nil, err
	}
	sc, lib, err := loadScenario(scenarioPath)
	if err != nil {
		return nil, err
	}

	output := &TestOutput{Scenario: sc.Name}
	for _, fi := range fixtures {
		result := r.runFixture(sc, lib, fi)
		output.Fixtures = append(output.Fixtures, result)

		switch result.Status {
		case "passed":
			output.Summary.Passed++
		case "failed":
			output.Summary.Failed++
		case "skipped":
			output.Summary.Skipped++
		case "error":
			output.Summary.Errors++
		}
		output.Summary.Total++

		if r.FailFast && (result.Status == "failed" || result.Status == "error") {
			break
		}
	}
	return output, nil
}

// RunFixture runs a single named fixture.
func (r *Runner) RunFixture(scenarioPath, fixtureName string) (*TestResult, error) {
	sc, lib, err := loadScenario(scenarioPath)
	if err != nil {
		return nil, err
	}
	fi := FixtureInfo{Name: fixtureName, Dir: filepath.Join(fixturesRoot(scenarioPath), fixtureName)}
	result := r.runFixture(sc, lib, fi)
	return &result, nil
}

// loadScenario loads and validates the scenario. Scenarios in the same
// directory are available to run_scenario steps.
func loadScenario(path string) (*schema.Scenario, *schema.Library, error) {
	sc, err := schema.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	lib, err := schema.OpenLibrary(filepath.Dir(path))
	if err != nil {
		return nil, nil, err
	}
	lib.Add(sc)
	if _, err := engine.New(sc, engine.Config{Library: lib}); err != nil {
		return nil, nil, fmt.Errorf("scenario validation failed: %w", err)
	}
	return sc, lib, nil
}

// runFixture executes a single fixture and evaluates its test spec.
func (r *Runner) runFixture(sc *schema.Scenario, lib *schema.Library, fi FixtureInfo) TestResult {
	start := time.Now()
	result := TestResult{ScenarioName: sc.Name, FixtureName: fi.Name}
	fail := func(format string, args ...any) TestResult {
		result.Status = "error"
		result.DurationMs = time.Since(start).Milliseconds()
		result.Error = fmt.Sprintf(format, args...)
		return result
	}

	script, err := replay.LoadScriptDir(fi.Dir)
	if err != nil {
		return fail("load replay script: %s", err)
	}

	// Load test spec (optional; without one the fixture is skipped)
	testSpecPath := filepath.Join(fi.Dir, "test.yaml")
	if _, err := os.Stat(testSpecPath); err != nil {
		result.Status = "skipped"
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}
	spec, err := LoadTestSpec(testSpecPath)
	if err != nil {
		return fail("load test spec: %s", err)
	}

	ctx := context.Background()
	shared := vars.NewShared(store.NewMemory())
	if err := seedShared(ctx, shared, spec.Shared); err != nil {
		return fail("seed shared: %s", err)
	}
	outputs, err := os.MkdirTemp("", "sceneflow-test-")
	if err != nil {
		return fail("outputs dir: %s", err)
	}
	defer os.RemoveAll(outputs)

	profileName := spec.Profile
	if profileName == "" {
		profileName = "test"
	}
	runID := "test-" + fi.Name
	var traceBuf bytes.Buffer
	tw := trace.NewWriter(&traceBuf, runID)
	defer tw.Close()

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	eng, err := engine.New(sc, engine.Config{
		RunID:      runID,
		Profile:    profileName,
		Vars:       script.Vars,
		Shared:     shared,
		Driver:     replay.NewDriver(script),
		Library:    lib,
		KV:         store.NewMemory(),
		OutputsDir: outputs,
		Trace:      tw,
		Logger:     r.logger(),
	})
	if err != nil {
		return fail("%s", err)
	}
	res := eng.Run(ctx)
	if res.Reason == engine.ReasonCancelled && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fail("timeout")
	}

	run := &RunResult{
		Status:       string(res.Status),
		Reason:       string(res.Reason),
		VisitedSteps: res.Visited,
		Outputs:      res.Vars,
		Shared:       shared.Snapshot(),
		Error:        res.Err,
	}
	result.Assertions = Evaluate(spec, run)
	result.Status = "passed"
	if HasFailures(result.Assertions) {
		result.Status = "failed"
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// seedShared writes the fixture's shared values. Lists become shared lists.
func seedShared(ctx context.Context, shared *vars.Shared, seed map[string]any) error {
	for key, v := range seed {
		switch val := v.(type) {
		case []any:
			items := make([]string, 0, len(val))
			for _, item := range val {
				items = append(items, fmt.Sprint(item))
			}
			if err := shared.SetList(ctx, key, items); err != nil {
				return err
			}
		case nil:
			if err := shared.Set(ctx, key, ""); err != nil {
				return err
			}
		default:
			if err := shared.Set(ctx, key, fmt.Sprint(val)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
