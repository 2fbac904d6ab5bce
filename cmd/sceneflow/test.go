package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	ktesting "github.com/ormasoftchile/sceneflow/pkg/kernel/testing"
)

var (
	testFixture  string
	testJSON     bool
	testFailFast bool
	testTimeout  time.Duration
)

var testCmd = &cobra.Command{
	Use:   "test [scenario...]",
	Short: "Run replay fixture tests for scenarios",
	Long: `Replay recorded fixtures against each scenario and check test.yaml assertions.

Fixtures are discovered by convention at:
  {scenario-dir}/tests/{scenario-stem}/{fixture}/replay.yaml

Only fixtures with a test.yaml file are asserted; the others are reported
as skipped.

Exit codes:
  0  all asserted fixtures passed
  1  at least one fixture failed
  2  a scenario failed to load (no fixtures ran for it)`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTest,
}

func runTest(cmd *cobra.Command, args []string) error {
	runner := &ktesting.Runner{Timeout: testTimeout, FailFast: testFailFast}
	allPassed := true
	loadFailed := false

	for _, path := range args {
		var output *ktesting.TestOutput
		if testFixture != "" {
			result, err := runner.RunFixture(path, testFixture)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  ✗ %s: %v\n", path, err)
				loadFailed = true
				continue
			}
			output = &ktesting.TestOutput{Scenario: result.ScenarioName, Fixtures: []ktesting.TestResult{*result}}
			output.Summary = summarize(output.Fixtures)
		} else {
			var err error
			output, err = runner.RunAll(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  ✗ %s: %v\n", path, err)
				loadFailed = true
				continue
			}
		}

		if testJSON {
			printJSON(output)
		} else {
			printTestOutput(output)
		}
		if output.Summary.Failed > 0 || output.Summary.Errors > 0 {
			allPassed = false
			if testFailFast {
				break
			}
		}
	}

	if loadFailed {
		os.Exit(2)
	}
	if !allPassed {
		os.Exit(1)
	}
	return nil
}

func summarize(results []ktesting.TestResult) ktesting.TestSummary {
	var s ktesting.TestSummary
	for _, r := range results {
		s.Total++
		switch r.Status {
		case "passed":
			s.Passed++
		case "failed":
			s.Failed++
		case "skipped":
			s.Skipped++
		default:
			s.Errors++
		}
	}
	return s
}

func printTestOutput(output *ktesting.TestOutput) {
	fmt.Printf("%s\n", output.Scenario)
	if len(output.Fixtures) == 0 {
		fmt.Println("  (no fixtures)")
	}
	for _, f := range output.Fixtures {
		icon := "✓"
		switch f.Status {
		case "failed", "error":
			icon = "✗"
		case "skipped":
			icon = "○"
		}
		fmt.Printf("  %s %-24s %s (%dms)\n", icon, f.FixtureName, f.Status, f.DurationMs)
		if f.Error != "" {
			fmt.Printf("      %s\n", f.Error)
		}
		for _, a := range f.Assertions {
			if !a.Passed {
				fmt.Printf("      %s: %s\n", a.Type, a.Message)
			}
		}
	}
	s := output.Summary
	fmt.Printf("  %d total, %d passed, %d failed, %d skipped, %d errors\n\n",
		s.Total, s.Passed, s.Failed, s.Skipped, s.Errors)
}

func init() {
	testCmd.Flags().StringVar(&testFixture, "fixture", "", "Run only the named fixture")
	testCmd.Flags().BoolVar(&testJSON, "json", false, "Output results as structured JSON")
	testCmd.Flags().BoolVar(&testFailFast, "fail-fast", false, "Stop after the first failure")
	testCmd.Flags().DurationVar(&testTimeout, "timeout", 30*time.Second, "Per-fixture timeout")
	rootCmd.AddCommand(testCmd)
}
