package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/coordinator"
	"github.com/ormasoftchile/sceneflow/pkg/ecosystem/recorder"
	"github.com/ormasoftchile/sceneflow/pkg/ecosystem/tui"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/engine"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/vars"
)

// resolveScenario returns the library name for arg. A path to a scenario
// file is validated and added to the library.
func (a *app) resolveScenario(arg string) (string, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		sc, _, err := loadValid(arg)
		if err != nil {
			return "", err
		}
		a.library.Add(sc)
		return sc.Name, nil
	}
	if !a.library.Has(arg) {
		return "", fmt.Errorf("%w: %s", schema.ErrScenarioNotFound, arg)
	}
	return arg, nil
}

func interruptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

// --- run ---

var (
	runProfile string
	runVars    []string
	runJSON    bool
	runRecord  string
)

var runCmd = &cobra.Command{
	Use:   "run [scenario]",
	Short: "Run a scenario once, for one profile or with ad-hoc variables",
	Long: `Run a scenario by library name or file path.

With --profile the profile's variables, proxy and account updates apply.
Without it the run uses only the --var values.

With --record the browser session is captured as a replay fixture under
<dir>/<profile>/replay.yaml. Password, token and secret values are redacted.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())
	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	name, err := a.resolveScenario(args[0])
	if err != nil {
		return err
	}
	extra, err := parseVars(runVars)
	if err != nil {
		return err
	}

	if runRecord != "" {
		values := extra
		if runProfile != "" {
			p, err := a.profiles.Get(ctx, runProfile)
			if err != nil {
				return err
			}
			values = p.Vars()
		}
		live := a.launcher
		a.launcher = recorder.Launcher(live, runRecord, trace.SecretValues(values))
		defer func() { a.launcher = live }()
	}

	var res *engine.RunResult
	var tracePath string
	if runProfile != "" {
		if len(extra) > 0 {
			a.log.Warn("--var is ignored with --profile")
		}
		r, err := a.coordinator().RunProfile(ctx, name, runProfile)
		if err != nil {
			return err
		}
		res, tracePath = r.Run, r.TracePath
	} else {
		res, tracePath, err = a.runAdHoc(ctx, name, extra)
		if err != nil {
			return err
		}
	}

	if runRecord != "" {
		a.log.Info("recorded replay fixture", "dir", filepath.Join(runRecord, recorder.FixtureName(res.Profile)))
	}
	if runJSON {
		return printJSON(runSummary(res, tracePath))
	}
	printRun(os.Stdout, res, tracePath)
	if res.Status == engine.StatusFailed {
		return fmt.Errorf("run %s: %s", res.Status, res.Reason)
	}
	return nil
}

// runAdHoc executes name without a stored profile.
func (a *app) runAdHoc(ctx context.Context, name string, values map[string]string) (*engine.RunResult, string, error) {
	sc, err := a.library.Get(name)
	if err != nil {
		return nil, "", err
	}
	shared := vars.NewShared(a.db)
	if err := shared.Load(ctx); err != nil {
		return nil, "", err
	}
	runID := uuid.NewString()
	tw, tracePath, err := a.openTrace(runID)
	if err != nil {
		return nil, "", err
	}
	defer tw.Close()
	tw.SetSecrets(trace.SecretValues(values))
	if a.tel != nil {
		a.tel.Attach(tw)
	}
	res := engine.Execute(ctx, sc, engine.Config{
		RunID:       runID,
		Profile:     "adhoc",
		Vars:        values,
		Shared:      shared,
		Launcher:    a.launcher,
		Launch:      browser.LaunchOptions{Profile: "adhoc", Headless: a.cfg.Headless},
		Library:     a.library,
		KV:          a.db,
		OutputsDir:  a.cfg.Path(a.cfg.OutputsDir),
		StepTimeout: a.cfg.StepTimeout.Std(),
		Trace:       tw,
		Logger:      a.log.With("run_id", runID),
	})
	return res, tracePath, nil
}

// openTrace opens <trace_dir>/<run-id>.jsonl, or a discarding writer when
// no trace directory is configured.
func (a *app) openTrace(runID string) (*trace.Writer, string, error) {
	dir := a.cfg.Path(a.cfg.TraceDir)
	if dir == "" {
		return trace.NewWriter(io.Discard, runID), "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, runID+".jsonl")
	tw, err := trace.NewFileWriter(path, runID)
	return tw, path, err
}

type runJSONOutput struct {
	RunID    string            `json:"run_id"`
	Scenario string            `json:"scenario"`
	Profile  string            `json:"profile"`
	Status   string            `json:"status"`
	Reason   string            `json:"reason"`
	LastTag  string            `json:"last_tag,omitempty"`
	Visited  []string          `json:"visited"`
	Vars     map[string]string `json:"vars,omitempty"`
	Duration string            `json:"duration"`
	Trace    string            `json:"trace,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func runSummary(res *engine.RunResult, tracePath string) runJSONOutput {
	out := runJSONOutput{
		RunID:    res.RunID,
		Scenario: res.Scenario,
		Profile:  res.Profile,
		Status:   string(res.Status),
		Reason:   string(res.Reason),
		LastTag:  res.LastTag,
		Visited:  res.Visited,
		Vars:     res.Vars,
		Duration: res.Duration.Round(time.Millisecond).String(),
		Trace:    tracePath,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func printRun(w io.Writer, res *engine.RunResult, tracePath string) {
	fmt.Fprintf(w, "Run ID: %s\n", res.RunID)
	for _, rec := range res.Steps {
		icon := statusIcon(string(rec.Outcome))
		line := fmt.Sprintf("  %s %-20s %-16s %s", icon, rec.Tag, rec.Action, rec.Duration.Round(time.Millisecond))
		if rec.Failure != nil {
			line += "  " + rec.Failure.Message
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%s %s (%s) in %s\n", statusIcon(string(res.Status)), res.Status, res.Reason, res.Duration.Round(time.Millisecond))
	if res.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", res.Err)
	}
	if tracePath != "" {
		fmt.Fprintf(w, "  trace: %s\n", tracePath)
	}
}

func statusIcon(status string) string {
	switch status {
	case "succeeded", "success":
		return "✓"
	case "failed", "failure":
		return "✗"
	case "stopped":
		return "■"
	default:
		return "!"
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- run-tag ---

var (
	tagMax         int
	tagConcurrency int
	tagJSON        bool
)

var runTagCmd = &cobra.Command{
	Use:   "run-tag [scenario] [tag]",
	Short: "Run a scenario for every profile whose stage matches tag",
	Long: `Run a scenario for every profile whose stage matches a tag.

Tags are matched case-insensitively and may use glob patterns such as
"warm*" or "{new,retry}". An empty tag ("") selects profiles without a stage.`,
	Args: cobra.ExactArgs(2),
	RunE: runRunTag,
}

func runRunTag(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())
	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	name, err := a.resolveScenario(args[0])
	if err != nil {
		return err
	}
	report, err := a.coordinator().RunForTag(ctx, coordinator.Request{
		Scenario: name, Tag: args[1], Max: tagMax, Concurrency: tagConcurrency,
	})
	if err != nil {
		return err
	}
	return printReport(report, tagJSON)
}

func printReport(report *coordinator.Report, asJSON bool) error {
	if asJSON {
		runs := make([]runJSONOutput, 0, len(report.Results))
		for _, r := range report.Results {
			runs = append(runs, runSummary(r.Run, r.TracePath))
		}
		ok, failed, stopped := report.Counts()
		return printJSON(map[string]any{
			"id":        report.ID,
			"scenario":  report.Scenario,
			"tag":       report.Tag,
			"duration":  report.Duration.Round(time.Millisecond).String(),
			"succeeded": ok,
			"failed":    failed,
			"stopped":   stopped,
			"runs":      runs,
		})
	}
	fmt.Println(tui.Summary(report))
	return nil
}

func init() {
	runCmd.Flags().StringVar(&runProfile, "profile", "", "Run as this stored profile")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Set a profile variable (key=value), repeatable")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output the result as JSON")
	runCmd.Flags().StringVar(&runRecord, "record", "", "Record the browser session as a replay fixture under this directory")

	runTagCmd.Flags().IntVar(&tagMax, "max", 0, "Run at most this many profiles (0 = all)")
	runTagCmd.Flags().IntVar(&tagConcurrency, "concurrency", 0, "Parallel runs (default from config)")
	runTagCmd.Flags().BoolVar(&tagJSON, "json", false, "Output the report as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runTagCmd)
}
