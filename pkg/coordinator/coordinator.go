// Package coordinator fans a scenario out over the profiles selected by a
// stage tag, one isolated engine run per profile, with bounded concurrency.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/engine"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/vars"
	"github.com/ormasoftchile/sceneflow/pkg/profile"
	"github.com/ormasoftchile/sceneflow/pkg/store"
)

// DefaultConcurrency bounds parallel runs when neither the request nor the
// coordinator sets a limit.
const DefaultConcurrency = 4

// ErrNoProfiles is returned when the tag selects nothing.
var ErrNoProfiles = errors.New("no profiles match")

// RunInfo identifies one profile run for observers.
type RunInfo struct {
	RunID    string
	ReportID string
	Scenario string
	Profile  string
}

// ObserverFactory returns a trace observer for one run, or nil.
type ObserverFactory func(RunInfo) trace.Observer

// Coordinator owns the collaborators shared by every run.
type Coordinator struct {
	Library  *schema.Library
	Profiles profile.Repository
	KV       store.KV
	Launcher browser.Launcher
	Headless bool

	// Shared is the process-wide variable scope. When nil it is created
	// from KV on first use.
	Shared *vars.Shared

	OutputsDir  string
	StepTimeout time.Duration
	// TraceDir receives one <run-id>.jsonl file per run when set.
	TraceDir    string
	Concurrency int
	Observers   []ObserverFactory
	Logger      *slog.Logger

	once      sync.Once
	sharedErr error
}

// Request asks for one scenario to run for every profile whose stage matches
// Tag, at most Max profiles (0 means all).
type Request struct {
	Scenario    string
	Tag         string
	Max         int
	Concurrency int
}

// Result is the outcome of one profile run.
type Result struct {
	Profile   string
	Run       *engine.RunResult
	TracePath string
}

// Report collects the results of a RunForTag call in profile order.
type Report struct {
	ID       string
	Scenario string
	Tag      string
	Started  time.Time
	Duration time.Duration
	Results  []Result
}

// Counts tallies the terminal statuses.
func (r *Report) Counts() (succeeded, failed, stopped int) {
	for _, res := range r.Results {
		switch res.Run.Status {
		case engine.StatusSucceeded:
			succeeded++
		case engine.StatusStopped:
			stopped++
		default:
			failed++
		}
	}
	return succeeded, failed, stopped
}

// RunForTag selects profiles by stage and runs req.Scenario for each. Runs
// are independent: a failed or fatal run is reported in its Result and does
// not affect the others. The returned error covers only setup problems.
func (c *Coordinator) RunForTag(ctx context.Context, req Request) (*Report, error) {
	if c.Library == nil || c.Profiles == nil {
		return nil, errors.New("coordinator requires a scenario library and a profile repository")
	}
	sc, err := c.Library.Get(req.Scenario)
	if err != nil {
		return nil, err
	}
	if _, err := engine.New(sc, engine.Config{Library: c.Library}); err != nil {
		return nil, err
	}
	if err := c.initShared(ctx); err != nil {
		return nil, err
	}

	all, err := c.Profiles.List(ctx)
	if err != nil {
		return nil, err
	}
	selected, err := profile.Select(all, req.Tag, req.Max)
	if err != nil {
		return nil, err
	}
	report := &Report{ID: uuid.NewString(), Scenario: sc.Name, Tag: req.Tag, Started: time.Now()}
	if len(selected) == 0 {
		return report, fmt.Errorf("%w tag %q", ErrNoProfiles, req.Tag)
	}

	limit := req.Concurrency
	if limit <= 0 {
		limit = c.Concurrency
	}
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	c.logger().Info("run for tag",
		"report_id", report.ID, "scenario", sc.Name, "tag", req.Tag,
		"profiles", len(selected), "concurrency", limit)

	report.Results = make([]Result, len(selected))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, p := range selected {
		g.Go(func() error {
			report.Results[i] = c.run(ctx, report.ID, req.Scenario, p)
			return nil
		})
	}
	g.Wait()
	report.Duration = time.Since(report.Started)

	ok, failed, stopped := report.Counts()
	c.logger().Info("run for tag finished",
		"report_id", report.ID, "succeeded", ok, "failed", failed, "stopped", stopped,
		"duration", report.Duration)
	return report, nil
}

// RunProfile runs scenario for a single named profile.
func (c *Coordinator) RunProfile(ctx context.Context, scenario, name string) (Result, error) {
	if c.Library == nil || c.Profiles == nil {
		return Result{}, errors.New("coordinator requires a scenario library and a profile repository")
	}
	if err := c.initShared(ctx); err != nil {
		return Result{}, err
	}
	p, err := c.Profiles.Get(ctx, name)
	if err != nil {
		return Result{}, err
	}
	return c.run(ctx, "", scenario, p), nil
}

// run executes one isolated engine for p. The scenario is re-read from the
// library so edits between runs are picked up.
func (c *Coordinator) run(ctx context.Context, reportID, scenario string, p profile.Profile) Result {
	info := RunInfo{RunID: uuid.NewString(), ReportID: reportID, Scenario: scenario, Profile: p.Name}
	log := c.logger().With("run_id", info.RunID, "profile", p.Name)
	res := Result{Profile: p.Name}

	sc, err := c.Library.Get(scenario)
	if err != nil {
		res.Run = &engine.RunResult{
			RunID: info.RunID, Scenario: scenario, Profile: p.Name,
			Status: engine.StatusFailed, Reason: engine.ReasonMalformed, Err: err,
		}
		log.Error("load scenario", "error", err)
		return res
	}
	info.Scenario = sc.Name

	tw, path := c.openTrace(info, log)
	defer tw.Close()
	res.TracePath = path
	tw.SetSecrets(trace.SecretValues(p.Vars()))
	for _, f := range c.Observers {
		tw.Observe(f(info))
	}

	res.Run = engine.Execute(ctx, sc, engine.Config{
		RunID:    info.RunID,
		Profile:  p.Name,
		Vars:     p.Vars(),
		Shared:   c.Shared,
		Launcher: c.Launcher,
		Launch: browser.LaunchOptions{
			Profile:  p.Name,
			Headless: c.Headless,
			Proxy:    p.Proxy(),
		},
		Library:     c.Library,
		Accounts:    c.Profiles,
		KV:          c.KV,
		OutputsDir:  c.OutputsDir,
		StepTimeout: c.StepTimeout,
		Trace:       tw,
		Logger:      c.logger().With("run_id", info.RunID),
	})
	return res
}

// openTrace returns the run's trace writer. Without a TraceDir events only
// reach the observers.
func (c *Coordinator) openTrace(info RunInfo, log *slog.Logger) (*trace.Writer, string) {
	if c.TraceDir != "" {
		path := filepath.Join(c.TraceDir, info.RunID+".jsonl")
		err := os.MkdirAll(c.TraceDir, 0o755)
		if err == nil {
			var tw *trace.Writer
			if tw, err = trace.NewFileWriter(path, info.RunID); err == nil {
				return tw, path
			}
		}
		log.Warn("open trace file", "error", err)
	}
	return trace.NewWriter(io.Discard, info.RunID), ""
}

func (c *Coordinator) initShared(ctx context.Context) error {
	c.once.Do(func() {
		if c.Shared != nil {
			return
		}
		c.Shared = vars.NewShared(c.KV)
		c.sharedErr = c.Shared.Load(ctx)
	})
	return c.sharedErr
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
