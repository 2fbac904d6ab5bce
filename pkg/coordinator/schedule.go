package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseCron parses a five-field cron expression (or an @descriptor)
// evaluated in UTC. Timezone prefixes are rejected.
func ParseCron(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("cron expression is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, errors.New("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}
	s, err := cronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return s, nil
}

// Schedule triggers RunForTag on a cron expression.
type Schedule struct {
	Cron        string `yaml:"cron"`
	Scenario    string `yaml:"scenario"`
	Tag         string `yaml:"tag"`
	Max         int    `yaml:"max"`
	Concurrency int    `yaml:"concurrency"`
}

// Request converts s into a RunForTag request.
func (s Schedule) Request() Request {
	return Request{Scenario: s.Scenario, Tag: s.Tag, Max: s.Max, Concurrency: s.Concurrency}
}

// ReportFunc receives the outcome of every scheduled trigger.
type ReportFunc func(Schedule, *Report, error)

// Scheduler runs schedules against a Coordinator. A trigger that fires
// while the previous run of the same schedule is still going is skipped.
type Scheduler struct {
	c        *Coordinator
	cron     *cron.Cron
	onReport ReportFunc
	log      *slog.Logger

	mu  sync.Mutex
	ctx context.Context
}

// NewScheduler returns a stopped scheduler. onReport may be nil.
func NewScheduler(c *Coordinator, onReport ReportFunc) *Scheduler {
	return &Scheduler{
		c: c,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		onReport: onReport,
		log:      c.logger(),
		ctx:      context.Background(),
	}
}

// Add registers s and returns its next UTC fire time.
func (s *Scheduler) Add(sch Schedule) (time.Time, error) {
	spec, err := ParseCron(sch.Cron)
	if err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(sch.Scenario) == "" {
		return time.Time{}, errors.New("schedule requires a scenario")
	}
	s.cron.Schedule(spec, s.job(sch))
	return spec.Next(time.Now().UTC()), nil
}

// job is the cron callback for sch.
func (s *Scheduler) job(sch Schedule) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.log.Info("schedule fired", "cron", sch.Cron, "scenario", sch.Scenario, "tag", sch.Tag)
		report, err := s.c.RunForTag(ctx, sch.Request())
		if err != nil {
			s.log.Warn("scheduled run", "scenario", sch.Scenario, "tag", sch.Tag, "error", err)
		}
		if s.onReport != nil {
			s.onReport(sch, report, err)
		}
	})
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

// Entries lists the next fire time of every schedule, in registration order.
func (s *Scheduler) Entries() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, len(entries))
	for i, e := range entries {
		out[i] = e.Next
		if e.Next.IsZero() {
			out[i] = e.Schedule.Next(time.Now().UTC())
		}
	}
	return out
}
