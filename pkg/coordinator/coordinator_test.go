package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/engine"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/replay"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
	"github.com/ormasoftchile/sceneflow/pkg/profile"
	"github.com/ormasoftchile/sceneflow/pkg/store"
)

const signup = `
name: signup
steps:
  - action: pop_shared
    value: emails
    pattern: "{{email}}"
  - action: goto
    url: "https://example.com/signup?u={{name}}"
  - action: click
    selector: "#{{name}}"
  - action: set_tag
    stage: signup-done
`

type gauge struct {
	mu        sync.Mutex
	cur, peak int
	launched  int
}

func (g *gauge) add(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur += n
	if n > 0 {
		g.launched++
	}
	if g.cur > g.peak {
		g.peak = g.cur
	}
}

type countingDriver struct {
	*replay.Driver
	g *gauge
}

func (d countingDriver) Close() error {
	d.g.add(-1)
	return d.Driver.Close()
}

func countingLauncher(s *replay.Script, g *gauge) browser.Launcher {
	return browser.LauncherFunc(func(context.Context, browser.LaunchOptions) (browser.Driver, error) {
		g.add(1)
		return countingDriver{Driver: replay.NewDriver(s), g: g}, nil
	})
}

func setup(t *testing.T, script *replay.Script, profiles ...profile.Profile) (*Coordinator, *profile.Memory, *gauge) {
	t.Helper()
	sc, err := schema.LoadBytes([]byte(signup))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	kv := store.NewMemory()
	kv.Set(ctx, store.KeySharedVariables, `{"emails": {"type": "list", "value": ["a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io", "f@x.io"]}}`)
	repo := profile.NewMemory(profiles...)
	g := &gauge{}
	return &Coordinator{
		Library:  schema.NewLibrary(sc),
		Profiles: repo,
		KV:       kv,
		Launcher: countingLauncher(script, g),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, repo, g
}

func newProfiles(stage string, names ...string) []profile.Profile {
	var out []profile.Profile
	for _, n := range names {
		out = append(out, profile.Profile{Name: n, Stage: stage})
	}
	return out
}

func TestRunForTag_IsolatesFailuresAndUpdatesStages(t *testing.T) {
	ctx := context.Background()
	ps := newProfiles("new", "p1", "p2", "p3")
	ps = append(ps, profile.Profile{Name: "other", Stage: "warm"})
	c, repo, g := setup(t, &replay.Script{Unusable: []string{"click:#p2"}}, ps...)

	report, err := c.RunForTag(ctx, Request{Scenario: "signup", Tag: "new"})
	if err != nil {
		t.Fatalf("RunForTag: %v", err)
	}
	if len(report.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(report.Results))
	}
	ok, failed, stopped := report.Counts()
	if ok != 2 || failed != 1 || stopped != 0 {
		t.Errorf("counts = %d/%d/%d, want 2/1/0", ok, failed, stopped)
	}
	for _, r := range report.Results {
		p, _ := repo.Get(ctx, r.Profile)
		switch r.Profile {
		case "p2":
			if r.Run.Reason != engine.ReasonFatal || !errors.Is(r.Run.Err, browser.ErrUnusable) {
				t.Errorf("p2: reason = %q err = %v", r.Run.Reason, r.Run.Err)
			}
			if p.Stage != "new" {
				t.Errorf("p2 stage = %q, want unchanged", p.Stage)
			}
		default:
			if !r.Run.Succeeded() {
				t.Errorf("%s: status = %q err = %v", r.Profile, r.Run.Status, r.Run.Err)
			}
			if p.Stage != "signup-done" {
				t.Errorf("%s stage = %q", r.Profile, p.Stage)
			}
		}
	}
	if other, _ := repo.Get(ctx, "other"); other.Stage != "warm" {
		t.Errorf("unselected profile touched: %q", other.Stage)
	}
	if g.cur != 0 || g.launched != 3 {
		t.Errorf("open drivers = %d, launched = %d", g.cur, g.launched)
	}
}

func TestRunForTag_SharedPoolNoDuplicates(t *testing.T) {
	ctx := context.Background()
	c, _, _ := setup(t, nil, newProfiles("new", "p1", "p2", "p3", "p4", "p5", "p6")...)
	report, err := c.RunForTag(ctx, Request{Scenario: "signup", Tag: "new", Concurrency: 6})
	if err != nil {
		t.Fatal(err)
	}
	var emails []string
	for _, r := range report.Results {
		emails = append(emails, r.Run.Vars["email"])
	}
	sort.Strings(emails)
	want := []string{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io", "f@x.io"}
	for i := range want {
		if emails[i] != want[i] {
			t.Fatalf("emails = %v, want %v", emails, want)
		}
	}
	if v, _ := c.Shared.Get("emails"); v != "" {
		t.Errorf("pool not drained: %q", v)
	}
}

func TestRunForTag_BoundedConcurrency(t *testing.T) {
	script := &replay.Script{Delays: map[string]string{"goto": "30ms"}}
	c, _, g := setup(t, script, newProfiles("new", "p1", "p2", "p3", "p4", "p5", "p6")...)
	if _, err := c.RunForTag(context.Background(), Request{Scenario: "signup", Tag: "new", Concurrency: 2}); err != nil {
		t.Fatal(err)
	}
	if g.peak > 2 {
		t.Errorf("peak concurrent drivers = %d, want <= 2", g.peak)
	}
	if g.launched != 6 {
		t.Errorf("launched = %d", g.launched)
	}
}

func TestRunForTag_MaxAndGlob(t *testing.T) {
	ps := append(newProfiles("signup-a", "p1", "p2"), newProfiles("signup-b", "p3", "p4")...)
	c, _, _ := setup(t, nil, ps...)
	report, err := c.RunForTag(context.Background(), Request{Scenario: "signup", Tag: "signup-*", Max: 3})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, r := range report.Results {
		names = append(names, r.Profile)
	}
	if len(names) != 3 || names[0] != "p1" || names[2] != "p3" {
		t.Errorf("profiles = %v", names)
	}
}

func TestRunForTag_SetupErrors(t *testing.T) {
	c, _, g := setup(t, nil, newProfiles("new", "p1")...)
	ctx := context.Background()

	if _, err := c.RunForTag(ctx, Request{Scenario: "signup", Tag: "nobody"}); !errors.Is(err, ErrNoProfiles) {
		t.Errorf("err = %v, want ErrNoProfiles", err)
	}
	if _, err := c.RunForTag(ctx, Request{Scenario: "missing", Tag: "new"}); !errors.Is(err, schema.ErrScenarioNotFound) {
		t.Errorf("err = %v, want ErrScenarioNotFound", err)
	}

	bad, _ := schema.LoadBytes([]byte("name: bad\nsteps:\n  - action: goto\n"))
	c.Library.Add(bad)
	if _, err := c.RunForTag(ctx, Request{Scenario: "bad", Tag: "new"}); !errors.Is(err, engine.ErrMalformedScenario) {
		t.Errorf("err = %v, want ErrMalformedScenario", err)
	}
	if g.launched != 0 {
		t.Errorf("browsers launched for rejected requests: %d", g.launched)
	}
}

func TestRunForTag_TracesAndObservers(t *testing.T) {
	c, _, _ := setup(t, nil, newProfiles("new", "p1", "p2")...)
	c.TraceDir = t.TempDir()
	var mu sync.Mutex
	seen := map[string][]trace.EventType{}
	c.Observers = []ObserverFactory{func(info RunInfo) trace.Observer {
		return func(ev trace.Event) {
			mu.Lock()
			defer mu.Unlock()
			seen[info.Profile] = append(seen[info.Profile], ev.Type)
		}
	}}

	report, err := c.RunForTag(context.Background(), Request{Scenario: "signup", Tag: "new"})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range report.Results {
		if r.TracePath == "" {
			t.Errorf("%s: no trace path", r.Profile)
			continue
		}
		res, err := trace.VerifyFile(r.TracePath)
		if err != nil {
			t.Errorf("%s: verify: %v", r.Profile, err)
		} else if !res.Valid {
			t.Errorf("%s: trace chain invalid", r.Profile)
		}
		if _, err := os.Stat(r.TracePath); err != nil {
			t.Error(err)
		}
		events := seen[r.Profile]
		if len(events) == 0 || events[0] != trace.EventRunStart || events[len(events)-1] != trace.EventRunComplete {
			t.Errorf("%s: events = %v", r.Profile, events)
		}
	}
}

func TestRunProfile_TraceRedactsCredentials(t *testing.T) {
	ctx := context.Background()
	c, _, _ := setup(t, nil, profile.Profile{
		Name: "solo", ProxyPassword: "proxy-pw",
		Fields: map[string]string{"password": "acct-pass-1"},
	})
	c.TraceDir = t.TempDir()
	sc, err := schema.LoadBytes([]byte(`
name: creds
steps:
  - action: set_var
    name: note
    value: "login with {{password}}"
  - action: pop_shared
    value: tokens
    pattern: "{{api_token}}"
  - action: log
    message: "token {{api_token}}"
  - action: end
`))
	if err != nil {
		t.Fatal(err)
	}
	c.Library.Add(sc)
	c.KV.Set(ctx, store.KeySharedVariables, `{"tokens": {"type": "list", "value": ["tok-abcdef123"]}}`)

	res, err := c.RunProfile(ctx, "creds", "solo")
	if err != nil {
		t.Fatal(err)
	}
	if res.Run.Status != engine.StatusSucceeded {
		t.Fatalf("status = %s (%v)", res.Run.Status, res.Run.Err)
	}
	data, err := os.ReadFile(res.TracePath)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"acct-pass-1", "proxy-pw", "tok-abcdef123"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("trace contains %q", secret)
		}
	}
	if !strings.Contains(string(data), "<REDACTED>") {
		t.Error("expected redaction marker in trace")
	}
}

func TestRunProfile(t *testing.T) {
	c, repo, _ := setup(t, nil, profile.Profile{Name: "solo", Stage: "x", ProxyHost: "h", ProxyPort: 1080})
	res, err := c.RunProfile(context.Background(), "signup", "SOLO")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Run.Succeeded() {
		t.Fatalf("status = %q err = %v", res.Run.Status, res.Run.Err)
	}
	if res.Run.Vars["proxy_host"] != "h" {
		t.Errorf("profile scope not seeded: %v", res.Run.Vars)
	}
	if p, _ := repo.Get(context.Background(), "solo"); p.Fields["email"] != "a@x.io" {
		t.Errorf("account fields = %v", p.Fields)
	}
	if _, err := c.RunProfile(context.Background(), "signup", "ghost"); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestParseCron(t *testing.T) {
	if _, err := ParseCron("*/5 * * * *"); err != nil {
		t.Errorf("valid expression: %v", err)
	}
	if _, err := ParseCron("@hourly"); err != nil {
		t.Errorf("descriptor: %v", err)
	}
	for _, bad := range []string{"", "CRON_TZ=Europe/Paris 0 * * * *", "TZ=UTC 0 * * * *", "61 * * * *", "* * * *"} {
		if _, err := ParseCron(bad); err == nil {
			t.Errorf("ParseCron(%q) expected error", bad)
		}
	}
	s, _ := ParseCron("30 6 * * *")
	next := s.Next(time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC))
	if want := time.Date(2025, 1, 2, 6, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestScheduler_JobRunsForTag(t *testing.T) {
	c, repo, _ := setup(t, nil, newProfiles("new", "p1")...)
	var got *Report
	var gotErr error
	s := NewScheduler(c, func(_ Schedule, r *Report, err error) { got, gotErr = r, err })

	sch := Schedule{Cron: "0 * * * *", Scenario: "signup", Tag: "new"}
	next, err := s.Add(sch)
	if err != nil {
		t.Fatal(err)
	}
	if next.Location() != time.UTC || next.Minute() != 0 {
		t.Errorf("next = %v", next)
	}
	if _, err := s.Add(Schedule{Cron: "0 * * * *"}); err == nil {
		t.Error("expected error for schedule without scenario")
	}
	if len(s.Entries()) != 1 {
		t.Errorf("entries = %d", len(s.Entries()))
	}

	s.job(sch).Run()
	if gotErr != nil || got == nil || len(got.Results) != 1 {
		t.Fatalf("report = %+v err = %v", got, gotErr)
	}
	if p, _ := repo.Get(context.Background(), "p1"); p.Stage != "signup-done" {
		t.Errorf("stage = %q", p.Stage)
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	c, _, _ := setup(t, nil)
	s := NewScheduler(c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
