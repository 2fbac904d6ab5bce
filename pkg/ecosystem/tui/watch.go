package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/sceneflow/pkg/coordinator"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
)

// Feed carries trace events from coordinator runs into a Watch model.
type Feed struct {
	events chan runEvent
}

type runEvent struct {
	info  coordinator.RunInfo
	event trace.Event
}

// NewFeed returns a feed buffering up to size events.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 256
	}
	return &Feed{events: make(chan runEvent, size)}
}

// Observer is a coordinator.ObserverFactory that forwards every event of the
// run to the feed. Sends block when the buffer is full.
func (f *Feed) Observer(info coordinator.RunInfo) trace.Observer {
	return func(e trace.Event) {
		f.events <- runEvent{info: info, event: e}
	}
}

func (f *Feed) wait() tea.Cmd {
	return func() tea.Msg {
		return <-f.events
	}
}

// RunFunc performs the watched tag run.
type RunFunc func(ctx context.Context) (*coordinator.Report, error)

type reportMsg struct {
	report *coordinator.Report
	err    error
}

// row is the live state of one profile run.
type row struct {
	runID    string
	profile  string
	scenario string
	depth    int
	step     string
	steps    int
	failures int
	status   string // running, succeeded, failed, stopped
	reason   string
	started  time.Time
	duration time.Duration
}

type watchKeys struct {
	Up   key.Binding
	Down key.Binding
	Quit key.Binding
}

var wkeys = watchKeys{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// Watch is the Bubble Tea model for a live tag run: one row per profile,
// updated from trace events.
type Watch struct {
	scenario string
	tag      string
	feed     *Feed
	run      RunFunc
	ctx      context.Context
	cancel   context.CancelFunc

	rows     []*row
	byRun    map[string]*row
	selected int
	spinner  spinner.Model
	started  time.Time
	report   *coordinator.Report
	err      error
	done     bool
	width    int
}

// NewWatch creates the dashboard model. run is started by Init and must use
// feed.Observer as one of its coordinator observers.
func NewWatch(scenario, tag string, feed *Feed, run RunFunc) *Watch {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	ctx, cancel := context.WithCancel(context.Background())
	return &Watch{
		scenario: scenario,
		tag:      tag,
		feed:     feed,
		run:      run,
		ctx:      ctx,
		cancel:   cancel,
		byRun:    make(map[string]*row),
		spinner:  sp,
		started:  time.Now(),
	}
}

// Report returns the finished report, if any.
func (m *Watch) Report() (*coordinator.Report, error) {
	return m.report, m.err
}

// Init starts the spinner, the event listener and the run.
func (m *Watch) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.feed.wait(),
		func() tea.Msg {
			report, err := m.run(m.ctx)
			return reportMsg{report: report, err: err}
		},
	)
}

// Update implements tea.Model.
func (m *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, wkeys.Quit):
			m.cancel()
			if m.done {
				return m, tea.Quit
			}
		case key.Matches(msg, wkeys.Up):
			if m.selected > 0 {
				m.selected--
			}
		case key.Matches(msg, wkeys.Down):
			if m.selected < len(m.rows)-1 {
				m.selected++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case runEvent:
		m.apply(msg.info, msg.event)
		return m, m.feed.wait()

	case reportMsg:
		m.report = msg.report
		m.err = msg.err
		m.done = true
		m.drain()
		return m, tea.Quit
	}
	return m, nil
}

// drain applies events still buffered when the run returns.
func (m *Watch) drain() {
	for {
		select {
		case ev := <-m.feed.events:
			m.apply(ev.info, ev.event)
		default:
			return
		}
	}
}

// apply folds one trace event into the row of its run. Nested runs share the
// parent's run ID and only move the current step.
func (m *Watch) apply(info coordinator.RunInfo, e trace.Event) {
	r := m.byRun[e.RunID]
	if r == nil {
		r = &row{runID: e.RunID, profile: info.Profile, scenario: info.Scenario, status: "running", started: e.Timestamp}
		m.byRun[e.RunID] = r
		m.rows = append(m.rows, r)
		sort.SliceStable(m.rows, func(i, j int) bool { return m.rows[i].profile < m.rows[j].profile })
	}
	switch e.Type {
	case trace.EventRunStart:
		if d, ok := e.Data["depth"].(int); ok && d > 0 {
			r.depth = d
		}
	case trace.EventStepStart:
		r.step, _ = e.Data["tag"].(string)
	case trace.EventStepComplete:
		r.steps++
		if s, _ := e.Data["status"].(string); s != string(trace.StatusSuccess) {
			r.failures++
		}
	case trace.EventRunComplete:
		if r.depth > 0 {
			r.depth--
			return
		}
		r.status, _ = e.Data["status"].(string)
		r.reason, _ = e.Data["reason"].(string)
		if d, ok := e.Data["duration"].(string); ok {
			r.duration, _ = time.ParseDuration(d)
		}
	}
}

// View implements tea.Model.
func (m *Watch) View() string {

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("sceneflow: %s @ %s", m.scenario, m.tag)))
	b.WriteString("\n\n")

	width := runewidth.StringWidth("profile")
	for _, r := range m.rows {
		width = max(width, runewidth.StringWidth(r.profile))
	}

	if len(m.rows) == 0 && !m.done {
		b.WriteString("  " + m.spinner.View() + " selecting profiles\n")
	}
	for i, r := range m.rows {
		icon := m.icon(r.status)
		line := fmt.Sprintf("%s %s  %3d steps", icon, runewidth.FillRight(r.profile, width), r.steps)
		switch r.status {
		case "running":
			line += "  at " + r.step
		default:
			line += "  " + r.status
			if r.reason != "" {
				line += " (" + r.reason + ")"
			}
			if r.duration > 0 {
				line += "  " + r.duration.Round(time.Millisecond).String()
			}
		}
		if i == m.selected {
			b.WriteString(rowSelected.Render("▸ " + line))
		} else {
			b.WriteString("  " + rowNormal.Render(line))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	ok, failed, stopped, running := m.counts()
	stats := fmt.Sprintf("  %s  %s  %s",
		passedStyle.Render(fmt.Sprintf("%s%d", GlyphPassed, ok)),
		failedStyle.Render(fmt.Sprintf("%s%d", GlyphFailed, failed)),
		stoppedStyle.Render(fmt.Sprintf("%s%d", GlyphStopped, stopped)))
	if running > 0 {
		stats += dimStyle.Render(fmt.Sprintf("  %d running", running))
	}
	b.WriteString(stats + dimStyle.Render("  "+time.Since(m.started).Round(time.Second).String()))
	if m.err != nil {
		b.WriteString("\n  " + failedStyle.Render(m.err.Error()))
	}
	b.WriteString("\n\n  " + keyStyle.Render("↑↓") + dimStyle.Render(":browse") + "  " +
		keyStyle.Render("q") + dimStyle.Render(":cancel"))
	return b.String()
}

func (m *Watch) icon(status string) string {
	switch status {
	case "running":
		return m.spinner.View()
	case "succeeded":
		return passedStyle.Render(GlyphPassed)
	case "failed":
		return failedStyle.Render(GlyphFailed)
	case "stopped":
		return stoppedStyle.Render(GlyphStopped)
	}
	return GlyphPending
}

func (m *Watch) counts() (ok, failed, stopped, running int) {
	for _, r := range m.rows {
		switch r.status {
		case "succeeded":
			ok++
		case "failed":
			failed++
		case "stopped":
			stopped++
		default:
			running++
		}
	}
	return
}
