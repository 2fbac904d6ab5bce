package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/sceneflow/pkg/coordinator"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/engine"
)

// Summary renders a finished tag run as a bordered table, one line per
// profile in report order.
func Summary(report *coordinator.Report) string {
	headers := []string{"profile", "status", "reason", "last step", "steps", "duration"}
	rows := make([][]string, 0, len(report.Results))
	for _, res := range report.Results {
		run := res.Run
		if run == nil {
			continue
		}
		rows = append(rows, []string{
			res.Profile,
			string(run.Status),
			string(run.Reason),
			run.LastTag,
			fmt.Sprint(len(run.Steps)),
			formatDuration(run.Duration),
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, r := range rows {
		for i, cell := range r {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}

	var b strings.Builder
	b.WriteString(labelStyle.Render(joinCells(headers, widths)))
	for _, r := range rows {
		b.WriteString("\n")
		line := joinCells(r, widths)
		switch engine.Status(r[1]) {
		case engine.StatusSucceeded:
			b.WriteString(rowNormal.Render(line))
		case engine.StatusStopped:
			b.WriteString(stoppedStyle.Render(line))
		default:
			b.WriteString(failedStyle.Render(line))
		}
	}

	ok, failed, stopped := report.Counts()
	footer := fmt.Sprintf("%s %s  %s  %s  in %s",
		dimStyle.Render(report.Scenario+" @ "+report.Tag+":"),
		passedStyle.Render(fmt.Sprintf("%s%d succeeded", GlyphPassed, ok)),
		failedStyle.Render(fmt.Sprintf("%s%d failed", GlyphFailed, failed)),
		stoppedStyle.Render(fmt.Sprintf("%s%d stopped", GlyphStopped, stopped)),
		formatDuration(report.Duration))

	return lipgloss.JoinVertical(lipgloss.Left, panelBorder.Render(b.String()), footer)
}

func joinCells(cells []string, widths []int) string {
	padded := make([]string, len(cells))
	for i, c := range cells {
		padded[i] = runewidth.FillRight(c, widths[i])
	}
	return strings.TrimRight(strings.Join(padded, "  "), " ")
}

// formatDuration returns a human-friendly duration string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m >= 60 {
		return fmt.Sprintf("%dh %dm %ds", m/60, m%60, s)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
