// Package tui renders live and after-the-fact views of scenario runs in the
// terminal: a Bubble Tea dashboard for tag runs, a summary table and a
// markdown description of a scenario.
package tui

import "github.com/charmbracelet/lipgloss"

// Run status glyphs.
const (
	GlyphPending = "○"
	GlyphPassed  = "✓"
	GlyphFailed  = "✗"
	GlyphStopped = "■"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorBlue   = lipgloss.Color("39")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorWhite  = lipgloss.Color("255")
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorCyan).
	Padding(0, 1)

var (
	rowNormal = lipgloss.NewStyle().
			Foreground(colorWhite)

	rowSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow)

	passedStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	failedStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	stoppedStyle = lipgloss.NewStyle().
			Faint(true)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBlue)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)
)

var panelBorder = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorDim).
	Padding(0, 1)

var spinnerStyle = lipgloss.NewStyle().
	Foreground(colorYellow)

var keyStyle = lipgloss.NewStyle().
	Foreground(colorCyan).
	Bold(true)
