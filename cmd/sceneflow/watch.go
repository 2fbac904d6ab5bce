package main

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/sceneflow/pkg/coordinator"
	"github.com/ormasoftchile/sceneflow/pkg/ecosystem/tui"
)

var (
	watchMax         int
	watchConcurrency int
)

var watchCmd = &cobra.Command{
	Use:   "watch [scenario] [tag]",
	Short: "Run a tag with a live terminal dashboard",
	Args:  cobra.ExactArgs(2),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	name, err := a.resolveScenario(args[0])
	if err != nil {
		return err
	}
	feed := tui.NewFeed(0)
	c := a.coordinator(feed.Observer)
	req := coordinator.Request{Scenario: name, Tag: args[1], Max: watchMax, Concurrency: watchConcurrency}

	m := tui.NewWatch(name, args[1], feed, func(ctx context.Context) (*coordinator.Report, error) {
		return c.RunForTag(ctx, req)
	})
	if _, err := tea.NewProgram(m, tea.WithContext(cmd.Context())).Run(); err != nil {
		return err
	}
	report, err := m.Report()
	if err != nil {
		return err
	}
	if report != nil {
		return printReport(report, false)
	}
	return nil
}

func init() {
	watchCmd.Flags().IntVar(&watchMax, "max", 0, "Run at most this many profiles (0 = all)")
	watchCmd.Flags().IntVar(&watchConcurrency, "concurrency", 0, "Parallel runs (default from config)")
	rootCmd.AddCommand(watchCmd)
}
