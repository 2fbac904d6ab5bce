package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/sceneflow/pkg/coordinator"
)

var (
	scheduleCron     string
	scheduleScenario string
	scheduleTag      string
	scheduleMax      int
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run tag schedules from the config until interrupted",
	Long: `Run the schedules listed in the config file, plus one given with --cron,
until interrupted. Expressions have five fields (minute hour day month
weekday) or use descriptors such as @every 10m, and are evaluated in UTC.

A trigger that fires while the previous run of the same schedule is still
going is skipped.`,
	RunE: runSchedule,
}

func runSchedule(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())
	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	schedules := append([]coordinator.Schedule(nil), a.cfg.Schedules...)
	if scheduleCron != "" {
		schedules = append(schedules, coordinator.Schedule{
			Cron: scheduleCron, Scenario: scheduleScenario, Tag: scheduleTag, Max: scheduleMax,
		})
	}
	if len(schedules) == 0 {
		return errors.New("no schedules: add schedules to the config or pass --cron")
	}

	s := coordinator.NewScheduler(a.coordinator(), func(sch coordinator.Schedule, report *coordinator.Report, err error) {
		if err != nil && report == nil {
			return
		}
		ok, failed, stopped := report.Counts()
		fmt.Printf("%s  %s @ %s: %d succeeded, %d failed, %d stopped (%s)\n",
			time.Now().Format("15:04:05"), sch.Scenario, sch.Tag, ok, failed, stopped,
			report.Duration.Round(time.Second))
	})
	for _, sch := range schedules {
		if _, err := a.resolveScenario(sch.Scenario); err != nil {
			return err
		}
		next, err := s.Add(sch)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sch.Cron, err)
		}
		fmt.Printf("  %-20s %s @ %q  next %s\n", sch.Cron, sch.Scenario, sch.Tag, next.Format(time.RFC3339))
	}
	s.Run(ctx)
	return nil
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "Cron expression for an extra schedule")
	scheduleCmd.Flags().StringVar(&scheduleScenario, "scenario", "", "Scenario for --cron")
	scheduleCmd.Flags().StringVar(&scheduleTag, "tag", "", "Tag for --cron")
	scheduleCmd.Flags().IntVar(&scheduleMax, "max", 0, "Profile cap for --cron (0 = all)")
	rootCmd.AddCommand(scheduleCmd)
}
