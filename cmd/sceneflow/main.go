// Command sceneflow validates, runs, schedules and debugs browser scenarios.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/config"
	"github.com/ormasoftchile/sceneflow/pkg/coordinator"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/replay"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
	"github.com/ormasoftchile/sceneflow/pkg/profile"
	"github.com/ormasoftchile/sceneflow/pkg/store"
	"github.com/ormasoftchile/sceneflow/pkg/telemetry"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	loadDotEnv()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file from the working directory and sets any
// variables that aren't already set. Lines are KEY=VALUE; comments (#) and
// blanks are skipped.
func loadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

var (
	flagConfig    string
	flagLogLevel  string
	flagDriver    string
	flagScenarios string
	flagHeadful   bool
)

var rootCmd = &cobra.Command{
	Use:           "sceneflow",
	Short:         "Scenario-driven browser automation",
	Long:          "sceneflow runs declarative browser scenarios for many profiles, with shared variables, scheduling and a step debugger.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("driver") {
		cfg.Driver = flagDriver
	}
	if flags.Changed("scenarios") {
		dir, err := filepath.Abs(flagScenarios)
		if err != nil {
			return nil, err
		}
		cfg.ScenariosDir = dir
	}
	if flags.Changed("headful") {
		cfg.Headless = !flagHeadful
	}
	return cfg, cfg.Validate()
}

// newLogger builds the stderr text logger at the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.Level()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// app holds the collaborators built from the configuration.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *store.SQLite
	profiles profile.Repository
	library  *schema.Library
	launcher browser.Launcher
	tel      *telemetry.Provider
}

// openApp loads the configuration and opens the store, the scenario library,
// the browser launcher and, when enabled, telemetry.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: newLogger(cfg)}
	slog.SetDefault(a.log)

	if a.db, err = store.OpenSQLite(cfg.Path(cfg.DBPath)); err != nil {
		return nil, err
	}
	a.profiles = profile.NewSQLite(a.db.DB())

	if a.library, err = schema.OpenLibrary(cfg.Path(cfg.ScenariosDir)); err != nil {
		a.Close(cmd.Context())
		return nil, err
	}
	if a.launcher, err = newLauncher(cfg); err != nil {
		a.Close(cmd.Context())
		return nil, err
	}
	if cfg.Telemetry.Enabled {
		a.tel, err = telemetry.Setup(cmd.Context(), telemetry.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
		})
		if err != nil {
			a.Close(cmd.Context())
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}
	return a, nil
}

// newLauncher picks the browser implementation named by the driver setting.
func newLauncher(cfg *config.Config) (browser.Launcher, error) {
	switch cfg.Driver {
	case config.DriverPlaywright:
		return browser.NewPlaywrightLauncher(os.Getenv("SCENEFLOW_PLAYWRIGHT_INSTALL") == "1"), nil
	case config.DriverChromedp:
		return &browser.ChromedpLauncher{ExecPath: os.Getenv("SCENEFLOW_CHROME_PATH")}, nil
	case config.DriverReplay:
		script, err := replay.LoadScript(cfg.Path(cfg.ReplayScript))
		if err != nil {
			return nil, err
		}
		return replay.Launcher(script, nil), nil
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}

// coordinator returns a coordinator wired to the app. extra observers are
// attached to every run after the telemetry observer.
func (a *app) coordinator(extra ...coordinator.ObserverFactory) *coordinator.Coordinator {
	c := &coordinator.Coordinator{
		Library:     a.library,
		Profiles:    a.profiles,
		KV:          a.db,
		Launcher:    a.launcher,
		Headless:    a.cfg.Headless,
		OutputsDir:  a.cfg.Path(a.cfg.OutputsDir),
		StepTimeout: a.cfg.StepTimeout.Std(),
		TraceDir:    a.cfg.Path(a.cfg.TraceDir),
		Concurrency: a.cfg.Concurrency,
		Logger:      a.log,
	}
	if a.tel != nil {
		tel := a.tel
		c.Observers = append(c.Observers, func(coordinator.RunInfo) trace.Observer { return tel.Observer() })
	}
	c.Observers = append(c.Observers, extra...)
	return c
}

// Close releases the browser server, telemetry and the database.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if c, ok := a.launcher.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(context.WithoutCancel(ctx)))
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// parseVars turns repeated key=value flags into a map.
func parseVars(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, v := range pairs {
		key, val, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", v)
		}
		out[strings.TrimSpace(key)] = val
	}
	return out, nil
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sceneflow %s (%s)\n", version, commit)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", config.FileName, "Path to the config file")
	pf.StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&flagDriver, "driver", config.DriverPlaywright, "Browser driver: playwright, chromedp or replay")
	pf.StringVar(&flagScenarios, "scenarios", "scenarios", "Scenario library directory")
	pf.BoolVar(&flagHeadful, "headful", false, "Show the browser window")

	rootCmd.AddCommand(versionCmd)
}
