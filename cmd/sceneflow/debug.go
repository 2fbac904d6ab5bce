package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/config"
	"github.com/ormasoftchile/sceneflow/pkg/debugger"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/engine"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/replay"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/vars"
	"github.com/ormasoftchile/sceneflow/pkg/store"
)

var (
	debugProfile string
	debugVars    []string
	debugReplay  string
)

var debugCmd = &cobra.Command{
	Use:   "debug [scenario.yaml]",
	Short: "Step through a scenario interactively",
	Long: `Start an interactive debugger on a scenario file.

Commands: next, continue, jump <tag>, print vars|shared|<name>, history,
dump, reload, stop, help, quit.

With --replay the browser is replaced by a scripted driver and shared
variables live in memory, so nothing external is touched.`,
	Args: cobra.ExactArgs(1),
	RunE: runDebug,
}

func runDebug(cmd *cobra.Command, args []string) error {
	path := args[0]
	sc, lib, err := loadValid(path)
	if err != nil {
		return err
	}
	values, err := parseVars(debugVars)
	if err != nil {
		return err
	}
	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	cfg := engine.Config{
		RunID:   "debug-" + uuid.NewString(),
		Profile: "debug",
		Vars:    values,
		Library: lib,
	}
	if debugReplay != "" {
		script, err := replay.LoadScript(debugReplay)
		if err != nil {
			return err
		}
		for k, v := range script.Vars {
			if _, set := cfg.Vars[k]; !set {
				cfg.Vars[k] = v
			}
		}
		cfg.Driver = replay.NewDriver(script)
		cfg.KV = store.NewMemory()
		cfg.Logger = newLogger(mustConfig(cmd))
	} else {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())
		if debugProfile != "" {
			p, err := a.profiles.Get(ctx, debugProfile)
			if err != nil {
				return err
			}
			for k, v := range p.Vars() {
				if _, set := cfg.Vars[k]; !set {
					cfg.Vars[k] = v
				}
			}
			cfg.Profile = p.Name
			cfg.Accounts = a.profiles
			cfg.Launch.Proxy = p.Proxy()
		}
		shared := vars.NewShared(a.db)
		if err := shared.Load(ctx); err != nil {
			return err
		}
		cfg.Shared = shared
		cfg.KV = a.db
		cfg.Launcher = a.launcher
		cfg.Launch = browser.LaunchOptions{Profile: cfg.Profile, Headless: a.cfg.Headless, Proxy: cfg.Launch.Proxy}
		cfg.OutputsDir = a.cfg.Path(a.cfg.OutputsDir)
		cfg.StepTimeout = a.cfg.StepTimeout.Std()
		cfg.Logger = a.log
	}

	eng, err := engine.New(sc, cfg)
	if err != nil {
		return err
	}
	res, err := debugger.New(eng, path).Run(ctx)
	if err != nil {
		return err
	}
	if res.Err != nil {
		fmt.Printf("  error: %v\n", res.Err)
	}
	return nil
}

// mustConfig returns the loaded config, or the defaults when it fails to
// load.
func mustConfig(cmd *cobra.Command) *config.Config {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Default()
	}
	return cfg
}

func init() {
	debugCmd.Flags().StringVar(&debugProfile, "profile", "", "Debug as this stored profile")
	debugCmd.Flags().StringArrayVar(&debugVars, "var", nil, "Set a profile variable (key=value), repeatable")
	debugCmd.Flags().StringVar(&debugReplay, "replay", "", "Replay script (replay.yaml) used instead of a browser")
	rootCmd.AddCommand(debugCmd)
}
