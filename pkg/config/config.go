// Package config loads sceneflow.yaml.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/sceneflow/pkg/coordinator"
)

// FileName is the config file looked up in the working directory.
const FileName = "sceneflow.yaml"

// Drivers accepted by the driver field.
const (
	DriverPlaywright = "playwright"
	DriverChromedp   = "chromedp"
	DriverReplay     = "replay"
)

// Config is the decoded sceneflow.yaml.
type Config struct {
	ScenariosDir string                 `yaml:"scenarios_dir"`
	OutputsDir   string                 `yaml:"outputs_dir"`
	DBPath       string                 `yaml:"db_path"`
	Driver       string                 `yaml:"driver"`
	ReplayScript string                 `yaml:"replay_script,omitempty"`
	Headless     bool                   `yaml:"headless"`
	Concurrency  int                    `yaml:"concurrency"`
	StepTimeout  Duration               `yaml:"step_timeout"`
	LogLevel     string                 `yaml:"log_level"`
	TraceDir     string                 `yaml:"trace_dir,omitempty"`
	Telemetry    Telemetry              `yaml:"telemetry"`
	Schedules    []coordinator.Schedule `yaml:"schedules,omitempty"`

	// Dir is the directory of the loaded file; relative paths resolve
	// against it.
	Dir string `yaml:"-"`
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
}

// Duration accepts "30s" style strings or a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if dur, err := time.ParseDuration(raw); err == nil {
		*d = Duration(dur)
		return nil
	}
	var secs float64
	if _, err := fmt.Sscanf(raw, "%g", &secs); err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ScenariosDir: "scenarios",
		OutputsDir:   "outputs",
		DBPath:       "sceneflow.db",
		Driver:       DriverPlaywright,
		Headless:     true,
		Concurrency:  coordinator.DefaultConcurrency,
		StepTimeout:  Duration(30 * time.Second),
		LogLevel:     "info",
		Telemetry:    Telemetry{ServiceName: "sceneflow"},
		Dir:          ".",
	}
}

// Load reads path over Default. A missing file is not an error when path is
// the default FileName.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && filepath.Base(path) == FileName {
			return cfg, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	if err := decode(f, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Dir = filepath.Dir(path)
	return cfg, cfg.Validate()
}

// Parse decodes data over Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(strings.NewReader(string(data)), cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks enumerations and schedule expressions.
func (c *Config) Validate() error {
	var errs []error
	switch c.Driver {
	case DriverPlaywright, DriverChromedp:
	case DriverReplay:
		if c.ReplayScript == "" {
			errs = append(errs, errors.New("driver replay requires replay_script"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q", c.Driver))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must not be negative (got %d)", c.Concurrency))
	}
	for i, s := range c.Schedules {
		if _, err := coordinator.ParseCron(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
		}
		if strings.TrimSpace(s.Scenario) == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: scenario is required", i))
		}
	}
	return errors.Join(errs...)
}

// Level maps log_level to a slog level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return l, nil
}

// Path resolves p against the config directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}
