// Package config loads fmudriver configuration files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the fmudriver configuration. Command-line flags override it.
type Config struct {
	// FMU is the path of the .fmu archive or extracted FMU directory.
	FMU string `toml:"fmu" json:"fmu" yaml:"fmu"`

	// Outputs are the recorded variables; empty records all outputs.
	Outputs []string `toml:"outputs" json:"outputs" yaml:"outputs"`

	StartTime float64 `toml:"start_time" json:"start_time" yaml:"start_time"`
	StopTime  float64 `toml:"stop_time" json:"stop_time" yaml:"stop_time"`
	StepSize  float64 `toml:"step_size" json:"step_size" yaml:"step_size"`
	Tolerance float64 `toml:"tolerance" json:"tolerance" yaml:"tolerance"`

	ModelExchange bool `toml:"model_exchange" json:"model_exchange" yaml:"model_exchange"`

	// Solver is "euler" or "rk4"; SolverStep its internal step.
	Solver     string  `toml:"solver" json:"solver" yaml:"solver"`
	SolverStep float64 `toml:"solver_step" json:"solver_step" yaml:"solver_step"`

	StartValues map[string]any `toml:"start_values" json:"start_values" yaml:"start_values"`

	FailOnLargeOutput bool `toml:"fail_on_large_output" json:"fail_on_large_output" yaml:"fail_on_large_output"`

	Output  OutputConfig  `toml:"output" json:"output" yaml:"output"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
	Watch   WatchConfig   `toml:"watch" json:"watch" yaml:"watch"`
}

// OutputConfig selects the result sink.
type OutputConfig struct {
	// Format is "csv", "wire" or "sqlite".
	Format string `toml:"format" json:"format" yaml:"format"`
	// Path is the output file. Empty writes csv and wire to stdout.
	Path string `toml:"path" json:"path" yaml:"path"`
	// Label names the run in a sqlite database. Default is the FMU file name.
	Label string `toml:"label" json:"label" yaml:"label"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level" json:"level" yaml:"level"`
	// Format is "console" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`
}

// WatchConfig configures re-running on file changes.
type WatchConfig struct {
	Enabled    bool `toml:"enabled" json:"enabled" yaml:"enabled"`
	DebounceMs int  `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		StopTime:   10,
		StepSize:   1e-3,
		Solver:     "rk4",
		SolverStep: 1e-3,
		Output:     OutputConfig{Format: "csv"},
		Logging:    LoggingConfig{Level: "info", Format: "console"},
		Watch:      WatchConfig{DebounceMs: 200},
	}
}

// Load reads path on top of Default, choosing the decoder by extension. A
// missing file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
	}

	if cfg.FMU != "" && !filepath.IsAbs(cfg.FMU) {
		cfg.FMU = filepath.Join(filepath.Dir(path), cfg.FMU)
	}
	return cfg, nil
}

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for values the driver cannot use.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if c.FMU == "" {
		add("fmu", "is required")
	}
	if c.StepSize < 0 {
		add("step_size", "must not be negative")
	}
	if c.StopTime != 0 && c.StopTime <= c.StartTime {
		add("stop_time", "must be greater than start_time")
	}
	if c.Tolerance < 0 {
		add("tolerance", "must not be negative")
	}
	switch strings.ToLower(c.Solver) {
	case "", "euler", "rk4":
	default:
		add("solver", fmt.Sprintf("unknown solver %q", c.Solver))
	}
	if c.SolverStep < 0 {
		add("solver_step", "must not be negative")
	}
	switch c.Output.Format {
	case "csv", "wire":
	case "sqlite":
		if c.Output.Path == "" {
			add("output.path", "is required for sqlite output")
		}
	default:
		add("output.format", fmt.Sprintf("unknown format %q", c.Output.Format))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		add("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}
	if c.Watch.DebounceMs < 0 {
		add("watch.debounce_ms", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
