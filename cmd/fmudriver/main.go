// Command fmudriver simulates an FMU and writes its outputs.
//
// Usage:
//
//	fmudriver [flags] model.fmu
//	fmudriver -config run.toml
//	fmudriver -info model.fmu
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	fmi "github.com/lukeod/fmi-go"
	"github.com/lukeod/fmi-go/internal/config"
	"github.com/lukeod/fmi-go/result"
)

// startValues collects repeated -set name=value flags. Values are kept as
// text and converted to the variable's type when written.
type startValues map[string]any

func (s startValues) String() string {
	parts := make([]string, 0, len(s))
	for k, v := range s {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (s startValues) Set(arg string) error {
	name, raw, ok := strings.Cut(arg, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", arg)
	}
	s[name] = raw
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fmudriver", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath = fs.String("config", "", "configuration file (.toml, .yaml, .json)")
		info       = fs.Bool("info", false, "print the model description and exit")
		outputs    = fs.String("outputs", "", "comma-separated variables to record (default: all outputs)")
		start      = fs.Float64("start", 0, "start time")
		stop       = fs.Float64("stop", 10, "stop time")
		step       = fs.Float64("step", 1e-3, "communication step size")
		tolerance  = fs.Float64("tolerance", 0, "relative tolerance (0 = undefined)")
		me         = fs.Bool("me", false, "use the model-exchange interface")
		solver     = fs.String("solver", "rk4", "model-exchange solver: euler or rk4")
		solverStep = fs.Float64("solver-step", 1e-3, "internal solver step")
		format     = fs.String("format", "csv", "output format: csv, wire or sqlite")
		out        = fs.String("o", "", "output file (default: stdout)")
		failLarge  = fs.Bool("fail-on-large", false, "fail when the output exceeds 25 MB")
		watch      = fs.Bool("watch", false, "re-run when the FMU or config file changes")
		logLevel   = fs.String("log-level", "info", "log level: debug, info, warn, error")
		logFormat  = fs.String("log-format", "console", "log format: console or json")
	)
	sets := startValues{}
	fs.Var(sets, "set", "start value name=value (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Flags given on the command line override the file.
	override := func(cfg *config.Config) {
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "outputs":
				cfg.Outputs = splitList(*outputs)
			case "start":
				cfg.StartTime = *start
			case "stop":
				cfg.StopTime = *stop
			case "step":
				cfg.StepSize = *step
			case "tolerance":
				cfg.Tolerance = *tolerance
			case "me":
				cfg.ModelExchange = *me
			case "solver":
				cfg.Solver = *solver
			case "solver-step":
				cfg.SolverStep = *solverStep
			case "format":
				cfg.Output.Format = *format
			case "o":
				cfg.Output.Path = *out
			case "fail-on-large":
				cfg.FailOnLargeOutput = *failLarge
			case "watch":
				cfg.Watch.Enabled = *watch
			case "log-level":
				cfg.Logging.Level = *logLevel
			case "log-format":
				cfg.Logging.Format = *logFormat
			}
		})
		if len(sets) > 0 {
			if cfg.StartValues == nil {
				cfg.StartValues = map[string]any{}
			}
			for k, v := range sets {
				cfg.StartValues[k] = v
			}
		}
		if fs.NArg() > 0 {
			cfg.FMU = fs.Arg(0)
		}
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "fmudriver: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	override(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "fmudriver: %v\n", err)
		return 2
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "fmudriver: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	fmi.SetLogger(logger)

	if *info {
		if err := printInfo(stdout, cfg.FMU); err != nil {
			logger.Error("reading model description", zap.Error(err))
			return 1
		}
		return 0
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if !cfg.Watch.Enabled {
		if err := simulate(ctx, cfg, stdout, logger); err != nil {
			logger.Error("simulation failed", zap.Error(err))
			return exitCode(err)
		}
		return 0
	}

	r := &rerunner{
		cfg:    cfg,
		logger: logger,
		run:    func(c *config.Config) error { return simulate(ctx, c, stdout, logger) },
	}
	watched := []string{cfg.FMU}
	if *configPath != "" {
		watched = append(watched, *configPath)
		if r.configPath, err = filepath.Abs(*configPath); err != nil {
			logger.Error("resolving config path", zap.Error(err))
			return 1
		}
		r.reload = func() (*config.Config, error) {
			c, err := config.Load(*configPath)
			if err != nil {
				return nil, err
			}
			override(c)
			return c, c.Validate()
		}
	}
	r.rerun()
	logger.Info("watching for changes", zap.Strings("paths", watched))

	err = config.Watch(ctx, watched, time.Duration(cfg.Watch.DebounceMs)*time.Millisecond,
		r.onChange,
		func(err error) { logger.Warn("watcher error", zap.Error(err)) })
	if err != nil {
		logger.Error("watching files", zap.Error(err))
		return 1
	}
	return 0
}

// rerunner re-runs the simulation when a watched file changes. A change to
// the config file reloads it first; an invalid file keeps the previous
// configuration.
type rerunner struct {
	mu         sync.Mutex
	cfg        *config.Config
	configPath string // absolute; empty without -config
	reload     func() (*config.Config, error)
	run        func(*config.Config) error
	logger     *zap.Logger
}

func (r *rerunner) onChange(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reload != nil && path == r.configPath {
		cfg, err := r.reload()
		if err != nil {
			r.logger.Error("reloading config, keeping previous", zap.String("path", path), zap.Error(err))
		} else {
			r.cfg = cfg
		}
	}
	r.logger.Info("change detected, re-running", zap.String("path", path))
	r.runLocked()
}

// rerun runs the simulation with the current configuration.
func (r *rerunner) rerun() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runLocked()
}

func (r *rerunner) runLocked() {
	if err := r.run(r.cfg); err != nil {
		r.logger.Error("simulation failed", zap.Error(err))
	}
}

// exitCode separates rejections (the FMU cannot be run as asked) from
// failures.
func exitCode(err error) int {
	switch {
	case errors.Is(err, fmi.ErrCapabilityMissing), errors.Is(err, fmi.ErrOutputTooLarge), errors.Is(err, fmi.ErrPlatformUnsupported):
		return 3
	case errors.Is(err, context.Canceled):
		return 130
	}
	return 1
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogger(c config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if c.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func simulate(ctx context.Context, cfg *config.Config, stdout io.Writer, logger *zap.Logger) error {
	d := &fmi.Driver{
		FMUPath:           cfg.FMU,
		Outputs:           cfg.Outputs,
		StartTime:         cfg.StartTime,
		StopTime:          cfg.StopTime,
		StepSize:          cfg.StepSize,
		Tolerance:         cfg.Tolerance,
		ModelExchange:     cfg.ModelExchange,
		StartValues:       cfg.StartValues,
		FailOnLargeOutput: cfg.FailOnLargeOutput,
	}
	if cfg.ModelExchange {
		solver, err := fmi.NewSolver(cfg.Solver, cfg.SolverStep)
		if err != nil {
			return err
		}
		d.Solver = solver
	}

	sink, err := openSink(cfg, stdout)
	if err != nil {
		return err
	}
	stats, err := d.Run(ctx, sink)
	if err != nil {
		return err
	}
	logger.Info("wrote results",
		zap.String("format", cfg.Output.Format),
		zap.String("path", cfg.Output.Path),
		zap.Int("samples", stats.Samples),
		zap.Duration("elapsed", stats.Elapsed))
	return nil
}

// nopCloser keeps sinks from closing stdout.
type nopCloser struct{ io.Writer }

func openSink(cfg *config.Config, stdout io.Writer) (result.Sink, error) {
	if cfg.Output.Format == "sqlite" {
		label := cfg.Output.Label
		if label == "" {
			label = strings.TrimSuffix(filepath.Base(cfg.FMU), filepath.Ext(cfg.FMU))
		}
		return result.OpenSQLite(cfg.Output.Path, label)
	}

	var w io.Writer = nopCloser{stdout}
	if cfg.Output.Path != "" {
		f, err := os.Create(cfg.Output.Path)
		if err != nil {
			return nil, err
		}
		w = f
	}
	if cfg.Output.Format == "wire" {
		return result.NewWireSink(w), nil
	}
	return result.NewCSVSink(w), nil
}

func printInfo(w io.Writer, path string) error {
	md, err := fmi.ParseModelDescriptionFile(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Model:       %s\n", md.ModelName)
	fmt.Fprintf(w, "FMI version: %s\n", md.FMIVersion)
	fmt.Fprintf(w, "GUID:        %s\n", md.GUID)
	if md.GenerationTool != "" {
		fmt.Fprintf(w, "Generated:   %s %s\n", md.GenerationTool, md.GenerationDateAndTime)
	}
	if md.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", md.Description)
	}
	if cs, ok := md.AsCoSimulation(); ok {
		fmt.Fprintf(w, "Co-simulation:  %s (variable step: %t, FMU state: %t)\n",
			cs.ModelIdentifier, cs.CanHandleVariableCommunicationStepSize, cs.CanGetAndSetFMUState)
	}
	if mex, ok := md.AsModelExchange(); ok {
		fmt.Fprintf(w, "Model exchange: %s (%d states, %d event indicators)\n",
			mex.ModelIdentifier, md.NumberOfContinuousStates(), md.NumberOfEventIndicators)
	}
	if de := md.DefaultExperiment; de != nil {
		fmt.Fprintf(w, "Default experiment:")
		printOpt(w, "start", de.StartTime)
		printOpt(w, "stop", de.StopTime)
		printOpt(w, "step", de.StepSize)
		printOpt(w, "tolerance", de.Tolerance)
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\nVariables (%d):\n", md.VariableCount())
	for i := range md.Variables {
		v := &md.Variables[i]
		line := fmi.FormatVariable(v)
		if start := startString(md, v); start != "" {
			line += " start=" + start
		}
		fmt.Fprintf(w, "  %s\n", line)
	}
	return nil
}

func printOpt(w io.Writer, name string, v *float64) {
	if v != nil {
		fmt.Fprintf(w, " %s=%g", name, *v)
	}
}

func startString(md *fmi.ModelDescription, v *fmi.ScalarVariable) string {
	switch {
	case v.Real != nil && v.Real.Start != nil:
		return fmi.FormatReal(md, v, *v.Real.Start)
	case v.Integer != nil && v.Integer.Start != nil:
		return fmi.FormatInteger(md, v, *v.Integer.Start)
	case v.Enumeration != nil && v.Enumeration.Start != nil:
		return fmi.FormatInteger(md, v, *v.Enumeration.Start)
	case v.Boolean != nil && v.Boolean.Start != nil:
		return strconv.FormatBool(*v.Boolean.Start)
	case v.String != nil && v.String.Start != nil:
		return strconv.Quote(*v.String.Start)
	}
	return ""
}
