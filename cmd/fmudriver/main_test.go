package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	fmi "github.com/lukeod/fmi-go"
	"github.com/lukeod/fmi-go/internal/config"
	"github.com/lukeod/fmi-go/result"
)

const bouncingBall = "../../testdata/BouncingBall"

func TestStartValuesFlag(t *testing.T) {
	s := startValues{}
	for _, arg := range []string{"g=1.62", "label=moon", "label=mars", "e="} {
		if err := s.Set(arg); err != nil {
			t.Fatalf("Set(%q) = %v", arg, err)
		}
	}
	want := startValues{"g": "1.62", "label": "mars", "e": ""}
	if !reflect.DeepEqual(s, want) {
		t.Errorf("start values = %v", s)
	}
	for _, bad := range []string{"g", "=1"} {
		if err := s.Set(bad); err == nil {
			t.Errorf("Set(%q) succeeded", bad)
		}
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(" h, v,,bounces "); !reflect.DeepEqual(got, []string{"h", "v", "bounces"}) {
		t.Errorf("splitList() = %v", got)
	}
	if got := splitList(""); got != nil {
		t.Errorf("splitList(\"\") = %v", got)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("run: %w", fmi.ErrCapabilityMissing), 3},
		{fmi.ErrOutputTooLarge, 3},
		{fmi.ErrPlatformUnsupported, 3},
		{context.Canceled, 130},
		{errors.New("boom"), 1},
		{&fmi.CallError{Func: "fmi2DoStep", Status: fmi.StatusError}, 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRunInfo(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-info", "-log-level", "error", bouncingBall}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{
		"Model:       BouncingBall",
		"FMI version: 2.0",
		"Co-simulation:  bouncingBall (variable step: true, FMU state: true)",
		"Model exchange: bouncingBall (2 states, 1 event indicators)",
		"Default experiment: start=0 stop=3 step=0.01",
		"Variables (12):",
		"h [vr=0 Real output continuous initial=exact] start=100 cm",
		`label [vr=0 String parameter fixed initial=exact] start="ball"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("info output missing %q:\n%s", want, out)
		}
	}
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"bad flag", []string{"-nope"}, 2},
		{"no fmu", []string{"-log-level", "error"}, 2},
		{"bad solver", []string{"-solver", "cvode", bouncingBall}, 2},
		{"missing config", []string{"-config", filepath.Join(dir, "missing.toml")}, 1},
		{"info missing fmu", []string{"-info", "-log-level", "error", filepath.Join(dir, "missing.fmu")}, 1},
		{"no binary", []string{"-log-level", "error", "-o", filepath.Join(dir, "out.csv"), bouncingBall}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if got := run(tt.args, &stdout, &stderr); got != tt.want {
				t.Errorf("exit code %d, want %d; stderr: %s", got, tt.want, stderr.String())
			}
		})
	}
}

func TestRunConfigFile(t *testing.T) {
	dir := t.TempDir()
	fmuDir, err := filepath.Abs(bouncingBall)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "run.yaml")
	content := fmt.Sprintf("fmu: %q\nlogging:\n  level: error\n", fmuDir)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-config", path, "-info"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Model:       BouncingBall") {
		t.Errorf("stdout = %s", stdout.String())
	}
}

func TestRerunnerReloadsConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("fmu: model.fmu\nstop_time: 1\n")

	initial, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	var ran []*config.Config
	r := &rerunner{
		cfg:        initial,
		configPath: path,
		reload: func() (*config.Config, error) {
			c, err := config.Load(path)
			if err != nil {
				return nil, err
			}
			c.StepSize = 0.5 // stands in for a command-line flag
			return c, c.Validate()
		},
		run: func(c *config.Config) error {
			ran = append(ran, c)
			return errors.New("no binary")
		},
		logger: zap.NewNop(),
	}

	r.rerun()
	if len(ran) != 1 || ran[0] != initial {
		t.Fatalf("first run used %+v", ran)
	}
	ran = nil

	write("fmu: model.fmu\nstop_time: 2\n")
	r.onChange(path)
	if len(ran) != 1 || ran[0].StopTime != 2 || ran[0].StepSize != 0.5 {
		t.Fatalf("after config edit ran with %+v", ran)
	}

	// Another watched file re-runs without reloading.
	write("fmu: model.fmu\nstop_time: 5\n")
	r.onChange(filepath.Join(dir, "model.fmu"))
	if len(ran) != 2 {
		t.Fatalf("%d runs, want 2", len(ran))
	}
	if ran[1].StopTime != 2 {
		t.Errorf("FMU change ran with stop time %g, want 2", ran[1].StopTime)
	}

	// An invalid edit keeps the previous configuration.
	write("fmu: model.fmu\nstop_time: -1\n")
	r.onChange(path)
	if len(ran) != 3 {
		t.Fatalf("%d runs, want 3", len(ran))
	}
	if ran[2].StopTime != 2 {
		t.Errorf("invalid config ran with stop time %g, want 2", ran[2].StopTime)
	}
}

func TestRerunnerLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := &rerunner{
		cfg:    config.Default(),
		run:    func(*config.Config) error { return fmi.ErrPlatformUnsupported },
		logger: zap.New(core),
	}

	r.rerun()
	r.onChange("model.fmu")

	failures := logs.FilterMessage("simulation failed").All()
	if len(failures) != 2 {
		t.Fatalf("%d failures logged, want 2", len(failures))
	}
	if err, _ := failures[0].ContextMap()["error"].(string); !strings.Contains(err, "no binary") {
		t.Errorf("logged error = %v", failures[0].ContextMap()["error"])
	}
}

func TestOpenSink(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.FMU = "models/BouncingBall.fmu"

	var stdout bytes.Buffer
	sink, err := openSink(cfg, &stdout)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sink.(*result.CSVSink); !ok {
		t.Errorf("default sink is %T", sink)
	}
	writeOne(t, sink)
	if !strings.HasPrefix(stdout.String(), "Time,h\n0,1\n") {
		t.Errorf("stdout = %q", stdout.String())
	}

	cfg.Output = config.OutputConfig{Format: "wire", Path: filepath.Join(dir, "out.bin")}
	sink, err = openSink(cfg, &stdout)
	if err != nil {
		t.Fatal(err)
	}
	writeOne(t, sink)
	data, err := os.ReadFile(cfg.Output.Path)
	if err != nil {
		t.Fatal(err)
	}
	m, err := result.DecodeWire(data)
	if err != nil || len(m.Samples) != 1 {
		t.Errorf("wire file decoded to %+v, %v", m, err)
	}

	cfg.Output = config.OutputConfig{Format: "sqlite", Path: filepath.Join(dir, "runs.db")}
	sink, err = openSink(cfg, &stdout)
	if err != nil {
		t.Fatal(err)
	}
	db, ok := sink.(*result.SQLiteSink)
	if !ok {
		t.Fatalf("sqlite sink is %T", sink)
	}
	writeOne(t, sink)
	if db.RunID() == 0 {
		t.Error("no run recorded")
	}
}

func writeOne(t *testing.T, sink result.Sink) {
	t.Helper()
	if err := sink.Begin([]string{"h"}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Record(0, []float64{1}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
}
