package fmi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lukeod/fmi-go/result"
	"go.uber.org/zap"
)

// Driver defaults, used when the corresponding field is zero and the model
// has no DefaultExperiment value.
const (
	DefaultStopTime = 10.0
	DefaultStepSize = 1e-3

	// MaxOutputSize is the limit enforced by Driver.FailOnLargeOutput.
	MaxOutputSize = 25_000_000
)

// Driver runs an FMU from start to stop with a fixed communication step and
// records its outputs.
type Driver struct {
	FMUPath string

	// Outputs are the recorded variable names. Empty means every numeric
	// variable with causality output.
	Outputs []string

	// Zero values fall back to the model's DefaultExperiment, then to 0,
	// DefaultStopTime and DefaultStepSize.
	StartTime float64
	StopTime  float64
	StepSize  float64
	Tolerance float64

	// ModelExchange selects the model-exchange interface, integrated with
	// Solver (RungeKutta4 with DefaultSolverStep when nil).
	ModelExchange bool
	Solver        Solver

	// StartValues are written after instantiation, before initialization.
	StartValues map[string]any

	// FailOnLargeOutput aborts with ErrOutputTooLarge once a sink that
	// implements result.Sizer exceeds MaxOutputSize bytes.
	FailOnLargeOutput bool

	FMUOptions   []Option
	SlaveOptions []SlaveOption
}

// Stats summarizes a Run.
type Stats struct {
	StartTime float64
	StopTime  float64
	StepSize  float64
	Steps     int
	Samples   int
	EndTime   float64
	Elapsed   time.Duration
}

// simulator is the surface shared by CoSimulationSlave and
// ModelExchangeSlave.
type simulator interface {
	Setup(start, stop, tolerance float64) error
	DoStep(dt float64) error
	SimulationTime() float64
	WriteStart(name string, value any) error
	ReadReals(vrs []ValueReference) ([]float64, error)
	ReadIntegers(vrs []ValueReference) ([]int32, error)
	ReadBooleans(vrs []ValueReference) ([]bool, error)
	Close() error
}

var (
	_ simulator = (*CoSimulationSlave)(nil)
	_ simulator = (*ModelExchangeSlave)(nil)
)

// Run opens FMUPath, simulates it and records into sink. The sink is
// closed when Run returns.
func (d *Driver) Run(ctx context.Context, sink result.Sink) (Stats, error) {
	fmu, err := Open(d.FMUPath, d.FMUOptions...)
	if err != nil {
		_ = sink.Close()
		return Stats{}, err
	}
	defer func() { _ = fmu.Close() }()
	return d.RunFMU(ctx, fmu, sink)
}

// RunFMU simulates an already opened FMU. The sink is closed when RunFMU
// returns; fmu is not.
func (d *Driver) RunFMU(ctx context.Context, fmu *FMU, sink result.Sink) (stats Stats, err error) {
	defer func() {
		if cerr := sink.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	md := fmu.ModelDescription()
	stats.StartTime, stats.StopTime, stats.StepSize = d.experiment(md)
	if stats.StepSize <= 0 || stats.StopTime <= stats.StartTime {
		return stats, fmt.Errorf("fmi: invalid experiment start=%g stop=%g step=%g", stats.StartTime, stats.StopTime, stats.StepSize)
	}

	cols, err := planColumns(md, d.Outputs)
	if err != nil {
		return stats, err
	}

	sim, err := d.instantiate(fmu)
	if err != nil {
		return stats, err
	}
	defer func() {
		if cerr := sim.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for name, v := range d.StartValues {
		if err := sim.WriteStart(name, v); err != nil {
			return stats, fmt.Errorf("setting start value %s: %w", name, err)
		}
	}
	if err := sim.Setup(stats.StartTime, stats.StopTime, d.Tolerance); err != nil {
		return stats, err
	}

	log := Logger().With(zap.String("model", md.ModelName))
	log.Info("simulating FMU",
		zap.String("path", d.FMUPath),
		zap.Bool("model_exchange", d.ModelExchange),
		zap.Float64("start", stats.StartTime),
		zap.Float64("stop", stats.StopTime),
		zap.Float64("step", stats.StepSize))

	if err := sink.Begin(cols.names); err != nil {
		return stats, err
	}

	began := time.Now()
	defer func() {
		stats.EndTime = sim.SimulationTime()
		stats.Elapsed = time.Since(began)
	}()

	row := make([]float64, len(cols.names))
	last := stats.StopTime - stats.StepSize + stats.StepSize*1e-6
	for sim.SimulationTime() <= last {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := cols.read(sim, row); err != nil {
			return stats, err
		}
		if err := sink.Record(sim.SimulationTime(), row); err != nil {
			return stats, err
		}
		stats.Samples++
		if d.FailOnLargeOutput {
			if sz, ok := sink.(result.Sizer); ok && sz.Size() > MaxOutputSize {
				return stats, fmt.Errorf("%w: %d bytes", ErrOutputTooLarge, sz.Size())
			}
		}

		if err := sim.DoStep(stats.StepSize); err != nil {
			if errors.Is(err, ErrTerminated) {
				log.Warn("simulation terminated prematurely", zap.Float64("time", sim.SimulationTime()))
			}
			return stats, err
		}
		stats.Steps++
	}

	log.Info("simulation finished", zap.Int("steps", stats.Steps), zap.Duration("elapsed", time.Since(began)))
	return stats, nil
}

func (d *Driver) experiment(md *ModelDescription) (start, stop, step float64) {
	start, stop, step = d.StartTime, d.StopTime, d.StepSize
	de := md.DefaultExperiment
	if de == nil {
		de = &DefaultExperiment{}
	}
	if start == 0 && de.StartTime != nil {
		start = *de.StartTime
	}
	if stop == 0 {
		stop = DefaultStopTime
		if de.StopTime != nil {
			stop = *de.StopTime
		}
	}
	if step == 0 {
		step = DefaultStepSize
		if de.StepSize != nil {
			step = *de.StepSize
		}
	}
	return start, stop, step
}

func (d *Driver) instantiate(fmu *FMU) (simulator, error) {
	md := fmu.ModelDescription()
	if d.ModelExchange {
		if !md.SupportsModelExchange() {
			return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, ModelExchange)
		}
		opts := d.SlaveOptions
		if d.Solver != nil {
			opts = append(append([]SlaveOption(nil), opts...), WithSolver(d.Solver))
		}
		return NewModelExchangeSlave(fmu, opts...)
	}
	if !md.SupportsCoSimulation() {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, CoSimulation)
	}
	return NewCoSimulationSlave(fmu, d.SlaveOptions...)
}

// columns maps recorded variables onto batch reads per storage type.
type columns struct {
	names []string

	realVRs, intVRs, boolVRs    []ValueReference
	realCols, intCols, boolCols []int
}

func planColumns(md *ModelDescription, names []string) (*columns, error) {
	var vars []*ScalarVariable
	if len(names) == 0 {
		for _, v := range md.Outputs() {
			if v.Type != TypeString {
				vars = append(vars, v)
			}
		}
	} else {
		for _, name := range names {
			v := md.VariableByName(name)
			if v == nil {
				return nil, fmt.Errorf("%w: %q", ErrVariableNotFound, name)
			}
			if v.Type == TypeString {
				return nil, fmt.Errorf("%w: cannot record String variable %q", ErrTypeMismatch, name)
			}
			vars = append(vars, v)
		}
	}

	c := &columns{names: make([]string, len(vars))}
	for i, v := range vars {
		c.names[i] = v.Name
		switch v.Type.storageType() {
		case TypeReal:
			c.realVRs = append(c.realVRs, v.ValueReference)
			c.realCols = append(c.realCols, i)
		case TypeInteger:
			c.intVRs = append(c.intVRs, v.ValueReference)
			c.intCols = append(c.intCols, i)
		case TypeBoolean:
			c.boolVRs = append(c.boolVRs, v.ValueReference)
			c.boolCols = append(c.boolCols, i)
		}
	}
	return c, nil
}

// read fills row with the current values. Integers are widened and
// booleans recorded as 0 or 1.
func (c *columns) read(sim simulator, row []float64) error {
	if len(c.realVRs) > 0 {
		vs, err := sim.ReadReals(c.realVRs)
		if err != nil {
			return err
		}
		for i, v := range vs {
			row[c.realCols[i]] = v
		}
	}
	if len(c.intVRs) > 0 {
		vs, err := sim.ReadIntegers(c.intVRs)
		if err != nil {
			return err
		}
		for i, v := range vs {
			row[c.intCols[i]] = float64(v)
		}
	}
	if len(c.boolVRs) > 0 {
		vs, err := sim.ReadBooleans(c.boolVRs)
		if err != nil {
			return err
		}
		for i, v := range vs {
			if v {
				row[c.boolCols[i]] = 1
			} else {
				row[c.boolCols[i]] = 0
			}
		}
	}
	return nil
}
