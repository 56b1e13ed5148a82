package fmi

import (
	"fmt"
	"math"

	"go.uber.org/zap"
)

// ModelExchangeSlave integrates a model-exchange instance with a Solver,
// presenting the same stepping surface as CoSimulationSlave.
//
// State events are detected by a sign change of an event indicator at the
// end of an internal solver step; the step is not refined to locate the
// crossing.
type ModelExchangeSlave struct {
	*slave
	attrs  ModelExchangeAttributes
	solver Solver

	x, z, zPrev []float64

	nextEventDefined bool
	nextEventTime    float64
}

// NewModelExchangeSlave instantiates the model-exchange variant of fmu. It
// returns ErrCapabilityMissing when the FMU has no model-exchange interface.
func NewModelExchangeSlave(fmu *FMU, opts ...SlaveOption) (*ModelExchangeSlave, error) {
	if !fmu.ModelDescription().SupportsModelExchange() {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, ModelExchange)
	}
	b, err := fmu.Binding(ModelExchange)
	if err != nil {
		return nil, err
	}
	return newModelExchangeSlave(b, fmu.ModelDescription(), fmu.ResourceLocation(), opts...)
}

func newModelExchangeSlave(b *Binding, md *ModelDescription, resourceLocation string, opts ...SlaveOption) (*ModelExchangeSlave, error) {
	me, ok := md.AsModelExchange()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, ModelExchange)
	}
	o := buildSlaveOptions(md, ModelExchange, opts)
	solver := o.solver
	if solver == nil {
		solver = NewRungeKutta4(DefaultSolverStep)
	}
	s, err := newSlave(b, md, ModelExchange, resourceLocation, o)
	if err != nil {
		return nil, err
	}
	nz := md.NumberOfEventIndicators
	return &ModelExchangeSlave{
		slave:  s,
		attrs:  me.ModelExchangeAttributes,
		solver: solver,
		x:      make([]float64, md.NumberOfContinuousStates()),
		z:      make([]float64, nz),
		zPrev:  make([]float64, nz),
	}, nil
}

// Attributes returns the ModelExchange element attributes.
func (s *ModelExchangeSlave) Attributes() ModelExchangeAttributes { return s.attrs }

// Solver returns the integrator in use.
func (s *ModelExchangeSlave) Solver() Solver { return s.solver }

// Setup runs setupExperiment and initialization, resolves the initial
// events and leaves the instance in continuous-time mode.
func (s *ModelExchangeSlave) Setup(start, stop, tolerance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setup(start, stop, tolerance); err != nil {
		return err
	}
	return s.finishInitialization()
}

// EnterInitialization runs setupExperiment and enters initialization mode.
func (s *ModelExchangeSlave) EnterInitialization(start, stop, tolerance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setup(start, stop, tolerance)
}

// ExitInitialization leaves initialization mode, runs the initial event
// iteration and enters continuous-time mode.
func (s *ModelExchangeSlave) ExitInitialization() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishInitialization()
}

func (s *ModelExchangeSlave) finishInitialization() error {
	if err := s.exitInitialization(); err != nil {
		return err
	}
	if _, err := s.handleEvent(false); err != nil {
		return err
	}
	return s.readContinuous(true)
}

// Reset returns the instance to the state after instantiation.
func (s *ModelExchangeSlave) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reset(); err != nil {
		return err
	}
	s.nextEventDefined, s.nextEventTime = false, 0
	clear(s.x)
	clear(s.z)
	clear(s.zPrev)
	return nil
}

// ContinuousStates returns a copy of the current state vector.
func (s *ModelExchangeSlave) ContinuousStates() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.x...)
}

// EventIndicators returns a copy of the event indicators at the current
// time.
func (s *ModelExchangeSlave) EventIndicators() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.z...)
}

// Nominals returns the nominal values of the continuous states.
func (s *ModelExchangeSlave) Nominals() ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.x))
	if err := s.require("get nominals", StateInitialization, StateStepping); err != nil {
		return out, err
	}
	if len(out) == 0 {
		return out, nil
	}
	st, err := s.b.GetNominalsOfContinuousStates(s.h, out)
	return out, s.check(fnGetNominalsOfContinuousStates, st, err)
}

// DoStep integrates from the current time to time+dt. Internal steps are
// bounded by the solver's MaxStep and by the next time event. When the FMU
// requests termination the slave moves to StateTerminated and the error
// wraps ErrTerminated.
func (s *ModelExchangeSlave) DoStep(dt float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("step", StateStepping); err != nil {
		return err
	}
	if dt <= 0 {
		return fmt.Errorf("fmi: step size must be positive, got %g", dt)
	}

	target := s.time + dt
	eps := 1e-12 * math.Max(1, math.Abs(target))
	sys := meSystem{s}

	for target-s.time > eps {
		h := math.Min(s.solver.MaxStep(), target-s.time)
		if s.nextEventDefined && s.nextEventTime < s.time+h {
			h = math.Max(s.nextEventTime-s.time, 0)
		}

		if h > 0 && len(s.x) > 0 {
			if err := s.solver.Step(sys, s.time, s.x, h); err != nil {
				return err
			}
		}
		s.time += h
		if err := s.setContinuous(s.time, s.x); err != nil {
			return err
		}

		stepEvent := false
		if !s.attrs.CompletedIntegratorStepNotNeeded {
			enter, terminate, st, err := s.b.CompletedIntegratorStep(s.h, true)
			if err := s.check(fnCompletedIntegratorStep, st, err); err != nil {
				return err
			}
			if terminate {
				return s.fmuTerminated()
			}
			stepEvent = enter
		}

		stateEvent := false
		if len(s.z) > 0 {
			copy(s.zPrev, s.z)
			st, err := s.b.GetEventIndicators(s.h, s.z)
			if err := s.check(fnGetEventIndicators, st, err); err != nil {
				return err
			}
			stateEvent = crossed(s.zPrev, s.z)
		}

		timeEvent := s.nextEventDefined && s.time >= s.nextEventTime
		if stepEvent || stateEvent || timeEvent {
			Logger().Debug("handling event",
				zap.String("instance", s.name),
				zap.Float64("time", s.time),
				zap.Bool("step", stepEvent),
				zap.Bool("state", stateEvent),
				zap.Bool("time_event", timeEvent))
			st, err := s.b.EnterEventMode(s.h)
			if err := s.check(fnEnterEventMode, st, err); err != nil {
				return err
			}
			changed, err := s.handleEvent(timeEvent)
			if err != nil {
				return err
			}
			if err := s.readContinuous(changed); err != nil {
				return err
			}
		}
	}
	s.time = target
	return nil
}

// handleEvent runs the event iteration in event mode and enters
// continuous-time mode. It reports whether the continuous states changed.
func (s *ModelExchangeSlave) handleEvent(timeEvent bool) (bool, error) {
	info := EventInfo{NewDiscreteStatesNeeded: true}
	changed := false
	for info.NewDiscreteStatesNeeded {
		var (
			st  Status
			err error
		)
		info, st, err = s.b.NewDiscreteStates(s.h)
		if err := s.check(fnNewDiscreteStates, st, err); err != nil {
			return false, err
		}
		if info.TerminateSimulation {
			return false, s.fmuTerminated()
		}
		changed = changed || info.ValuesOfContinuousStatesChanged
	}

	s.nextEventDefined, s.nextEventTime = info.NextEventTimeDefined, info.NextEventTime
	if timeEvent && s.nextEventDefined && s.nextEventTime <= s.time {
		Logger().Warn("FMU did not advance next event time",
			zap.String("instance", s.name),
			zap.Float64("time", s.time),
			zap.Float64("next_event_time", s.nextEventTime))
		s.nextEventDefined = false
	}

	st, err := s.b.EnterContinuousTimeMode(s.h)
	if err := s.check(fnEnterContinuousTimeMode, st, err); err != nil {
		return false, err
	}
	return changed, nil
}

// readContinuous refreshes the event indicators, and the states when
// statesChanged is set.
func (s *ModelExchangeSlave) readContinuous(statesChanged bool) error {
	if statesChanged && len(s.x) > 0 {
		st, err := s.b.GetContinuousStates(s.h, s.x)
		if err := s.check(fnGetContinuousStates, st, err); err != nil {
			return err
		}
	}
	if len(s.z) > 0 {
		st, err := s.b.GetEventIndicators(s.h, s.z)
		if err := s.check(fnGetEventIndicators, st, err); err != nil {
			return err
		}
	}
	return nil
}

func (s *ModelExchangeSlave) setContinuous(t float64, x []float64) error {
	st, err := s.b.SetTime(s.h, t)
	if err := s.check(fnSetTime, st, err); err != nil {
		return err
	}
	if len(x) == 0 {
		return nil
	}
	st, err = s.b.SetContinuousStates(s.h, x)
	return s.check(fnSetContinuousStates, st, err)
}

func (s *ModelExchangeSlave) fmuTerminated() error {
	Logger().Info("FMU terminated the simulation", zap.String("instance", s.name), zap.Float64("time", s.time))
	if err := s.terminate(); err != nil {
		return err
	}
	return fmt.Errorf("%w at t=%g", ErrTerminated, s.time)
}

// meSystem evaluates the model's derivatives for the solver. It runs with
// the slave's mutex held.
type meSystem struct {
	s *ModelExchangeSlave
}

func (m meSystem) Derivatives(t float64, x, dx []float64) error {
	if err := m.s.setContinuous(t, x); err != nil {
		return err
	}
	st, err := m.s.b.GetDerivatives(m.s.h, dx)
	return m.s.check(fnGetDerivatives, st, err)
}

// crossed reports whether any indicator changed sign between prev and cur.
// Zero counts as non-positive.
func crossed(prev, cur []float64) bool {
	for i := range cur {
		if (prev[i] > 0) != (cur[i] > 0) {
			return true
		}
	}
	return false
}
