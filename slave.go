package fmi

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// SlaveState is the lifecycle state of a slave.
type SlaveState int

const (
	StateInstantiated SlaveState = iota
	StateInitialization
	StateStepping
	StateTerminated
	StateError // an FMI call returned Error; Terminate, Reset and Close remain
	StateFatal // an FMI call returned Fatal; only Close remains
	StateClosed
)

var slaveStateNames = []string{
	"instantiated", "initialization", "stepping", "terminated", "error", "fatal", "closed",
}

func (s SlaveState) String() string {
	if int(s) >= 0 && int(s) < len(slaveStateNames) {
		return slaveStateNames[s]
	}
	return "unknown"
}

type slaveOptions struct {
	name       string
	visible    bool
	loggingOn  bool
	categories []string
	solver     Solver
}

// SlaveOption configures NewCoSimulationSlave and NewModelExchangeSlave.
type SlaveOption func(*slaveOptions)

// WithInstanceName sets the instance name passed to fmi2Instantiate. Default
// is the model identifier.
func WithInstanceName(name string) SlaveOption {
	return func(o *slaveOptions) { o.name = name }
}

// WithVisible asks the FMU to show its user interface, if it has one.
func WithVisible(visible bool) SlaveOption {
	return func(o *slaveOptions) { o.visible = visible }
}

// WithSolver sets the integrator of a ModelExchangeSlave. Default is
// RungeKutta4 with DefaultSolverStep. Co-simulation slaves ignore it.
func WithSolver(solver Solver) SlaveOption {
	return func(o *slaveOptions) { o.solver = solver }
}

// WithDebugLogging turns on FMU logging for the given categories, or for all
// of them when none are given.
func WithDebugLogging(categories ...string) SlaveOption {
	return func(o *slaveOptions) {
		o.loggingOn = true
		o.categories = categories
	}
}

// slave holds what co-simulation and model-exchange slaves share: the
// instance handle, its state machine and typed variable access.
type slave struct {
	mu    sync.Mutex
	b     *Binding
	md    *ModelDescription
	h     Handle
	kind  Kind
	name  string
	state SlaveState

	time  float64
	start float64
	stop  float64 // 0 when undefined
}

func buildSlaveOptions(md *ModelDescription, kind Kind, opts []SlaveOption) slaveOptions {
	o := slaveOptions{name: md.Identifier(kind)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newSlave(b *Binding, md *ModelDescription, kind Kind, resourceLocation string, o slaveOptions) (*slave, error) {
	h, err := b.Instantiate(o.name, kind, md.GUID, resourceLocation, o.visible, o.loggingOn)
	if err != nil {
		return nil, err
	}
	s := &slave{b: b, md: md, h: h, kind: kind, name: o.name}
	if o.loggingOn && len(o.categories) > 0 && b.Has(fnSetDebugLogging) {
		st, err := b.SetDebugLogging(h, true, o.categories...)
		if err := s.check(fnSetDebugLogging, st, err); err != nil {
			_ = b.FreeInstance(h)
			return nil, err
		}
	}
	return s, nil
}

// check interprets the result of a binding call. Warning is logged. Discard
// and Pending are reported to the caller as sentinel errors, with
// ErrStepDiscarded kept for fmi2DoStep and ErrDiscarded for everything else.
// Error and Fatal move the slave into StateError or StateFatal.
func (s *slave) check(fn string, st Status, err error) error {
	if err != nil {
		return err
	}
	switch st {
	case StatusOK:
		return nil
	case StatusWarning:
		Logger().Warn("FMI call returned warning", zap.String("instance", s.name), zap.String("func", fn))
		return nil
	case StatusDiscard:
		if fn == fnDoStep {
			return fmt.Errorf("%w: %s", ErrStepDiscarded, fn)
		}
		return fmt.Errorf("%w: %s", ErrDiscarded, fn)
	case StatusPending:
		return fmt.Errorf("%w: %s", ErrStepPending, fn)
	case StatusFatal:
		s.state = StateFatal
	case StatusError:
		s.state = StateError
	}
	return st.Err(fn)
}

// require fails with ErrInvalidState unless the slave is in one of states.
func (s *slave) require(op string, states ...SlaveState) error {
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, s.state)
}

// State returns the lifecycle state.
func (s *slave) State() SlaveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SimulationTime returns the current simulation time.
func (s *slave) SimulationTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.time
}

// InstanceName returns the name given to fmi2Instantiate.
func (s *slave) InstanceName() string { return s.name }

// ModelDescription returns the description the slave was created from.
func (s *slave) ModelDescription() *ModelDescription { return s.md }

// Handle returns the Binding handle of the instance.
func (s *slave) Handle() Handle { return s.h }

// setup runs fmi2SetupExperiment and fmi2EnterInitializationMode. The stop
// time is passed as defined when stop > start, the tolerance when > 0.
func (s *slave) setup(start, stop, tolerance float64) error {
	if err := s.require("setup", StateInstantiated); err != nil {
		return err
	}
	stopDefined := stop > start
	if !stopDefined {
		stop = 0
	}
	st, err := s.b.SetupExperiment(s.h, tolerance > 0, tolerance, start, stopDefined, stop)
	if err := s.check(fnSetupExperiment, st, err); err != nil {
		return err
	}
	st, err = s.b.EnterInitializationMode(s.h)
	if err := s.check(fnEnterInitializationMode, st, err); err != nil {
		return err
	}
	s.start, s.stop, s.time = start, stop, start
	s.state = StateInitialization
	return nil
}

func (s *slave) exitInitialization() error {
	if err := s.require("exit initialization", StateInitialization); err != nil {
		return err
	}
	st, err := s.b.ExitInitializationMode(s.h)
	if err := s.check(fnExitInitializationMode, st, err); err != nil {
		return err
	}
	s.state = StateStepping
	return nil
}

// Terminate ends the run. Reset starts a new one.
func (s *slave) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminate()
}

func (s *slave) terminate() error {
	if err := s.require("terminate", StateInitialization, StateStepping, StateError); err != nil {
		return err
	}
	st, err := s.b.Terminate(s.h)
	if errors.Is(err, ErrAlreadyTerminated) {
		s.state = StateTerminated
		return nil
	}
	if err := s.check(fnTerminate, st, err); err != nil {
		return err
	}
	s.state = StateTerminated
	return nil
}

// Reset returns the instance to the state after instantiation.
func (s *slave) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reset()
}

func (s *slave) reset() error {
	if err := s.require("reset", StateInstantiated, StateInitialization, StateStepping, StateTerminated, StateError); err != nil {
		return err
	}
	st, err := s.b.Reset(s.h)
	if err := s.check(fnReset, st, err); err != nil {
		return err
	}
	s.state = StateInstantiated
	s.time, s.start, s.stop = 0, 0, 0
	return nil
}

// Close terminates the run if one is active and frees the instance. It is
// idempotent and does not close the FMU.
func (s *slave) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	var errs []error
	if s.state == StateInitialization || s.state == StateStepping {
		if err := s.terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.b.FreeInstance(s.h); err != nil {
		errs = append(errs, err)
	}
	s.state = StateClosed
	return errors.Join(errs...)
}

// === Variable access by name ===

var accessStates = []SlaveState{StateInstantiated, StateInitialization, StateStepping, StateTerminated, StateError}

// resolve looks up name and checks that it is stored as typ.
func (s *slave) resolve(name string, typ VariableType) (ValueReference, error) {
	v := s.md.VariableByName(name)
	if v == nil {
		return 0, fmt.Errorf("%w: %q", ErrVariableNotFound, name)
	}
	if v.Type.storageType() != typ {
		return 0, fmt.Errorf("%w: %q is %s, not %s", ErrTypeMismatch, name, v.Type, typ)
	}
	return v.ValueReference, nil
}

func readNamed[T any](s *slave, name string, typ VariableType, fn string, get func(Handle, []ValueReference) ([]T, Status, error)) (T, error) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("read "+name, accessStates...); err != nil {
		return zero, err
	}
	vr, err := s.resolve(name, typ)
	if err != nil {
		return zero, err
	}
	out, st, err := get(s.h, []ValueReference{vr})
	if err := s.check(fn, st, err); err != nil {
		return zero, err
	}
	return out[0], nil
}

func writeNamed[T any](s *slave, name string, typ VariableType, fn string, value T, set func(Handle, []ValueReference, []T) (Status, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("write "+name, accessStates...); err != nil {
		return err
	}
	vr, err := s.resolve(name, typ)
	if err != nil {
		return err
	}
	st, err := set(s.h, []ValueReference{vr}, []T{value})
	return s.check(fn, st, err)
}

func readBatch[T any](s *slave, vrs []ValueReference, fn string, get func(Handle, []ValueReference) ([]T, Status, error)) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(fn, accessStates...); err != nil {
		return make([]T, len(vrs)), err
	}
	out, st, err := get(s.h, vrs)
	return out, s.check(fn, st, err)
}

func writeBatch[T any](s *slave, vrs []ValueReference, values []T, fn string, set func(Handle, []ValueReference, []T) (Status, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(fn, accessStates...); err != nil {
		return err
	}
	st, err := set(s.h, vrs, values)
	return s.check(fn, st, err)
}

func (s *slave) ReadReal(name string) (float64, error) {
	return readNamed(s, name, TypeReal, fnGetReal, s.b.GetReal)
}

func (s *slave) ReadInteger(name string) (int32, error) {
	return readNamed(s, name, TypeInteger, fnGetInteger, s.b.GetInteger)
}

func (s *slave) ReadBoolean(name string) (bool, error) {
	return readNamed(s, name, TypeBoolean, fnGetBoolean, s.b.GetBoolean)
}

func (s *slave) ReadString(name string) (string, error) {
	return readNamed(s, name, TypeString, fnGetString, s.b.GetString)
}

func (s *slave) WriteReal(name string, value float64) error {
	return writeNamed(s, name, TypeReal, fnSetReal, value, s.b.SetReal)
}

func (s *slave) WriteInteger(name string, value int32) error {
	return writeNamed(s, name, TypeInteger, fnSetInteger, value, s.b.SetInteger)
}

func (s *slave) WriteBoolean(name string, value bool) error {
	return writeNamed(s, name, TypeBoolean, fnSetBoolean, value, s.b.SetBoolean)
}

func (s *slave) WriteString(name string, value string) error {
	return writeNamed(s, name, TypeString, fnSetString, value, s.b.SetString)
}

// ReadReals reads a batch of Real values. The result has one entry per
// reference.
func (s *slave) ReadReals(vrs []ValueReference) ([]float64, error) {
	return readBatch(s, vrs, fnGetReal, s.b.GetReal)
}

func (s *slave) ReadIntegers(vrs []ValueReference) ([]int32, error) {
	return readBatch(s, vrs, fnGetInteger, s.b.GetInteger)
}

func (s *slave) ReadBooleans(vrs []ValueReference) ([]bool, error) {
	return readBatch(s, vrs, fnGetBoolean, s.b.GetBoolean)
}

func (s *slave) ReadStrings(vrs []ValueReference) ([]string, error) {
	return readBatch(s, vrs, fnGetString, s.b.GetString)
}

func (s *slave) WriteReals(vrs []ValueReference, values []float64) error {
	return writeBatch(s, vrs, values, fnSetReal, s.b.SetReal)
}

func (s *slave) WriteIntegers(vrs []ValueReference, values []int32) error {
	return writeBatch(s, vrs, values, fnSetInteger, s.b.SetInteger)
}

func (s *slave) WriteBooleans(vrs []ValueReference, values []bool) error {
	return writeBatch(s, vrs, values, fnSetBoolean, s.b.SetBoolean)
}

func (s *slave) WriteStrings(vrs []ValueReference, values []string) error {
	return writeBatch(s, vrs, values, fnSetString, s.b.SetString)
}

// WriteStart writes value to the named variable, converting it to the
// variable's storage type. Accepted Go types are float64, int, int32, int64,
// bool and string; a string is parsed according to the variable's type, so
// "1" sets a Real to 1.0 and a Boolean to true.
func (s *slave) WriteStart(name string, value any) error {
	v := s.md.VariableByName(name)
	if v == nil {
		return fmt.Errorf("%w: %q", ErrVariableNotFound, name)
	}
	typ := v.Type.storageType()
	if raw, ok := value.(string); ok && typ != TypeString {
		parsed, err := parseStart(typ, raw)
		if err != nil {
			return fmt.Errorf("%w: %s variable %q: %v", ErrTypeMismatch, v.Type, name, err)
		}
		value = parsed
	}
	switch typ {
	case TypeReal:
		switch x := value.(type) {
		case float64:
			return s.WriteReal(name, x)
		case int:
			return s.WriteReal(name, float64(x))
		case int64:
			return s.WriteReal(name, float64(x))
		}
	case TypeInteger:
		switch x := value.(type) {
		case int32:
			return s.WriteInteger(name, x)
		case int:
			return s.WriteInteger(name, int32(x))
		case int64:
			return s.WriteInteger(name, int32(x))
		case float64:
			if x == float64(int32(x)) {
				return s.WriteInteger(name, int32(x))
			}
		}
	case TypeBoolean:
		if x, ok := value.(bool); ok {
			return s.WriteBoolean(name, x)
		}
	case TypeString:
		if x, ok := value.(string); ok {
			return s.WriteString(name, x)
		}
	}
	return fmt.Errorf("%w: cannot write %T to %s variable %q", ErrTypeMismatch, value, v.Type, name)
}

// parseStart converts a textual start value to the Go type WriteStart
// expects for storage type typ.
func parseStart(typ VariableType, raw string) (any, error) {
	switch typ {
	case TypeReal:
		return strconv.ParseFloat(raw, 64)
	case TypeInteger:
		n, err := strconv.ParseInt(raw, 10, 32)
		return int32(n), err
	case TypeBoolean:
		return strconv.ParseBool(raw)
	}
	return raw, nil
}

// === FMU state ===

func (s *slave) interfaceAttributes() *InterfaceAttributes {
	ia, _ := s.md.Interface(s.kind)
	return ia
}

// GetFMUState snapshots the instance. The state must be released with
// FreeFMUState.
func (s *slave) GetFMUState() (FMUState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ia := s.interfaceAttributes(); ia == nil || !ia.CanGetAndSetFMUState {
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, fnGetFMUState)
	}
	if err := s.require("get FMU state", accessStates...); err != nil {
		return 0, err
	}
	st, status, err := s.b.GetFMUState(s.h)
	return st, s.check(fnGetFMUState, status, err)
}

// SetFMUState restores a snapshot taken with GetFMUState. The simulation
// time is not part of the snapshot and is left unchanged.
func (s *slave) SetFMUState(st FMUState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("set FMU state", accessStates...); err != nil {
		return err
	}
	status, err := s.b.SetFMUState(s.h, st)
	return s.check(fnSetFMUState, status, err)
}

func (s *slave) FreeFMUState(st FMUState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("free FMU state", accessStates...); err != nil {
		return err
	}
	status, err := s.b.FreeFMUState(s.h, st)
	return s.check(fnFreeFMUState, status, err)
}

func (s *slave) SerializeFMUState(st FMUState) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ia := s.interfaceAttributes(); ia == nil || !ia.CanSerializeFMUState {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, fnSerializeFMUState)
	}
	if err := s.require("serialize FMU state", accessStates...); err != nil {
		return nil, err
	}
	data, status, err := s.b.SerializeFMUState(s.h, st)
	return data, s.check(fnSerializeFMUState, status, err)
}

func (s *slave) DeserializeFMUState(data []byte) (FMUState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ia := s.interfaceAttributes(); ia == nil || !ia.CanSerializeFMUState {
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, fnDeSerializeFMUState)
	}
	if err := s.require("deserialize FMU state", accessStates...); err != nil {
		return 0, err
	}
	st, status, err := s.b.DeserializeFMUState(s.h, data)
	return st, s.check(fnDeSerializeFMUState, status, err)
}

// CoSimulationSlave drives a co-simulation instance through its lifecycle.
//
// A CoSimulationSlave is safe for concurrent use; its calls are serialized.
type CoSimulationSlave struct {
	*slave
	attrs CoSimulationAttributes
}

// NewCoSimulationSlave instantiates the co-simulation variant of fmu. It
// returns ErrCapabilityMissing when the FMU has no co-simulation interface.
func NewCoSimulationSlave(fmu *FMU, opts ...SlaveOption) (*CoSimulationSlave, error) {
	if !fmu.ModelDescription().SupportsCoSimulation() {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, CoSimulation)
	}
	b, err := fmu.Binding(CoSimulation)
	if err != nil {
		return nil, err
	}
	return newCoSimulationSlave(b, fmu.ModelDescription(), fmu.ResourceLocation(), opts...)
}

func newCoSimulationSlave(b *Binding, md *ModelDescription, resourceLocation string, opts ...SlaveOption) (*CoSimulationSlave, error) {
	cs, ok := md.AsCoSimulation()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, CoSimulation)
	}
	s, err := newSlave(b, md, CoSimulation, resourceLocation, buildSlaveOptions(md, CoSimulation, opts))
	if err != nil {
		return nil, err
	}
	return &CoSimulationSlave{slave: s, attrs: cs.CoSimulationAttributes}, nil
}

// Attributes returns the CoSimulation element attributes.
func (s *CoSimulationSlave) Attributes() CoSimulationAttributes { return s.attrs }

// Setup runs setupExperiment, enters and exits initialization mode. A stop
// time <= start is passed as undefined, as is a tolerance <= 0.
func (s *CoSimulationSlave) Setup(start, stop, tolerance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setup(start, stop, tolerance); err != nil {
		return err
	}
	return s.exitInitialization()
}

// EnterInitialization runs setupExperiment and enters initialization mode,
// leaving the caller to set initial values before ExitInitialization.
func (s *CoSimulationSlave) EnterInitialization(start, stop, tolerance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setup(start, stop, tolerance)
}

func (s *CoSimulationSlave) ExitInitialization() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitInitialization()
}

// DoStep advances the simulation by dt. On Discard the simulation time is
// moved to the last successful time the FMU reports, and the FMU's
// Terminated status is checked; a terminated FMU moves the slave to
// StateTerminated and the error wraps both ErrStepDiscarded and
// ErrTerminated.
func (s *CoSimulationSlave) DoStep(dt float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("step", StateStepping); err != nil {
		return err
	}
	if dt <= 0 {
		return fmt.Errorf("fmi: step size must be positive, got %g", dt)
	}

	st, err := s.b.DoStep(s.h, s.time, dt, true)
	if err != nil {
		return err
	}
	switch st {
	case StatusOK, StatusWarning:
		_ = s.check(fnDoStep, st, nil)
		s.time += dt
		return nil
	case StatusDiscard:
		return s.discarded()
	case StatusPending:
		if s.b.Has(fnCancelStep) {
			cst, err := s.b.CancelStep(s.h)
			if err := s.check(fnCancelStep, cst, err); err != nil {
				return err
			}
		}
		return fmt.Errorf("%w: %s", ErrStepPending, fnDoStep)
	}
	return s.check(fnDoStep, st, nil)
}

func (s *CoSimulationSlave) discarded() error {
	if s.b.Has(fnGetRealStatus) {
		if t, st, err := s.b.GetRealStatus(s.h, LastSuccessfulTime); err == nil && st.Succeeded() {
			s.time = t
		}
	}
	if s.b.Has(fnGetBooleanStatus) {
		if term, st, err := s.b.GetBooleanStatus(s.h, Terminated); err == nil && st.Succeeded() && term {
			Logger().Info("FMU terminated the simulation", zap.String("instance", s.name), zap.Float64("time", s.time))
			if err := s.terminate(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %w", ErrStepDiscarded, ErrTerminated)
		}
	}
	return fmt.Errorf("%w: %s at t=%g", ErrStepDiscarded, fnDoStep, s.time)
}

// SetInputDerivatives sets derivatives of the given order for Real inputs,
// used by FMUs that can interpolate inputs.
func (s *CoSimulationSlave) SetInputDerivatives(vrs []ValueReference, orders []int32, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("set input derivatives", StateInitialization, StateStepping); err != nil {
		return err
	}
	st, err := s.b.SetRealInputDerivatives(s.h, vrs, orders, values)
	return s.check(fnSetRealInputDerivatives, st, err)
}

// OutputDerivatives returns derivatives of the given order for Real
// outputs, up to MaxOutputDerivativeOrder.
func (s *CoSimulationSlave) OutputDerivatives(vrs []ValueReference, orders []int32) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		if int(o) > s.attrs.MaxOutputDerivativeOrder {
			return make([]float64, len(vrs)), fmt.Errorf("%w: order %d exceeds maxOutputDerivativeOrder %d", ErrUnsupported, o, s.attrs.MaxOutputDerivativeOrder)
		}
	}
	if err := s.require("get output derivatives", StateStepping); err != nil {
		return make([]float64, len(vrs)), err
	}
	out, st, err := s.b.GetRealOutputDerivatives(s.h, vrs, orders)
	return out, s.check(fnGetRealOutputDerivatives, st, err)
}
