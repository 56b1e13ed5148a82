package fmi

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// instance is a registered fmi2Component. mu serializes every call on it.
type instance struct {
	mu         sync.Mutex
	c          Component
	name       string
	kind       Kind
	terminated bool
	freed      bool
}

// Binding exposes a Library through instance handles.
//
// Component pointers never leave the Binding: Instantiate registers them and
// returns a Handle, every other call resolves the handle first. Calls on the
// same handle are serialized; calls on distinct handles may run in parallel
// when the Library allows it.
//
// Functions return the engine Status as data. The error result is reserved
// for misuse of the binding: an invalid handle, an unexported function, a
// status code outside 0..5, or a length mismatch.
type Binding struct {
	lib       Library
	instances *registry[*instance]

	// mu is held for reading across fmi2Instantiate and for writing while
	// Close marks the binding closed.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewBinding wraps lib. The Binding owns lib and closes it in Close.
func NewBinding(lib Library) *Binding {
	return &Binding{
		lib:       lib,
		instances: newRegistry[*instance](),
	}
}

// Library returns the wrapped library.
func (b *Binding) Library() Library { return b.lib }

// Has reports whether the FMU exports fn.
func (b *Binding) Has(fn string) bool { return b.lib.Has(fn) }

// Version returns fmi2GetVersion, e.g. "2.0".
func (b *Binding) Version() string { return b.lib.Version() }

// TypesPlatform returns fmi2GetTypesPlatform, normally "default".
func (b *Binding) TypesPlatform() string { return b.lib.TypesPlatform() }

// Len returns the number of live instances.
func (b *Binding) Len() int { return b.instances.len() }

// Instantiate creates a new instance. A successful call never returns
// Handle 0. After Close it returns ErrClosed without reaching the engine.
func (b *Binding) Instantiate(name string, kind Kind, guid, resourceLocation string, visible, loggingOn bool) (Handle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	c := b.lib.Instantiate(name, kind, guid, resourceLocation, visible, loggingOn)
	if c == 0 {
		return 0, fmt.Errorf("%w: %s (%s)", ErrInstantiateFailed, name, kind)
	}
	h, err := b.instances.insert(&instance{c: c, name: name, kind: kind})
	if err != nil {
		b.lib.FreeInstance(c)
		return 0, err
	}
	Logger().Debug("instantiated FMU",
		zap.String("instance", name),
		zap.Stringer("kind", kind),
		zap.Stringer("handle", h))
	return h, nil
}

// acquire resolves h and locks its instance. The caller must call the
// returned unlock function.
func (b *Binding) acquire(h Handle) (*instance, func(), error) {
	inst, ok := b.instances.get(h)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	inst.mu.Lock()
	if inst.freed {
		inst.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	return inst, inst.mu.Unlock, nil
}

// call runs fn on the instance behind h and validates the status code.
func (b *Binding) call(h Handle, name string, fn func(c Component) int32) (Status, error) {
	inst, unlock, err := b.acquire(h)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return b.invoke(inst, name, fn)
}

// invoke must be called with inst.mu held.
func (b *Binding) invoke(inst *instance, name string, fn func(c Component) int32) (Status, error) {
	if !b.lib.Has(name) {
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
	return statusOf(name, fn(inst.c))
}

// InstanceName returns the name h was instantiated with.
func (b *Binding) InstanceName(h Handle) (string, error) {
	inst, unlock, err := b.acquire(h)
	if err != nil {
		return "", err
	}
	defer unlock()
	return inst.name, nil
}

// SetDebugLogging enables or disables FMU logging for the given categories.
// No categories means all of them.
func (b *Binding) SetDebugLogging(h Handle, loggingOn bool, categories ...string) (Status, error) {
	return b.call(h, fnSetDebugLogging, func(c Component) int32 {
		return b.lib.SetDebugLogging(c, loggingOn, categories)
	})
}

// SetupExperiment informs the instance about the simulation run.
func (b *Binding) SetupExperiment(h Handle, toleranceDefined bool, tolerance, startTime float64, stopTimeDefined bool, stopTime float64) (Status, error) {
	return b.call(h, fnSetupExperiment, func(c Component) int32 {
		return b.lib.SetupExperiment(c, toleranceDefined, tolerance, startTime, stopTimeDefined, stopTime)
	})
}

func (b *Binding) EnterInitializationMode(h Handle) (Status, error) {
	return b.call(h, fnEnterInitializationMode, b.lib.EnterInitializationMode)
}

func (b *Binding) ExitInitializationMode(h Handle) (Status, error) {
	return b.call(h, fnExitInitializationMode, b.lib.ExitInitializationMode)
}

// Terminate ends the simulation run. It can be issued once per run: a
// second call returns ErrAlreadyTerminated without reaching the engine.
// Reset starts a new run.
func (b *Binding) Terminate(h Handle) (Status, error) {
	inst, unlock, err := b.acquire(h)
	if err != nil {
		return 0, err
	}
	defer unlock()
	if inst.terminated {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyTerminated, inst.name)
	}
	s, err := b.invoke(inst, fnTerminate, b.lib.Terminate)
	if err == nil && s.Succeeded() {
		inst.terminated = true
	}
	return s, err
}

// Reset returns the instance to the state after Instantiate.
func (b *Binding) Reset(h Handle) (Status, error) {
	inst, unlock, err := b.acquire(h)
	if err != nil {
		return 0, err
	}
	defer unlock()
	s, err := b.invoke(inst, fnReset, b.lib.Reset)
	if err == nil && s.Succeeded() {
		inst.terminated = false
	}
	return s, err
}

// FreeInstance releases the instance. The handle is removed from the
// registry before fmi2FreeInstance runs, so the engine sees exactly one free
// per instance; later calls with h return ErrInvalidHandle.
func (b *Binding) FreeInstance(h Handle) error {
	inst, ok := b.instances.remove(h)
	if !ok {
		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.freed = true
	b.lib.FreeInstance(inst.c)
	Logger().Debug("freed FMU instance", zap.String("instance", inst.name), zap.Stringer("handle", h))
	return nil
}

// === Variable access ===
//
// Batch getters return a slice with one element per value reference, also
// when vrs is empty. An empty batch does not reach the engine.

func (b *Binding) GetReal(h Handle, vrs []ValueReference) ([]float64, Status, error) {
	return batchGet(b, h, fnGetReal, vrs, b.lib.GetReal)
}

func (b *Binding) GetInteger(h Handle, vrs []ValueReference) ([]int32, Status, error) {
	return batchGet(b, h, fnGetInteger, vrs, b.lib.GetInteger)
}

func (b *Binding) GetBoolean(h Handle, vrs []ValueReference) ([]bool, Status, error) {
	return batchGet(b, h, fnGetBoolean, vrs, b.lib.GetBoolean)
}

func (b *Binding) GetString(h Handle, vrs []ValueReference) ([]string, Status, error) {
	return batchGet(b, h, fnGetString, vrs, b.lib.GetString)
}

func (b *Binding) SetReal(h Handle, vrs []ValueReference, values []float64) (Status, error) {
	return batchSet(b, h, fnSetReal, vrs, values, b.lib.SetReal)
}

func (b *Binding) SetInteger(h Handle, vrs []ValueReference, values []int32) (Status, error) {
	return batchSet(b, h, fnSetInteger, vrs, values, b.lib.SetInteger)
}

func (b *Binding) SetBoolean(h Handle, vrs []ValueReference, values []bool) (Status, error) {
	return batchSet(b, h, fnSetBoolean, vrs, values, b.lib.SetBoolean)
}

func (b *Binding) SetString(h Handle, vrs []ValueReference, values []string) (Status, error) {
	return batchSet(b, h, fnSetString, vrs, values, b.lib.SetString)
}

func batchGet[T any](b *Binding, h Handle, name string, vrs []ValueReference, get func(Component, []ValueReference, []T) int32) ([]T, Status, error) {
	out := make([]T, len(vrs))
	inst, unlock, err := b.acquire(h)
	if err != nil {
		return out, 0, err
	}
	defer unlock()
	if len(vrs) == 0 {
		return out, StatusOK, nil
	}
	s, err := b.invoke(inst, name, func(c Component) int32 { return get(c, vrs, out) })
	return out, s, err
}

func batchSet[T any](b *Binding, h Handle, name string, vrs []ValueReference, values []T, set func(Component, []ValueReference, []T) int32) (Status, error) {
	if len(vrs) != len(values) {
		return 0, fmt.Errorf("%w: %s with %d references and %d values", ErrLengthMismatch, name, len(vrs), len(values))
	}
	inst, unlock, err := b.acquire(h)
	if err != nil {
		return 0, err
	}
	defer unlock()
	if len(vrs) == 0 {
		return StatusOK, nil
	}
	return b.invoke(inst, name, func(c Component) int32 { return set(c, vrs, values) })
}

// GetRealScalar reads a single Real.
func (b *Binding) GetRealScalar(h Handle, vr ValueReference) (float64, Status, error) {
	v, s, err := b.GetReal(h, []ValueReference{vr})
	return v[0], s, err
}

// GetIntegerScalar reads a single Integer.
func (b *Binding) GetIntegerScalar(h Handle, vr ValueReference) (int32, Status, error) {
	v, s, err := b.GetInteger(h, []ValueReference{vr})
	return v[0], s, err
}

// GetBooleanScalar reads a single Boolean.
func (b *Binding) GetBooleanScalar(h Handle, vr ValueReference) (bool, Status, error) {
	v, s, err := b.GetBoolean(h, []ValueReference{vr})
	return v[0], s, err
}

// GetStringScalar reads a single String.
func (b *Binding) GetStringScalar(h Handle, vr ValueReference) (string, Status, error) {
	v, s, err := b.GetString(h, []ValueReference{vr})
	return v[0], s, err
}

// === FMU state ===

func (b *Binding) GetFMUState(h Handle) (FMUState, Status, error) {
	var st FMUState
	s, err := b.call(h, fnGetFMUState, func(c Component) int32 {
		var code int32
		st, code = b.lib.GetFMUState(c)
		return code
	})
	return st, s, err
}

func (b *Binding) SetFMUState(h Handle, st FMUState) (Status, error) {
	return b.call(h, fnSetFMUState, func(c Component) int32 { return b.lib.SetFMUState(c, st) })
}

func (b *Binding) FreeFMUState(h Handle, st FMUState) (Status, error) {
	return b.call(h, fnFreeFMUState, func(c Component) int32 { return b.lib.FreeFMUState(c, st) })
}

// SerializeFMUState returns the serialized form of st.
func (b *Binding) SerializeFMUState(h Handle, st FMUState) ([]byte, Status, error) {
	var data []byte
	if !b.lib.Has(fnSerializedFMUStateSize) {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupported, fnSerializedFMUStateSize)
	}
	s, err := b.call(h, fnSerializeFMUState, func(c Component) int32 {
		var code int32
		data, code = b.lib.SerializeFMUState(c, st)
		return code
	})
	return data, s, err
}

// DeserializeFMUState restores a state from data. The returned state must
// be released with FreeFMUState.
func (b *Binding) DeserializeFMUState(h Handle, data []byte) (FMUState, Status, error) {
	var st FMUState
	s, err := b.call(h, fnDeSerializeFMUState, func(c Component) int32 {
		var code int32
		st, code = b.lib.DeserializeFMUState(c, data)
		return code
	})
	return st, s, err
}

// GetDirectionalDerivative computes the partial derivatives of unknown with
// respect to known, seeded with dvKnown.
func (b *Binding) GetDirectionalDerivative(h Handle, unknown, known []ValueReference, dvKnown []float64) ([]float64, Status, error) {
	out := make([]float64, len(unknown))
	if len(known) != len(dvKnown) {
		return out, 0, fmt.Errorf("%w: %s with %d references and %d seeds", ErrLengthMismatch, fnGetDirectionalDerivative, len(known), len(dvKnown))
	}
	s, err := b.call(h, fnGetDirectionalDerivative, func(c Component) int32 {
		return b.lib.GetDirectionalDerivative(c, unknown, known, dvKnown, out)
	})
	return out, s, err
}

// === Co-simulation ===

func (b *Binding) SetRealInputDerivatives(h Handle, vrs []ValueReference, orders []int32, values []float64) (Status, error) {
	if len(vrs) != len(orders) || len(vrs) != len(values) {
		return 0, fmt.Errorf("%w: %s", ErrLengthMismatch, fnSetRealInputDerivatives)
	}
	return b.call(h, fnSetRealInputDerivatives, func(c Component) int32 {
		return b.lib.SetRealInputDerivatives(c, vrs, orders, values)
	})
}

func (b *Binding) GetRealOutputDerivatives(h Handle, vrs []ValueReference, orders []int32) ([]float64, Status, error) {
	out := make([]float64, len(vrs))
	if len(vrs) != len(orders) {
		return out, 0, fmt.Errorf("%w: %s", ErrLengthMismatch, fnGetRealOutputDerivatives)
	}
	s, err := b.call(h, fnGetRealOutputDerivatives, func(c Component) int32 {
		return b.lib.GetRealOutputDerivatives(c, vrs, orders, out)
	})
	return out, s, err
}

// DoStep advances a co-simulation instance from currentTime by stepSize.
func (b *Binding) DoStep(h Handle, currentTime, stepSize float64, noSetFMUStatePriorToCurrentPoint bool) (Status, error) {
	return b.call(h, fnDoStep, func(c Component) int32 {
		return b.lib.DoStep(c, currentTime, stepSize, noSetFMUStatePriorToCurrentPoint)
	})
}

func (b *Binding) CancelStep(h Handle) (Status, error) {
	return b.call(h, fnCancelStep, b.lib.CancelStep)
}

// GetStatus queries a status value; kind is DoStepStatus or PendingStatus.
func (b *Binding) GetStatus(h Handle, kind StatusKind) (Status, Status, error) {
	var v Status
	s, err := b.call(h, fnGetStatus, func(c Component) int32 {
		var code int32
		v, code = b.lib.GetStatus(c, kind)
		return code
	})
	return v, s, err
}

// GetRealStatus queries LastSuccessfulTime.
func (b *Binding) GetRealStatus(h Handle, kind StatusKind) (float64, Status, error) {
	var v float64
	s, err := b.call(h, fnGetRealStatus, func(c Component) int32 {
		var code int32
		v, code = b.lib.GetRealStatus(c, kind)
		return code
	})
	return v, s, err
}

// GetBooleanStatus queries Terminated.
func (b *Binding) GetBooleanStatus(h Handle, kind StatusKind) (bool, Status, error) {
	var v bool
	s, err := b.call(h, fnGetBooleanStatus, func(c Component) int32 {
		var code int32
		v, code = b.lib.GetBooleanStatus(c, kind)
		return code
	})
	return v, s, err
}

// === Model exchange ===

func (b *Binding) EnterEventMode(h Handle) (Status, error) {
	return b.call(h, fnEnterEventMode, b.lib.EnterEventMode)
}

func (b *Binding) NewDiscreteStates(h Handle) (EventInfo, Status, error) {
	var info EventInfo
	s, err := b.call(h, fnNewDiscreteStates, func(c Component) int32 {
		var code int32
		info, code = b.lib.NewDiscreteStates(c)
		return code
	})
	return info, s, err
}

func (b *Binding) EnterContinuousTimeMode(h Handle) (Status, error) {
	return b.call(h, fnEnterContinuousTimeMode, b.lib.EnterContinuousTimeMode)
}

// CompletedIntegratorStep reports whether the integrator must enter event
// mode or the simulation should stop.
func (b *Binding) CompletedIntegratorStep(h Handle, noSetFMUStatePriorToCurrentPoint bool) (enterEventMode, terminateSimulation bool, status Status, err error) {
	status, err = b.call(h, fnCompletedIntegratorStep, func(c Component) int32 {
		var code int32
		enterEventMode, terminateSimulation, code = b.lib.CompletedIntegratorStep(c, noSetFMUStatePriorToCurrentPoint)
		return code
	})
	return enterEventMode, terminateSimulation, status, err
}

func (b *Binding) SetTime(h Handle, t float64) (Status, error) {
	return b.call(h, fnSetTime, func(c Component) int32 { return b.lib.SetTime(c, t) })
}

func (b *Binding) SetContinuousStates(h Handle, x []float64) (Status, error) {
	return b.call(h, fnSetContinuousStates, func(c Component) int32 { return b.lib.SetContinuousStates(c, x) })
}

// GetDerivatives fills dx, which must hold one entry per continuous state.
func (b *Binding) GetDerivatives(h Handle, dx []float64) (Status, error) {
	return b.call(h, fnGetDerivatives, func(c Component) int32 { return b.lib.GetDerivatives(c, dx) })
}

// GetEventIndicators fills z, which must hold one entry per event indicator.
func (b *Binding) GetEventIndicators(h Handle, z []float64) (Status, error) {
	return b.call(h, fnGetEventIndicators, func(c Component) int32 { return b.lib.GetEventIndicators(c, z) })
}

func (b *Binding) GetContinuousStates(h Handle, x []float64) (Status, error) {
	return b.call(h, fnGetContinuousStates, func(c Component) int32 { return b.lib.GetContinuousStates(c, x) })
}

func (b *Binding) GetNominalsOfContinuousStates(h Handle, nominals []float64) (Status, error) {
	return b.call(h, fnGetNominalsOfContinuousStates, func(c Component) int32 {
		return b.lib.GetNominalsOfContinuousStates(c, nominals)
	})
}

// Close frees every live instance and closes the library. It is idempotent.
func (b *Binding) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		for _, h := range b.instances.close() {
			_ = b.FreeInstance(h)
		}
		b.closeErr = b.lib.Close()
	})
	return b.closeErr
}
