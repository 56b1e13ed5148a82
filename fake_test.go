package fmi

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// Value references of the bouncing ball in testdata/BouncingBall.
const (
	vrH     ValueReference = 0
	vrDerH  ValueReference = 1
	vrV     ValueReference = 2
	vrDerV  ValueReference = 3
	vrG     ValueReference = 4
	vrE     ValueReference = 5
	vrKick  ValueReference = 6
	vrCount ValueReference = 0 // Integer bounces
	vrMode  ValueReference = 1 // Enumeration mode
	vrRest  ValueReference = 0 // Boolean resting
	vrLabel ValueReference = 0 // String label
)

const fakeSubstep = 1e-3

// fakeLibrary is an in-memory Library simulating a bouncing ball. Its
// exported fields are knobs for failure cases; set them before use.
type fakeLibrary struct {
	// missing lists functions reported as not exported.
	missing map[string]bool
	// status overrides the code returned by the named function.
	status map[string]int32
	// failInstantiate makes Instantiate return NULL.
	failInstantiate bool
	// discardAfter makes DoStep discard steps ending after this time.
	discardAfter float64
	// terminateOnDiscard makes GetBooleanStatus(Terminated) report true
	// after a discard.
	terminateOnDiscard bool
	// timeEvents are reported one at a time through NewDiscreteStates.
	timeEvents []float64
	// terminateAt makes CompletedIntegratorStep request termination.
	terminateAt float64

	mu        sync.Mutex
	next      Component
	instances map[Component]*fakeInstance
	freed     map[Component]int
	calls     map[string]int
	closed    int
}

type fakeInstance struct {
	name             string
	kind             Kind
	guid             string
	resourceLocation string
	loggingOn        bool
	categories       []string

	setupStart, setupStop float64
	stopDefined           bool

	fakeSnapshot
	lastSuccessful float64
	discarded      bool
	terminated     int
	eventTimes     []float64
	pendingEvents  []float64

	states    map[FMUState]fakeSnapshot
	nextState FMUState
}

type fakeSnapshot struct {
	Time    float64
	Reals   [7]float64
	Bounces int32
	Mode    int32
	Resting bool
	Label   string
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		missing:   map[string]bool{},
		status:    map[string]int32{},
		instances: map[Component]*fakeInstance{},
		freed:     map[Component]int{},
		calls:     map[string]int{},
	}
}

// enter records a call and returns the instance and the status override,
// if any.
func (l *fakeLibrary) enter(fn string, c Component) (*fakeInstance, int32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[fn]++
	code, ok := l.status[fn]
	return l.instances[c], code, ok
}

func (l *fakeLibrary) callCount(fn string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[fn]
}

func (l *fakeLibrary) freeCount(c Component) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freed[c]
}

func (l *fakeLibrary) instance(c Component) *fakeInstance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.instances[c]
}

func (l *fakeLibrary) Has(symbol string) bool { return !l.missing[symbol] }
func (l *fakeLibrary) Version() string        { return "2.0" }
func (l *fakeLibrary) TypesPlatform() string  { return "default" }

func (l *fakeLibrary) Instantiate(name string, kind Kind, guid, resourceLocation string, visible, loggingOn bool) Component {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[fnInstantiate]++
	if l.failInstantiate {
		return 0
	}
	l.next++
	inst := &fakeInstance{
		name:             name,
		kind:             kind,
		guid:             guid,
		resourceLocation: resourceLocation,
		loggingOn:        loggingOn,
		states:           map[FMUState]fakeSnapshot{},
	}
	inst.init()
	l.instances[l.next] = inst
	return l.next
}

func (i *fakeInstance) init() {
	i.fakeSnapshot = fakeSnapshot{Mode: 1, Label: "ball"}
	i.Reals[vrH] = 1
	i.Reals[vrG] = 9.81
	i.Reals[vrE] = 0.7
	i.derivatives()
}

func (i *fakeInstance) derivatives() {
	i.Reals[vrDerH] = i.Reals[vrV]
	i.Reals[vrDerV] = -i.Reals[vrG]
	if i.Resting {
		i.Reals[vrDerH], i.Reals[vrDerV] = 0, 0
	}
}

// bounce reflects the ball off the ground. It reports whether the state
// changed.
func (i *fakeInstance) bounce() bool {
	if i.Reals[vrH] > 0 || i.Reals[vrV] >= 0 {
		return false
	}
	i.Reals[vrH] = math.SmallestNonzeroFloat64
	i.Reals[vrV] = -i.Reals[vrE] * i.Reals[vrV]
	i.Bounces++
	if i.Reals[vrV] < 0.1 {
		i.Reals[vrV] = 0
		i.Resting = true
		i.Mode = 2
	}
	i.derivatives()
	return true
}

// advance integrates the co-simulation model exactly over dt, bouncing at
// substep boundaries.
func (i *fakeInstance) advance(dt float64) {
	end := i.Time + dt
	for end-i.Time > 1e-12 {
		h := math.Min(fakeSubstep, end-i.Time)
		if !i.Resting {
			v := i.Reals[vrV]
			i.Reals[vrH] += v*h - 0.5*i.Reals[vrG]*h*h
			i.Reals[vrV] = v - i.Reals[vrG]*h
			i.bounce()
		}
		i.Time += h
	}
	i.Time = end
	i.derivatives()
}

func (l *fakeLibrary) FreeInstance(c Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[fnFreeInstance]++
	l.freed[c]++
}

func (l *fakeLibrary) SetDebugLogging(c Component, loggingOn bool, categories []string) int32 {
	inst, code, ok := l.enter(fnSetDebugLogging, c)
	if ok {
		return code
	}
	inst.loggingOn = loggingOn
	inst.categories = append([]string(nil), categories...)
	return 0
}

func (l *fakeLibrary) SetupExperiment(c Component, toleranceDefined bool, tolerance, startTime float64, stopTimeDefined bool, stopTime float64) int32 {
	inst, code, ok := l.enter(fnSetupExperiment, c)
	if ok {
		return code
	}
	inst.setupStart, inst.setupStop, inst.stopDefined = startTime, stopTime, stopTimeDefined
	inst.Time = startTime
	return 0
}

func (l *fakeLibrary) simple(fn string, c Component) int32 {
	_, code, ok := l.enter(fn, c)
	if ok {
		return code
	}
	return 0
}

func (l *fakeLibrary) EnterInitializationMode(c Component) int32 {
	return l.simple(fnEnterInitializationMode, c)
}

func (l *fakeLibrary) ExitInitializationMode(c Component) int32 {
	inst, code, ok := l.enter(fnExitInitializationMode, c)
	if ok {
		return code
	}
	inst.pendingEvents = append([]float64(nil), l.timeEvents...)
	return 0
}

func (l *fakeLibrary) Terminate(c Component) int32 {
	inst, code, ok := l.enter(fnTerminate, c)
	if ok {
		return code
	}
	inst.terminated++
	return 0
}

func (l *fakeLibrary) Reset(c Component) int32 {
	inst, code, ok := l.enter(fnReset, c)
	if ok {
		return code
	}
	inst.init()
	inst.discarded = false
	return 0
}

func (l *fakeLibrary) GetReal(c Component, vrs []ValueReference, out []float64) int32 {
	inst, code, ok := l.enter(fnGetReal, c)
	if ok {
		return code
	}
	for i, vr := range vrs {
		if int(vr) >= len(inst.Reals) {
			return int32(StatusError)
		}
		out[i] = inst.Reals[vr]
	}
	return 0
}

func (l *fakeLibrary) GetInteger(c Component, vrs []ValueReference, out []int32) int32 {
	inst, code, ok := l.enter(fnGetInteger, c)
	if ok {
		return code
	}
	for i, vr := range vrs {
		switch vr {
		case vrCount:
			out[i] = inst.Bounces
		case vrMode:
			out[i] = inst.Mode
		default:
			return int32(StatusError)
		}
	}
	return 0
}

func (l *fakeLibrary) GetBoolean(c Component, vrs []ValueReference, out []bool) int32 {
	inst, code, ok := l.enter(fnGetBoolean, c)
	if ok {
		return code
	}
	for i, vr := range vrs {
		if vr != vrRest {
			return int32(StatusError)
		}
		out[i] = inst.Resting
	}
	return 0
}

func (l *fakeLibrary) GetString(c Component, vrs []ValueReference, out []string) int32 {
	inst, code, ok := l.enter(fnGetString, c)
	if ok {
		return code
	}
	for i, vr := range vrs {
		if vr != vrLabel {
			return int32(StatusError)
		}
		out[i] = inst.Label
	}
	return 0
}

func (l *fakeLibrary) SetReal(c Component, vrs []ValueReference, values []float64) int32 {
	inst, code, ok := l.enter(fnSetReal, c)
	if ok {
		return code
	}
	for i, vr := range vrs {
		switch vr {
		case vrH, vrV, vrG, vrE, vrKick:
			inst.Reals[vr] = values[i]
		default:
			return int32(StatusError)
		}
	}
	inst.derivatives()
	return 0
}

func (l *fakeLibrary) SetInteger(c Component, vrs []ValueReference, values []int32) int32 {
	inst, code, ok := l.enter(fnSetInteger, c)
	if ok {
		return code
	}
	for i, vr := range vrs {
		switch vr {
		case vrCount:
			inst.Bounces = values[i]
		case vrMode:
			inst.Mode = values[i]
		default:
			return int32(StatusError)
		}
	}
	return 0
}

func (l *fakeLibrary) SetBoolean(c Component, vrs []ValueReference, values []bool) int32 {
	inst, code, ok := l.enter(fnSetBoolean, c)
	if ok {
		return code
	}
	for i, vr := range vrs {
		if vr != vrRest {
			return int32(StatusError)
		}
		inst.Resting = values[i]
	}
	return 0
}

func (l *fakeLibrary) SetString(c Component, vrs []ValueReference, values []string) int32 {
	inst, code, ok := l.enter(fnSetString, c)
	if ok {
		return code
	}
	for i, vr := range vrs {
		if vr != vrLabel {
			return int32(StatusError)
		}
		inst.Label = values[i]
	}
	return 0
}

func (l *fakeLibrary) GetFMUState(c Component) (FMUState, int32) {
	inst, code, ok := l.enter(fnGetFMUState, c)
	if ok {
		return 0, code
	}
	inst.nextState++
	inst.states[inst.nextState] = inst.fakeSnapshot
	return inst.nextState, 0
}

func (l *fakeLibrary) SetFMUState(c Component, s FMUState) int32 {
	inst, code, ok := l.enter(fnSetFMUState, c)
	if ok {
		return code
	}
	snap, found := inst.states[s]
	if !found {
		return int32(StatusError)
	}
	inst.fakeSnapshot = snap
	return 0
}

func (l *fakeLibrary) FreeFMUState(c Component, s FMUState) int32 {
	inst, code, ok := l.enter(fnFreeFMUState, c)
	if ok {
		return code
	}
	if _, found := inst.states[s]; !found {
		return int32(StatusError)
	}
	delete(inst.states, s)
	return 0
}

func (l *fakeLibrary) SerializeFMUState(c Component, s FMUState) ([]byte, int32) {
	inst, code, ok := l.enter(fnSerializeFMUState, c)
	if ok {
		return nil, code
	}
	snap, found := inst.states[s]
	if !found {
		return nil, int32(StatusError)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, int32(StatusError)
	}
	return data, 0
}

func (l *fakeLibrary) DeserializeFMUState(c Component, data []byte) (FMUState, int32) {
	inst, code, ok := l.enter(fnDeSerializeFMUState, c)
	if ok {
		return 0, code
	}
	var snap fakeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, int32(StatusError)
	}
	inst.nextState++
	inst.states[inst.nextState] = snap
	return inst.nextState, 0
}

// GetDirectionalDerivative knows d(der(h))/dv = 1 and nothing else.
func (l *fakeLibrary) GetDirectionalDerivative(c Component, unknown, known []ValueReference, dvKnown, dvUnknown []float64) int32 {
	_, code, ok := l.enter(fnGetDirectionalDerivative, c)
	if ok {
		return code
	}
	for i, u := range unknown {
		dvUnknown[i] = 0
		for j, k := range known {
			if u == vrDerH && k == vrV {
				dvUnknown[i] += dvKnown[j]
			}
		}
	}
	return 0
}

func (l *fakeLibrary) SetRealInputDerivatives(c Component, vrs []ValueReference, orders []int32, values []float64) int32 {
	_, code, ok := l.enter(fnSetRealInputDerivatives, c)
	if ok {
		return code
	}
	for _, vr := range vrs {
		if vr != vrKick {
			return int32(StatusError)
		}
	}
	return 0
}

// GetRealOutputDerivatives returns dh/dt and dv/dt for order 1.
func (l *fakeLibrary) GetRealOutputDerivatives(c Component, vrs []ValueReference, orders []int32, out []float64) int32 {
	inst, code, ok := l.enter(fnGetRealOutputDerivatives, c)
	if ok {
		return code
	}
	for i, vr := range vrs {
		if orders[i] != 1 {
			return int32(StatusError)
		}
		switch vr {
		case vrH:
			out[i] = inst.Reals[vrDerH]
		case vrV:
			out[i] = inst.Reals[vrDerV]
		default:
			return int32(StatusError)
		}
	}
	return 0
}

func (l *fakeLibrary) DoStep(c Component, currentTime, stepSize float64, noSetFMUStatePriorToCurrentPoint bool) int32 {
	inst, code, ok := l.enter(fnDoStep, c)
	if ok {
		return code
	}
	if l.discardAfter > 0 && currentTime+stepSize > l.discardAfter+1e-12 {
		inst.lastSuccessful = inst.Time
		inst.discarded = true
		return int32(StatusDiscard)
	}
	inst.Time = currentTime
	inst.advance(stepSize)
	inst.lastSuccessful = inst.Time
	return 0
}

func (l *fakeLibrary) CancelStep(c Component) int32 { return l.simple(fnCancelStep, c) }

func (l *fakeLibrary) GetStatus(c Component, kind StatusKind) (Status, int32) {
	_, code, ok := l.enter(fnGetStatus, c)
	if ok {
		return 0, code
	}
	return StatusOK, 0
}

func (l *fakeLibrary) GetRealStatus(c Component, kind StatusKind) (float64, int32) {
	inst, code, ok := l.enter(fnGetRealStatus, c)
	if ok {
		return 0, code
	}
	if kind != LastSuccessfulTime {
		return 0, int32(StatusDiscard)
	}
	return inst.lastSuccessful, 0
}

func (l *fakeLibrary) GetBooleanStatus(c Component, kind StatusKind) (bool, int32) {
	inst, code, ok := l.enter(fnGetBooleanStatus, c)
	if ok {
		return false, code
	}
	if kind != Terminated {
		return false, int32(StatusDiscard)
	}
	return l.terminateOnDiscard && inst.discarded, 0
}

func (l *fakeLibrary) EnterEventMode(c Component) int32 { return l.simple(fnEnterEventMode, c) }

func (l *fakeLibrary) NewDiscreteStates(c Component) (EventInfo, int32) {
	inst, code, ok := l.enter(fnNewDiscreteStates, c)
	if ok {
		return EventInfo{}, code
	}
	inst.eventTimes = append(inst.eventTimes, inst.Time)
	var info EventInfo
	info.ValuesOfContinuousStatesChanged = inst.bounce()
	for len(inst.pendingEvents) > 0 && inst.pendingEvents[0] <= inst.Time+1e-12 {
		inst.pendingEvents = inst.pendingEvents[1:]
	}
	if len(inst.pendingEvents) > 0 {
		info.NextEventTimeDefined = true
		info.NextEventTime = inst.pendingEvents[0]
	}
	return info, 0
}

func (l *fakeLibrary) EnterContinuousTimeMode(c Component) int32 {
	return l.simple(fnEnterContinuousTimeMode, c)
}

func (l *fakeLibrary) CompletedIntegratorStep(c Component, noSetFMUStatePriorToCurrentPoint bool) (bool, bool, int32) {
	inst, code, ok := l.enter(fnCompletedIntegratorStep, c)
	if ok {
		return false, false, code
	}
	terminate := l.terminateAt > 0 && inst.Time >= l.terminateAt
	return false, terminate, 0
}

func (l *fakeLibrary) SetTime(c Component, t float64) int32 {
	inst, code, ok := l.enter(fnSetTime, c)
	if ok {
		return code
	}
	inst.Time = t
	return 0
}

func (l *fakeLibrary) SetContinuousStates(c Component, x []float64) int32 {
	inst, code, ok := l.enter(fnSetContinuousStates, c)
	if ok {
		return code
	}
	if len(x) != 2 {
		return int32(StatusError)
	}
	inst.Reals[vrH], inst.Reals[vrV] = x[0], x[1]
	inst.derivatives()
	return 0
}

func (l *fakeLibrary) GetDerivatives(c Component, dx []float64) int32 {
	inst, code, ok := l.enter(fnGetDerivatives, c)
	if ok {
		return code
	}
	if len(dx) != 2 {
		return int32(StatusError)
	}
	dx[0], dx[1] = inst.Reals[vrDerH], inst.Reals[vrDerV]
	return 0
}

func (l *fakeLibrary) GetEventIndicators(c Component, z []float64) int32 {
	inst, code, ok := l.enter(fnGetEventIndicators, c)
	if ok {
		return code
	}
	if len(z) != 1 {
		return int32(StatusError)
	}
	z[0] = inst.Reals[vrH]
	return 0
}

func (l *fakeLibrary) GetContinuousStates(c Component, x []float64) int32 {
	inst, code, ok := l.enter(fnGetContinuousStates, c)
	if ok {
		return code
	}
	if len(x) != 2 {
		return int32(StatusError)
	}
	x[0], x[1] = inst.Reals[vrH], inst.Reals[vrV]
	return 0
}

func (l *fakeLibrary) GetNominalsOfContinuousStates(c Component, nominals []float64) int32 {
	_, code, ok := l.enter(fnGetNominalsOfContinuousStates, c)
	if ok {
		return code
	}
	for i := range nominals {
		nominals[i] = 1
	}
	return 0
}

func (l *fakeLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

var _ Library = (*fakeLibrary)(nil)

// === Fixtures ===

const bouncingBallDir = "testdata/BouncingBall"

// loadBouncingBall parses the bouncing ball model description.
func loadBouncingBall(t testing.TB) *ModelDescription {
	t.Helper()
	md, err := ParseModelDescriptionFile(bouncingBallDir)
	if err != nil {
		t.Fatalf("ParseModelDescriptionFile failed: %v", err)
	}
	return md
}

// writeFMUDir lays out an extracted FMU in a temp directory with the given
// model description and a placeholder wasm32 binary for every model
// identifier.
func writeFMUDir(t testing.TB, modelDescription []byte, identifiers ...string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ModelDescriptionFile), modelDescription, 0o644); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(dir, "binaries", "wasm32")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, id := range identifiers {
		if err := os.WriteFile(filepath.Join(bin, id+".wasm"), []byte("\x00asm"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "resources"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

// withFake routes binary loading to lib.
func withFake(lib *fakeLibrary) Option {
	return WithWasmLoader(func(ctx context.Context, wasm []byte, kind Kind) (Library, error) {
		return lib, nil
	})
}

// openBouncingBall opens the bouncing ball FMU backed by lib.
func openBouncingBall(t testing.TB, lib *fakeLibrary) *FMU {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(bouncingBallDir, ModelDescriptionFile))
	if err != nil {
		t.Fatal(err)
	}
	fmu, err := Open(writeFMUDir(t, data, "bouncingBall"), withFake(lib))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = fmu.Close() })
	return fmu
}

// newFakeBinding returns a Binding over a fresh fake library.
func newFakeBinding(t testing.TB) (*Binding, *fakeLibrary) {
	t.Helper()
	lib := newFakeLibrary()
	b := NewBinding(lib)
	t.Cleanup(func() { _ = b.Close() })
	return b, lib
}

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}
