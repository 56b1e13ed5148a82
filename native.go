//go:build darwin || freebsd || linux || windows

package fmi

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// host is the process-wide state every native instance shares: the libc
// allocator and the fmi2CallbackFunctions table handed to fmi2Instantiate.
// It is built once and never torn down, since an FMU may keep the callbacks
// pointer until the process exits.
type host struct {
	calloc    func(n, size uintptr) uintptr
	free      func(p uintptr)
	callbacks uintptr // fmi2CallbackFunctions in C memory
}

var (
	hostOnce sync.Once
	hostRT   *host
	hostErr  error
)

// loadHost initializes the shared host state on first use. A failure is
// cached and returned to every later caller.
func loadHost() (*host, error) {
	hostOnce.Do(func() {
		hostRT, hostErr = newHost()
	})
	return hostRT, hostErr
}

func newHost() (*host, error) {
	libc, err := openLibrary(libcPath())
	if err != nil {
		return nil, fmt.Errorf("loading libc: %w", err)
	}
	callocSym := lookupSymbol(libc, "calloc")
	freeSym := lookupSymbol(libc, "free")
	if callocSym == 0 || freeSym == 0 {
		return nil, errors.New("libc does not export calloc/free")
	}

	h := &host{}
	purego.RegisterFunc(&h.calloc, callocSym)
	purego.RegisterFunc(&h.free, freeSym)

	// logger, allocateMemory, freeMemory, stepFinished, componentEnvironment
	cb := h.calloc(5, ptrSize)
	if cb == 0 {
		return nil, errors.New("allocating callback table failed")
	}
	fields := unsafe.Slice((*uintptr)(unsafe.Pointer(cb)), 5)
	fields[0] = purego.NewCallback(fmuLogger)
	fields[1] = callocSym
	fields[2] = freeSym
	h.callbacks = cb
	return h, nil
}

// fmuLogger implements fmi2CallbackLogger. The variadic printf arguments are
// not available to Go, so the message is logged as given.
func fmuLogger(env, instanceName, status, category, message uintptr) uintptr {
	logFMUMessage(goString(instanceName), Status(int32(status)), goString(category), goString(message))
	return 0
}

// cStrings copies strs into a C array of C strings. The returned function
// releases it.
func (h *host) cStrings(strs []string) (uintptr, func(), bool) {
	if len(strs) == 0 {
		return 0, func() {}, true
	}
	arr := h.calloc(uintptr(len(strs)), ptrSize)
	if arr == 0 {
		return 0, nil, false
	}
	ptrs := unsafe.Slice((*uintptr)(unsafe.Pointer(arr)), len(strs))
	release := func() {
		for _, p := range ptrs {
			if p != 0 {
				h.free(p)
			}
		}
		h.free(arr)
	}
	for i, s := range strs {
		p := h.calloc(uintptr(len(s)+1), 1)
		if p == 0 {
			release()
			return 0, nil, false
		}
		copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), len(s)), s)
		ptrs[i] = p
	}
	return arr, release, true
}

// goString copies a NUL-terminated C string.
func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	base := unsafe.Pointer(p)
	n := 0
	for *(*byte)(unsafe.Add(base, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(base), n))
}

func slicePtr[T any](s []T) unsafe.Pointer {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Pointer(&s[0])
}

// cEventInfo has the memory layout of fmi2EventInfo.
type cEventInfo struct {
	newDiscreteStatesNeeded           int32
	terminateSimulation               int32
	nominalsOfContinuousStatesChanged int32
	valuesOfContinuousStatesChanged   int32
	nextEventTimeDefined              int32
	_                                 int32
	nextEventTime                     float64
}

type (
	cCompFn   func(c uintptr) int32
	cArrayFn  func(c uintptr, vr unsafe.Pointer, n uintptr, values unsafe.Pointer) int32
	cVectorFn func(c uintptr, x unsafe.Pointer, n uintptr) int32
)

// nativeLibrary calls into an FMU shared object through purego.
type nativeLibrary struct {
	path    string
	handle  uintptr
	host    *host
	symbols map[string]uintptr

	closeOnce sync.Once
	closeErr  error

	getTypesPlatform         func() string
	getVersion               func() string
	setDebugLogging          func(c uintptr, loggingOn int32, n uintptr, categories uintptr) int32
	instantiate              func(name string, kind int32, guid, resourceLocation string, callbacks uintptr, visible, loggingOn int32) uintptr
	freeInstance             func(c uintptr)
	setupExperiment          func(c uintptr, toleranceDefined int32, tolerance, startTime float64, stopTimeDefined int32, stopTime float64) int32
	enterInitializationMode  cCompFn
	exitInitializationMode   cCompFn
	terminate                cCompFn
	reset                    cCompFn
	getReal                  cArrayFn
	getInteger               cArrayFn
	getBoolean               cArrayFn
	getString                cArrayFn
	setReal                  cArrayFn
	setInteger               cArrayFn
	setBoolean               cArrayFn
	setString                func(c uintptr, vr unsafe.Pointer, n uintptr, values uintptr) int32
	getFMUState              func(c uintptr, state *uintptr) int32
	setFMUState              func(c, state uintptr) int32
	freeFMUState             func(c uintptr, state *uintptr) int32
	serializedFMUStateSize   func(c, state uintptr, size *uintptr) int32
	serializeFMUState        func(c, state uintptr, buf unsafe.Pointer, size uintptr) int32
	deSerializeFMUState      func(c uintptr, buf unsafe.Pointer, size uintptr, state *uintptr) int32
	getDirectionalDerivative func(c uintptr, unknown unsafe.Pointer, nUnknown uintptr, known unsafe.Pointer, nKnown uintptr, dvKnown, dvUnknown unsafe.Pointer) int32
	setRealInputDerivatives  func(c uintptr, vr unsafe.Pointer, n uintptr, orders, values unsafe.Pointer) int32
	getRealOutputDerivatives func(c uintptr, vr unsafe.Pointer, n uintptr, orders, values unsafe.Pointer) int32
	doStep                   func(c uintptr, currentTime, stepSize float64, noSetPrior int32) int32
	cancelStep               cCompFn
	getStatus                func(c uintptr, kind int32, value *int32) int32
	getRealStatus            func(c uintptr, kind int32, value *float64) int32
	getBooleanStatus         func(c uintptr, kind int32, value *int32) int32
	enterEventMode           cCompFn
	newDiscreteStates        func(c uintptr, info *cEventInfo) int32
	enterContinuousTimeMode  cCompFn
	completedIntegratorStep  func(c uintptr, noSetPrior int32, enterEventMode, terminateSimulation *int32) int32
	setTime                  func(c uintptr, t float64) int32
	setContinuousStates      cVectorFn
	getDerivatives           cVectorFn
	getEventIndicators       cVectorFn
	getContinuousStates      cVectorFn
	getNominals              cVectorFn
}

// LoadLibrary opens the FMU shared object at path and binds its fmi2
// functions. Every function FMI 2.0 requires for kind must be exported;
// optional ones are bound when present and reported by Has.
func LoadLibrary(path string, kind Kind) (Library, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLibraryNotFound, path, err)
	}
	h, err := loadHost()
	if err != nil {
		return nil, fmt.Errorf("initializing FMI host: %w", err)
	}
	handle, err := openLibrary(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	l := &nativeLibrary{
		path:    path,
		handle:  handle,
		host:    h,
		symbols: make(map[string]uintptr),
	}
	for name, fptr := range l.functions() {
		sym := lookupSymbol(handle, name)
		if sym == 0 {
			continue
		}
		purego.RegisterFunc(fptr, sym)
		l.symbols[name] = sym
	}

	if missing := missingExports(requiredExports(kind), l.Has); len(missing) > 0 {
		_ = closeLibrary(handle)
		return nil, fmt.Errorf("%w in %s: %v", ErrMissingExports, path, missing)
	}

	Logger().Debug("loaded FMU library",
		zap.String("path", path),
		zap.Stringer("kind", kind),
		zap.Int("exports", len(l.symbols)))
	return l, nil
}

func (l *nativeLibrary) functions() map[string]any {
	return map[string]any{
		fnGetTypesPlatform:              &l.getTypesPlatform,
		fnGetVersion:                    &l.getVersion,
		fnSetDebugLogging:               &l.setDebugLogging,
		fnInstantiate:                   &l.instantiate,
		fnFreeInstance:                  &l.freeInstance,
		fnSetupExperiment:               &l.setupExperiment,
		fnEnterInitializationMode:       &l.enterInitializationMode,
		fnExitInitializationMode:        &l.exitInitializationMode,
		fnTerminate:                     &l.terminate,
		fnReset:                         &l.reset,
		fnGetReal:                       &l.getReal,
		fnGetInteger:                    &l.getInteger,
		fnGetBoolean:                    &l.getBoolean,
		fnGetString:                     &l.getString,
		fnSetReal:                       &l.setReal,
		fnSetInteger:                    &l.setInteger,
		fnSetBoolean:                    &l.setBoolean,
		fnSetString:                     &l.setString,
		fnGetFMUState:                   &l.getFMUState,
		fnSetFMUState:                   &l.setFMUState,
		fnFreeFMUState:                  &l.freeFMUState,
		fnSerializedFMUStateSize:        &l.serializedFMUStateSize,
		fnSerializeFMUState:             &l.serializeFMUState,
		fnDeSerializeFMUState:           &l.deSerializeFMUState,
		fnGetDirectionalDerivative:      &l.getDirectionalDerivative,
		fnSetRealInputDerivatives:       &l.setRealInputDerivatives,
		fnGetRealOutputDerivatives:      &l.getRealOutputDerivatives,
		fnDoStep:                        &l.doStep,
		fnCancelStep:                    &l.cancelStep,
		fnGetStatus:                     &l.getStatus,
		fnGetRealStatus:                 &l.getRealStatus,
		fnGetBooleanStatus:              &l.getBooleanStatus,
		fnEnterEventMode:                &l.enterEventMode,
		fnNewDiscreteStates:             &l.newDiscreteStates,
		fnEnterContinuousTimeMode:       &l.enterContinuousTimeMode,
		fnCompletedIntegratorStep:       &l.completedIntegratorStep,
		fnSetTime:                       &l.setTime,
		fnSetContinuousStates:           &l.setContinuousStates,
		fnGetDerivatives:                &l.getDerivatives,
		fnGetEventIndicators:            &l.getEventIndicators,
		fnGetContinuousStates:           &l.getContinuousStates,
		fnGetNominalsOfContinuousStates: &l.getNominals,
	}
}

func (l *nativeLibrary) Has(symbol string) bool {
	_, ok := l.symbols[symbol]
	return ok
}

const statusError = int32(StatusError)

func (l *nativeLibrary) Version() string {
	if l.getVersion == nil {
		return ""
	}
	return l.getVersion()
}

func (l *nativeLibrary) TypesPlatform() string {
	if l.getTypesPlatform == nil {
		return ""
	}
	return l.getTypesPlatform()
}

func (l *nativeLibrary) Instantiate(name string, kind Kind, guid, resourceLocation string, visible, loggingOn bool) Component {
	if l.instantiate == nil {
		return 0
	}
	return Component(l.instantiate(name, int32(kind), guid, resourceLocation, l.host.callbacks, boolToInt(visible), boolToInt(loggingOn)))
}

func (l *nativeLibrary) FreeInstance(c Component) {
	if l.freeInstance != nil {
		l.freeInstance(uintptr(c))
	}
}

func (l *nativeLibrary) SetDebugLogging(c Component, loggingOn bool, categories []string) int32 {
	if l.setDebugLogging == nil {
		return statusError
	}
	arr, release, ok := l.host.cStrings(categories)
	if !ok {
		return statusError
	}
	defer release()
	return l.setDebugLogging(uintptr(c), boolToInt(loggingOn), uintptr(len(categories)), arr)
}

func (l *nativeLibrary) SetupExperiment(c Component, toleranceDefined bool, tolerance, startTime float64, stopTimeDefined bool, stopTime float64) int32 {
	if l.setupExperiment == nil {
		return statusError
	}
	return l.setupExperiment(uintptr(c), boolToInt(toleranceDefined), tolerance, startTime, boolToInt(stopTimeDefined), stopTime)
}

func callComp(fn cCompFn, c Component) int32 {
	if fn == nil {
		return statusError
	}
	return fn(uintptr(c))
}

func (l *nativeLibrary) EnterInitializationMode(c Component) int32 {
	return callComp(l.enterInitializationMode, c)
}

func (l *nativeLibrary) ExitInitializationMode(c Component) int32 {
	return callComp(l.exitInitializationMode, c)
}

func (l *nativeLibrary) Terminate(c Component) int32 { return callComp(l.terminate, c) }
func (l *nativeLibrary) Reset(c Component) int32     { return callComp(l.reset, c) }

func callArray[T any](fn cArrayFn, c Component, vrs []ValueReference, values []T) int32 {
	if fn == nil {
		return statusError
	}
	return fn(uintptr(c), slicePtr(vrs), uintptr(len(vrs)), slicePtr(values))
}

func (l *nativeLibrary) GetReal(c Component, vrs []ValueReference, out []float64) int32 {
	return callArray(l.getReal, c, vrs, out)
}

func (l *nativeLibrary) GetInteger(c Component, vrs []ValueReference, out []int32) int32 {
	return callArray(l.getInteger, c, vrs, out)
}

func (l *nativeLibrary) GetBoolean(c Component, vrs []ValueReference, out []bool) int32 {
	tmp := make([]int32, len(vrs))
	status := callArray(l.getBoolean, c, vrs, tmp)
	for i, v := range tmp {
		out[i] = v != 0
	}
	return status
}

func (l *nativeLibrary) GetString(c Component, vrs []ValueReference, out []string) int32 {
	tmp := make([]uintptr, len(vrs))
	status := callArray(l.getString, c, vrs, tmp)
	for i, p := range tmp {
		out[i] = goString(p)
	}
	return status
}

func (l *nativeLibrary) SetReal(c Component, vrs []ValueReference, values []float64) int32 {
	return callArray(l.setReal, c, vrs, values)
}

func (l *nativeLibrary) SetInteger(c Component, vrs []ValueReference, values []int32) int32 {
	return callArray(l.setInteger, c, vrs, values)
}

func (l *nativeLibrary) SetBoolean(c Component, vrs []ValueReference, values []bool) int32 {
	tmp := make([]int32, len(values))
	for i, v := range values {
		tmp[i] = boolToInt(v)
	}
	return callArray(l.setBoolean, c, vrs, tmp)
}

func (l *nativeLibrary) SetString(c Component, vrs []ValueReference, values []string) int32 {
	if l.setString == nil {
		return statusError
	}
	arr, release, ok := l.host.cStrings(values)
	if !ok {
		return statusError
	}
	defer release()
	return l.setString(uintptr(c), slicePtr(vrs), uintptr(len(vrs)), arr)
}

func (l *nativeLibrary) GetFMUState(c Component) (FMUState, int32) {
	if l.getFMUState == nil {
		return 0, statusError
	}
	var s uintptr
	status := l.getFMUState(uintptr(c), &s)
	return FMUState(s), status
}

func (l *nativeLibrary) SetFMUState(c Component, s FMUState) int32 {
	if l.setFMUState == nil {
		return statusError
	}
	return l.setFMUState(uintptr(c), uintptr(s))
}

func (l *nativeLibrary) FreeFMUState(c Component, s FMUState) int32 {
	if l.freeFMUState == nil {
		return statusError
	}
	p := uintptr(s)
	return l.freeFMUState(uintptr(c), &p)
}

func (l *nativeLibrary) SerializeFMUState(c Component, s FMUState) ([]byte, int32) {
	if l.serializedFMUStateSize == nil || l.serializeFMUState == nil {
		return nil, statusError
	}
	var size uintptr
	if status := l.serializedFMUStateSize(uintptr(c), uintptr(s), &size); Status(status) != StatusOK && Status(status) != StatusWarning {
		return nil, status
	}
	buf := make([]byte, size)
	status := l.serializeFMUState(uintptr(c), uintptr(s), slicePtr(buf), size)
	return buf, status
}

func (l *nativeLibrary) DeserializeFMUState(c Component, data []byte) (FMUState, int32) {
	if l.deSerializeFMUState == nil {
		return 0, statusError
	}
	var s uintptr
	status := l.deSerializeFMUState(uintptr(c), slicePtr(data), uintptr(len(data)), &s)
	return FMUState(s), status
}

func (l *nativeLibrary) GetDirectionalDerivative(c Component, unknown, known []ValueReference, dvKnown, dvUnknown []float64) int32 {
	if l.getDirectionalDerivative == nil {
		return statusError
	}
	return l.getDirectionalDerivative(uintptr(c),
		slicePtr(unknown), uintptr(len(unknown)),
		slicePtr(known), uintptr(len(known)),
		slicePtr(dvKnown), slicePtr(dvUnknown))
}

func (l *nativeLibrary) SetRealInputDerivatives(c Component, vrs []ValueReference, orders []int32, values []float64) int32 {
	if l.setRealInputDerivatives == nil {
		return statusError
	}
	return l.setRealInputDerivatives(uintptr(c), slicePtr(vrs), uintptr(len(vrs)), slicePtr(orders), slicePtr(values))
}

func (l *nativeLibrary) GetRealOutputDerivatives(c Component, vrs []ValueReference, orders []int32, out []float64) int32 {
	if l.getRealOutputDerivatives == nil {
		return statusError
	}
	return l.getRealOutputDerivatives(uintptr(c), slicePtr(vrs), uintptr(len(vrs)), slicePtr(orders), slicePtr(out))
}

func (l *nativeLibrary) DoStep(c Component, currentTime, stepSize float64, noSetFMUStatePriorToCurrentPoint bool) int32 {
	if l.doStep == nil {
		return statusError
	}
	return l.doStep(uintptr(c), currentTime, stepSize, boolToInt(noSetFMUStatePriorToCurrentPoint))
}

func (l *nativeLibrary) CancelStep(c Component) int32 { return callComp(l.cancelStep, c) }

func (l *nativeLibrary) GetStatus(c Component, kind StatusKind) (Status, int32) {
	if l.getStatus == nil {
		return 0, statusError
	}
	var v int32
	status := l.getStatus(uintptr(c), int32(kind), &v)
	return Status(v), status
}

func (l *nativeLibrary) GetRealStatus(c Component, kind StatusKind) (float64, int32) {
	if l.getRealStatus == nil {
		return 0, statusError
	}
	var v float64
	status := l.getRealStatus(uintptr(c), int32(kind), &v)
	return v, status
}

func (l *nativeLibrary) GetBooleanStatus(c Component, kind StatusKind) (bool, int32) {
	if l.getBooleanStatus == nil {
		return false, statusError
	}
	var v int32
	status := l.getBooleanStatus(uintptr(c), int32(kind), &v)
	return v != 0, status
}

func (l *nativeLibrary) EnterEventMode(c Component) int32 { return callComp(l.enterEventMode, c) }

func (l *nativeLibrary) NewDiscreteStates(c Component) (EventInfo, int32) {
	if l.newDiscreteStates == nil {
		return EventInfo{}, statusError
	}
	var ci cEventInfo
	status := l.newDiscreteStates(uintptr(c), &ci)
	return EventInfo{
		NewDiscreteStatesNeeded:           ci.newDiscreteStatesNeeded != 0,
		TerminateSimulation:               ci.terminateSimulation != 0,
		NominalsOfContinuousStatesChanged: ci.nominalsOfContinuousStatesChanged != 0,
		ValuesOfContinuousStatesChanged:   ci.valuesOfContinuousStatesChanged != 0,
		NextEventTimeDefined:              ci.nextEventTimeDefined != 0,
		NextEventTime:                     ci.nextEventTime,
	}, status
}

func (l *nativeLibrary) EnterContinuousTimeMode(c Component) int32 {
	return callComp(l.enterContinuousTimeMode, c)
}

func (l *nativeLibrary) CompletedIntegratorStep(c Component, noSetFMUStatePriorToCurrentPoint bool) (bool, bool, int32) {
	if l.completedIntegratorStep == nil {
		return false, false, statusError
	}
	var enter, terminate int32
	status := l.completedIntegratorStep(uintptr(c), boolToInt(noSetFMUStatePriorToCurrentPoint), &enter, &terminate)
	return enter != 0, terminate != 0, status
}

func (l *nativeLibrary) SetTime(c Component, t float64) int32 {
	if l.setTime == nil {
		return statusError
	}
	return l.setTime(uintptr(c), t)
}

func callVector(fn cVectorFn, c Component, x []float64) int32 {
	if fn == nil {
		return statusError
	}
	return fn(uintptr(c), slicePtr(x), uintptr(len(x)))
}

func (l *nativeLibrary) SetContinuousStates(c Component, x []float64) int32 {
	return callVector(l.setContinuousStates, c, x)
}

func (l *nativeLibrary) GetDerivatives(c Component, dx []float64) int32 {
	return callVector(l.getDerivatives, c, dx)
}

func (l *nativeLibrary) GetEventIndicators(c Component, z []float64) int32 {
	return callVector(l.getEventIndicators, c, z)
}

func (l *nativeLibrary) GetContinuousStates(c Component, x []float64) int32 {
	return callVector(l.getContinuousStates, c, x)
}

func (l *nativeLibrary) GetNominalsOfContinuousStates(c Component, nominals []float64) int32 {
	return callVector(l.getNominals, c, nominals)
}

func (l *nativeLibrary) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = closeLibrary(l.handle)
	})
	return l.closeErr
}
