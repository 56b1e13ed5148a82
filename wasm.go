package fmi

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// Guest memory and allocator exports.
const (
	wasmMemory = "memory"
	wasmMalloc = "malloc"
	wasmFree   = "free"
)

const maxGuestString = 1 << 20

// wasmLibrary runs an FMU compiled to a wasm32-wasi reactor module.
//
// The guest must export memory, malloc, free and the fmi2 functions.
// Component pointers, value reference arrays and size_t are 32-bit guest
// values. Host callbacks cannot be placed in the guest function table, so
// every instance receives a zeroed fmi2CallbackFunctions: the FMU must not
// call the logger or the memory functions through it.
//
// A module instance is single-threaded; calls are serialized by mu.
type wasmLibrary struct {
	ctx     context.Context
	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory

	mu        sync.Mutex
	fnMalloc  api.Function
	fnFree    api.Function
	fns       map[string]api.Function
	callbacks uint32

	closeOnce sync.Once
	closeErr  error
}

// LoadWasmLibrary instantiates a wasm FMU binary and validates its exports
// for kind. The context is used for the lifetime of the library. Call Close
// when done.
func LoadWasmLibrary(ctx context.Context, wasm []byte, kind Kind) (Library, error) {
	if len(wasm) == 0 {
		return nil, fmt.Errorf("%w: empty wasm binary", ErrLibraryNotFound)
	}

	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasm)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("compiling wasm: %w", err)
	}

	cfg := wazero.NewModuleConfig().WithStartFunctions("_initialize")
	module, err := runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiating wasm: %w", err)
	}

	l := &wasmLibrary{
		ctx:      ctx,
		runtime:  runtime,
		module:   module,
		memory:   module.ExportedMemory(wasmMemory),
		fnMalloc: module.ExportedFunction(wasmMalloc),
		fnFree:   module.ExportedFunction(wasmFree),
		fns:      make(map[string]api.Function),
	}
	for _, names := range [][]string{commonExports, coSimulationExports, modelExchangeExports, optionalExports} {
		for _, name := range names {
			if fn := module.ExportedFunction(name); fn != nil {
				l.fns[name] = fn
			}
		}
	}

	// Validate all exports exist
	var missing []string
	if l.memory == nil {
		missing = append(missing, wasmMemory)
	}
	if l.fnMalloc == nil {
		missing = append(missing, wasmMalloc)
	}
	if l.fnFree == nil {
		missing = append(missing, wasmFree)
	}
	missing = append(missing, missingExports(requiredExports(kind), l.Has)...)
	if len(missing) > 0 {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrMissingExports, missing)
	}

	// logger, allocateMemory, freeMemory, stepFinished, componentEnvironment
	cb, err := l.malloc(5 * 4)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}
	l.memory.Write(cb, make([]byte, 5*4))
	l.callbacks = cb

	Logger().Debug("loaded wasm FMU",
		zap.Stringer("kind", kind),
		zap.Int("exports", len(l.fns)))
	return l, nil
}

func (l *wasmLibrary) Has(symbol string) bool {
	_, ok := l.fns[symbol]
	return ok
}

func (l *wasmLibrary) mem() api.Memory { return l.memory }

func (l *wasmLibrary) malloc(size uint32) (uint32, error) {
	results, err := l.fnMalloc.Call(l.ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("allocation of %d bytes failed (out of memory?)", size)
	}
	return ptr, nil
}

// scratch tracks guest allocations made for a single call.
type scratch struct {
	l    *wasmLibrary
	ptrs []uint32
	err  error
}

func (l *wasmLibrary) scratch() *scratch { return &scratch{l: l} }

func (s *scratch) alloc(size uint32) uint32 {
	if s.err != nil || size == 0 {
		return 0
	}
	ptr, err := s.l.malloc(size)
	if err != nil {
		s.err = err
		return 0
	}
	s.ptrs = append(s.ptrs, ptr)
	return ptr
}

// release frees every allocation. Errors are ignored: memory is reclaimed
// when the module is closed regardless.
func (s *scratch) release() {
	for _, p := range s.ptrs {
		_, _ = s.l.fnFree.Call(s.l.ctx, uint64(p))
	}
}

func (s *scratch) cString(v string) uint32 {
	ptr := s.alloc(uint32(len(v) + 1))
	if ptr != 0 {
		buf := make([]byte, len(v)+1)
		copy(buf, v)
		s.l.mem().Write(ptr, buf)
	}
	return ptr
}

func (s *scratch) uint32s(vs []uint32) uint32 {
	ptr := s.alloc(uint32(4 * len(vs)))
	for i, v := range vs {
		s.l.mem().WriteUint32Le(ptr+uint32(4*i), v)
	}
	return ptr
}

func (s *scratch) int32s(vs []int32) uint32 {
	ptr := s.alloc(uint32(4 * len(vs)))
	for i, v := range vs {
		s.l.mem().WriteUint32Le(ptr+uint32(4*i), uint32(v))
	}
	return ptr
}

func (s *scratch) float64s(vs []float64) uint32 {
	ptr := s.alloc(uint32(8 * len(vs)))
	for i, v := range vs {
		s.l.mem().WriteFloat64Le(ptr+uint32(8*i), v)
	}
	return ptr
}

func (s *scratch) cStrings(vs []string) uint32 {
	ptrs := make([]uint32, len(vs))
	for i, v := range vs {
		ptrs[i] = s.cString(v)
	}
	return s.uint32s(ptrs)
}

func (l *wasmLibrary) readFloat64s(ptr uint32, out []float64) {
	for i := range out {
		out[i], _ = l.mem().ReadFloat64Le(ptr + uint32(8*i))
	}
}

func (l *wasmLibrary) readUint32(ptr uint32) uint32 {
	v, _ := l.mem().ReadUint32Le(ptr)
	return v
}

// readCString reads a NUL-terminated string from guest memory.
func (l *wasmLibrary) readCString(ptr uint32) string {
	if ptr == 0 {
		return ""
	}
	var buf []byte
	for i := uint32(0); i < maxGuestString; i++ {
		b, ok := l.mem().ReadByte(ptr + i)
		if !ok || b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// call invokes an fmi2 export and returns its status. A trap leaves the
// instance unusable and is reported as Fatal.
func (l *wasmLibrary) call(name string, params ...uint64) int32 {
	fn := l.fns[name]
	if fn == nil {
		return statusError
	}
	results, err := fn.Call(l.ctx, params...)
	if err != nil {
		Logger().Error("wasm FMU call trapped", zap.String("func", name), zap.Error(err))
		return int32(StatusFatal)
	}
	if len(results) == 0 {
		return int32(StatusOK)
	}
	return int32(uint32(results[0]))
}

func (l *wasmLibrary) callString(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn := l.fns[name]
	if fn == nil {
		return ""
	}
	results, err := fn.Call(l.ctx)
	if err != nil || len(results) == 0 {
		return ""
	}
	return l.readCString(uint32(results[0]))
}

func (l *wasmLibrary) Version() string       { return l.callString(fnGetVersion) }
func (l *wasmLibrary) TypesPlatform() string { return l.callString(fnGetTypesPlatform) }

func (l *wasmLibrary) Instantiate(name string, kind Kind, guid, resourceLocation string, visible, loggingOn bool) Component {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	namePtr, guidPtr, resPtr := s.cString(name), s.cString(guid), s.cString(resourceLocation)
	if s.err != nil {
		return 0
	}
	results, err := l.fns[fnInstantiate].Call(l.ctx,
		uint64(namePtr), uint64(kind), uint64(guidPtr), uint64(resPtr),
		uint64(l.callbacks), uint64(boolToInt(visible)), uint64(boolToInt(loggingOn)))
	if err != nil {
		Logger().Error("wasm FMU call trapped", zap.String("func", fnInstantiate), zap.Error(err))
		return 0
	}
	return Component(uint32(results[0]))
}

func (l *wasmLibrary) FreeInstance(c Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.call(fnFreeInstance, uint64(c))
}

func (l *wasmLibrary) SetDebugLogging(c Component, loggingOn bool, categories []string) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	arr := s.cStrings(categories)
	if s.err != nil {
		return statusError
	}
	return l.call(fnSetDebugLogging, uint64(c), uint64(boolToInt(loggingOn)), uint64(len(categories)), uint64(arr))
}

func (l *wasmLibrary) SetupExperiment(c Component, toleranceDefined bool, tolerance, startTime float64, stopTimeDefined bool, stopTime float64) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.call(fnSetupExperiment, uint64(c),
		uint64(boolToInt(toleranceDefined)), api.EncodeF64(tolerance), api.EncodeF64(startTime),
		uint64(boolToInt(stopTimeDefined)), api.EncodeF64(stopTime))
}

func (l *wasmLibrary) callComp(name string, c Component) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.call(name, uint64(c))
}

func (l *wasmLibrary) EnterInitializationMode(c Component) int32 {
	return l.callComp(fnEnterInitializationMode, c)
}

func (l *wasmLibrary) ExitInitializationMode(c Component) int32 {
	return l.callComp(fnExitInitializationMode, c)
}

func (l *wasmLibrary) Terminate(c Component) int32 { return l.callComp(fnTerminate, c) }
func (l *wasmLibrary) Reset(c Component) int32     { return l.callComp(fnReset, c) }

// getArray calls an fmi2Get function with an out buffer of n elements of
// size elem and hands the buffer address to read.
func (l *wasmLibrary) getArray(name string, c Component, vrs []ValueReference, elem uint32, read func(ptr uint32)) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	vrPtr := s.uint32s(vrs)
	out := s.alloc(elem * uint32(len(vrs)))
	if s.err != nil {
		return statusError
	}
	status := l.call(name, uint64(c), uint64(vrPtr), uint64(len(vrs)), uint64(out))
	if out != 0 {
		read(out)
	}
	return status
}

func (l *wasmLibrary) GetReal(c Component, vrs []ValueReference, out []float64) int32 {
	return l.getArray(fnGetReal, c, vrs, 8, func(ptr uint32) { l.readFloat64s(ptr, out) })
}

func (l *wasmLibrary) GetInteger(c Component, vrs []ValueReference, out []int32) int32 {
	return l.getArray(fnGetInteger, c, vrs, 4, func(ptr uint32) {
		for i := range out {
			out[i] = int32(l.readUint32(ptr + uint32(4*i)))
		}
	})
}

func (l *wasmLibrary) GetBoolean(c Component, vrs []ValueReference, out []bool) int32 {
	return l.getArray(fnGetBoolean, c, vrs, 4, func(ptr uint32) {
		for i := range out {
			out[i] = l.readUint32(ptr+uint32(4*i)) != 0
		}
	})
}

func (l *wasmLibrary) GetString(c Component, vrs []ValueReference, out []string) int32 {
	return l.getArray(fnGetString, c, vrs, 4, func(ptr uint32) {
		for i := range out {
			out[i] = l.readCString(l.readUint32(ptr + uint32(4*i)))
		}
	})
}

// setArray calls an fmi2Set function with values already written by write.
func (l *wasmLibrary) setArray(name string, c Component, vrs []ValueReference, write func(s *scratch) uint32) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	vrPtr := s.uint32s(vrs)
	values := write(s)
	if s.err != nil {
		return statusError
	}
	return l.call(name, uint64(c), uint64(vrPtr), uint64(len(vrs)), uint64(values))
}

func (l *wasmLibrary) SetReal(c Component, vrs []ValueReference, values []float64) int32 {
	return l.setArray(fnSetReal, c, vrs, func(s *scratch) uint32 { return s.float64s(values) })
}

func (l *wasmLibrary) SetInteger(c Component, vrs []ValueReference, values []int32) int32 {
	return l.setArray(fnSetInteger, c, vrs, func(s *scratch) uint32 { return s.int32s(values) })
}

func (l *wasmLibrary) SetBoolean(c Component, vrs []ValueReference, values []bool) int32 {
	ints := make([]int32, len(values))
	for i, v := range values {
		ints[i] = boolToInt(v)
	}
	return l.setArray(fnSetBoolean, c, vrs, func(s *scratch) uint32 { return s.int32s(ints) })
}

func (l *wasmLibrary) SetString(c Component, vrs []ValueReference, values []string) int32 {
	return l.setArray(fnSetString, c, vrs, func(s *scratch) uint32 { return s.cStrings(values) })
}

func (l *wasmLibrary) GetFMUState(c Component) (FMUState, int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	out := s.alloc(4)
	if s.err != nil {
		return 0, statusError
	}
	l.mem().WriteUint32Le(out, 0)
	status := l.call(fnGetFMUState, uint64(c), uint64(out))
	return FMUState(l.readUint32(out)), status
}

func (l *wasmLibrary) SetFMUState(c Component, st FMUState) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.call(fnSetFMUState, uint64(c), uint64(st))
}

func (l *wasmLibrary) FreeFMUState(c Component, st FMUState) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	p := s.uint32s([]uint32{uint32(st)})
	if s.err != nil {
		return statusError
	}
	return l.call(fnFreeFMUState, uint64(c), uint64(p))
}

func (l *wasmLibrary) SerializeFMUState(c Component, st FMUState) ([]byte, int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	sizePtr := s.alloc(4)
	if s.err != nil {
		return nil, statusError
	}
	l.mem().WriteUint32Le(sizePtr, 0)
	if status := l.call(fnSerializedFMUStateSize, uint64(c), uint64(st), uint64(sizePtr)); !Status(status).Succeeded() {
		return nil, status
	}
	size := l.readUint32(sizePtr)
	buf := s.alloc(size)
	if s.err != nil {
		return nil, statusError
	}
	status := l.call(fnSerializeFMUState, uint64(c), uint64(st), uint64(buf), uint64(size))
	data, _ := l.mem().Read(buf, size)
	return append([]byte(nil), data...), status
}

func (l *wasmLibrary) DeserializeFMUState(c Component, data []byte) (FMUState, int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	buf := s.alloc(uint32(len(data)))
	out := s.alloc(4)
	if s.err != nil {
		return 0, statusError
	}
	l.mem().Write(buf, data)
	l.mem().WriteUint32Le(out, 0)
	status := l.call(fnDeSerializeFMUState, uint64(c), uint64(buf), uint64(len(data)), uint64(out))
	return FMUState(l.readUint32(out)), status
}

func (l *wasmLibrary) GetDirectionalDerivative(c Component, unknown, known []ValueReference, dvKnown, dvUnknown []float64) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	uPtr, kPtr := s.uint32s(unknown), s.uint32s(known)
	dvkPtr := s.float64s(dvKnown)
	dvuPtr := s.alloc(uint32(8 * len(dvUnknown)))
	if s.err != nil {
		return statusError
	}
	status := l.call(fnGetDirectionalDerivative, uint64(c),
		uint64(uPtr), uint64(len(unknown)), uint64(kPtr), uint64(len(known)),
		uint64(dvkPtr), uint64(dvuPtr))
	l.readFloat64s(dvuPtr, dvUnknown)
	return status
}

func (l *wasmLibrary) SetRealInputDerivatives(c Component, vrs []ValueReference, orders []int32, values []float64) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	vrPtr, oPtr, vPtr := s.uint32s(vrs), s.int32s(orders), s.float64s(values)
	if s.err != nil {
		return statusError
	}
	return l.call(fnSetRealInputDerivatives, uint64(c), uint64(vrPtr), uint64(len(vrs)), uint64(oPtr), uint64(vPtr))
}

func (l *wasmLibrary) GetRealOutputDerivatives(c Component, vrs []ValueReference, orders []int32, out []float64) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	vrPtr, oPtr := s.uint32s(vrs), s.int32s(orders)
	outPtr := s.alloc(uint32(8 * len(out)))
	if s.err != nil {
		return statusError
	}
	status := l.call(fnGetRealOutputDerivatives, uint64(c), uint64(vrPtr), uint64(len(vrs)), uint64(oPtr), uint64(outPtr))
	l.readFloat64s(outPtr, out)
	return status
}

func (l *wasmLibrary) DoStep(c Component, currentTime, stepSize float64, noSetFMUStatePriorToCurrentPoint bool) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.call(fnDoStep, uint64(c), api.EncodeF64(currentTime), api.EncodeF64(stepSize),
		uint64(boolToInt(noSetFMUStatePriorToCurrentPoint)))
}

func (l *wasmLibrary) CancelStep(c Component) int32 { return l.callComp(fnCancelStep, c) }

// statusQuery calls an fmi2Get*Status function with a size-byte out value.
func (l *wasmLibrary) statusQuery(name string, c Component, kind StatusKind, size uint32, read func(ptr uint32)) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	out := s.alloc(size)
	if s.err != nil {
		return statusError
	}
	l.mem().Write(out, make([]byte, size))
	status := l.call(name, uint64(c), uint64(kind), uint64(out))
	read(out)
	return status
}

func (l *wasmLibrary) GetStatus(c Component, kind StatusKind) (Status, int32) {
	var v Status
	status := l.statusQuery(fnGetStatus, c, kind, 4, func(ptr uint32) { v = Status(int32(l.readUint32(ptr))) })
	return v, status
}

func (l *wasmLibrary) GetRealStatus(c Component, kind StatusKind) (float64, int32) {
	var v float64
	status := l.statusQuery(fnGetRealStatus, c, kind, 8, func(ptr uint32) { v, _ = l.mem().ReadFloat64Le(ptr) })
	return v, status
}

func (l *wasmLibrary) GetBooleanStatus(c Component, kind StatusKind) (bool, int32) {
	var v bool
	status := l.statusQuery(fnGetBooleanStatus, c, kind, 4, func(ptr uint32) { v = l.readUint32(ptr) != 0 })
	return v, status
}

func (l *wasmLibrary) EnterEventMode(c Component) int32 { return l.callComp(fnEnterEventMode, c) }

func (l *wasmLibrary) NewDiscreteStates(c Component) (EventInfo, int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	// fmi2EventInfo: five fmi2Boolean, padding, fmi2Real at offset 24
	ptr := s.alloc(32)
	if s.err != nil {
		return EventInfo{}, statusError
	}
	l.mem().Write(ptr, make([]byte, 32))
	status := l.call(fnNewDiscreteStates, uint64(c), uint64(ptr))
	next, _ := l.mem().ReadFloat64Le(ptr + 24)
	return EventInfo{
		NewDiscreteStatesNeeded:           l.readUint32(ptr) != 0,
		TerminateSimulation:               l.readUint32(ptr+4) != 0,
		NominalsOfContinuousStatesChanged: l.readUint32(ptr+8) != 0,
		ValuesOfContinuousStatesChanged:   l.readUint32(ptr+12) != 0,
		NextEventTimeDefined:              l.readUint32(ptr+16) != 0,
		NextEventTime:                     next,
	}, status
}

func (l *wasmLibrary) EnterContinuousTimeMode(c Component) int32 {
	return l.callComp(fnEnterContinuousTimeMode, c)
}

func (l *wasmLibrary) CompletedIntegratorStep(c Component, noSetFMUStatePriorToCurrentPoint bool) (bool, bool, int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	out := s.alloc(8)
	if s.err != nil {
		return false, false, statusError
	}
	l.mem().Write(out, make([]byte, 8))
	status := l.call(fnCompletedIntegratorStep, uint64(c), uint64(boolToInt(noSetFMUStatePriorToCurrentPoint)), uint64(out), uint64(out+4))
	return l.readUint32(out) != 0, l.readUint32(out+4) != 0, status
}

func (l *wasmLibrary) SetTime(c Component, t float64) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.call(fnSetTime, uint64(c), api.EncodeF64(t))
}

// vector calls a function taking (c, fmi2Real[], size_t). in is copied into
// the guest before the call and the buffer is copied back into out after.
func (l *wasmLibrary) vector(name string, c Component, in, out []float64) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch()
	defer s.release()
	n := len(in) + len(out)
	var ptr uint32
	if in != nil {
		ptr = s.float64s(in)
	} else {
		ptr = s.alloc(uint32(8 * len(out)))
	}
	if s.err != nil {
		return statusError
	}
	status := l.call(name, uint64(c), uint64(ptr), uint64(n))
	if out != nil {
		l.readFloat64s(ptr, out)
	}
	return status
}

func (l *wasmLibrary) SetContinuousStates(c Component, x []float64) int32 {
	return l.vector(fnSetContinuousStates, c, x, nil)
}

func (l *wasmLibrary) GetDerivatives(c Component, dx []float64) int32 {
	return l.vector(fnGetDerivatives, c, nil, dx)
}

func (l *wasmLibrary) GetEventIndicators(c Component, z []float64) int32 {
	return l.vector(fnGetEventIndicators, c, nil, z)
}

func (l *wasmLibrary) GetContinuousStates(c Component, x []float64) int32 {
	return l.vector(fnGetContinuousStates, c, nil, x)
}

func (l *wasmLibrary) GetNominalsOfContinuousStates(c Component, nominals []float64) int32 {
	return l.vector(fnGetNominalsOfContinuousStates, c, nil, nominals)
}

// Close releases the wazero runtime and every guest instance in it.
func (l *wasmLibrary) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.runtime.Close(l.ctx)
	})
	return l.closeErr
}
