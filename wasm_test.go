package fmi

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

var wasmHeader = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

// memoryOnlyModule declares and exports one page of linear memory and nothing
// else.
var memoryOnlyModule = append(append([]byte(nil), wasmHeader...),
	0x05, 0x03, 0x01, 0x00, 0x01, // memory section: min 1 page
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00, // export "memory"
)

func TestLoadWasmLibraryErrors(t *testing.T) {
	tests := []struct {
		name     string
		wasm     []byte
		wantErr  error
		contains []string
		excludes []string
	}{
		{"empty", nil, ErrLibraryNotFound, []string{"empty wasm binary"}, nil},
		{"garbage", []byte("not a wasm module"), nil, []string{"compiling wasm"}, nil},
		{"no exports", wasmHeader, ErrMissingExports, []string{"memory", wasmMalloc, fnDoStep}, nil},
		{"memory only", memoryOnlyModule, ErrMissingExports, []string{wasmMalloc, wasmFree, fnInstantiate}, []string{"memory "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib, err := LoadWasmLibrary(context.Background(), tt.wasm, CoSimulation)
			if err == nil {
				_ = lib.Close()
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			msg := err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error %q does not mention %q", msg, s)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(msg, "["+s) {
					t.Errorf("error %q lists %q", msg, s)
				}
			}
		})
	}
}

func TestLoadWasmLibraryKind(t *testing.T) {
	_, err := LoadWasmLibrary(context.Background(), memoryOnlyModule, ModelExchange)
	if !errors.Is(err, ErrMissingExports) {
		t.Fatalf("error = %v", err)
	}
	if strings.Contains(err.Error(), fnDoStep) {
		t.Errorf("model-exchange load requires %s: %v", fnDoStep, err)
	}
	if !strings.Contains(err.Error(), fnGetDerivatives) {
		t.Errorf("model-exchange load does not require %s: %v", fnGetDerivatives, err)
	}
}

func TestRequiredExports(t *testing.T) {
	cs := requiredExports(CoSimulation)
	me := requiredExports(ModelExchange)
	if len(cs) != len(commonExports)+len(coSimulationExports) {
		t.Errorf("co-simulation requires %d functions", len(cs))
	}
	if len(me) != len(commonExports)+len(modelExchangeExports) {
		t.Errorf("model-exchange requires %d functions", len(me))
	}
	for _, name := range optionalExports {
		for _, req := range append(cs, me...) {
			if req == name {
				t.Errorf("optional export %s is required", name)
			}
		}
	}

	// The shared slice is never aliased.
	cs[0] = "changed"
	if commonExports[0] == "changed" {
		t.Error("requiredExports aliases commonExports")
	}
}

func TestMissingExports(t *testing.T) {
	has := func(name string) bool { return name != fnDoStep && name != fnReset }
	got := missingExports(requiredExports(CoSimulation), has)
	if !reflect.DeepEqual(got, []string{fnReset, fnDoStep}) {
		t.Errorf("missingExports() = %v", got)
	}
	if got := missingExports(requiredExports(CoSimulation), func(string) bool { return true }); got != nil {
		t.Errorf("missingExports() = %v, want nil", got)
	}
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmVec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func wasmSection(id byte, items ...[]byte) []byte {
	body := wasmVec(items...)
	return append(append([]byte{id}, uleb(uint32(len(body)))...), body...)
}

func wasmName(s string) []byte { return append(uleb(uint32(len(s))), s...) }

func wasmFunc(params, results []byte) []byte {
	return append(append([]byte{0x60}, wasmVec(splitBytes(params)...)...), wasmVec(splitBytes(results)...)...)
}

func splitBytes(bs []byte) [][]byte {
	out := make([][]byte, len(bs))
	for i := range bs {
		out[i] = bs[i : i+1]
	}
	return out
}

// wasmBody prefixes code with its size, one i32 local and appends end.
func wasmBody(code ...[]byte) []byte {
	body := []byte{0x01, 0x01, 0x7f}
	for _, c := range code {
		body = append(body, c...)
	}
	body = append(body, 0x0b)
	return append(uleb(uint32(len(body))), body...)
}

func i32const(v int32) []byte { return append([]byte{0x41}, sleb(v)...) }

const (
	i32 = 0x7f
	f64 = 0x7c
)

// forEachRef loops local 4 over [0, n) where n is param 2 and runs body.
func forEachRef(body ...[]byte) []byte {
	code := []byte{
		0x02, 0x40, // block
		0x03, 0x40, // loop
		0x20, 0x04, 0x20, 0x02, 0x4f, 0x0d, 0x01, // i >= n: br_if 1
	}
	for _, b := range body {
		code = append(code, b...)
	}
	return append(code,
		0x20, 0x04, 0x41, 0x01, 0x6a, 0x21, 0x04, // i++
		0x0c, 0x00, // br 0
		0x0b, 0x0b, // end loop, end block
	)
}

// elemAddr pushes base + i*size where base is local idx.
func elemAddr(local byte, shift byte) []byte {
	return []byte{0x20, local, 0x20, 0x04, 0x41, shift, 0x74, 0x6a}
}

// slotAddr pushes table + vr[i]*size.
func slotAddr(table int32, shift byte) []byte {
	code := append(elemAddr(0x01, 2), 0x28, 0x02, 0x00) // i32.load vr
	code = append(code, 0x41, shift, 0x74)
	code = append(code, i32const(table)...)
	return append(code, 0x6a)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// tableModule assembles a co-simulation FMU whose variables live in two
// tables of guest memory: reals at 64+8*vr, everything else at 512+4*vr.
// Strings are kept as pointers, which stay valid because free is a no-op.
// fmi2DoStep returns the step size truncated to a status code.
func tableModule() []byte {
	const (
		realTable = 64
		intTable  = 512
	)
	f64load := []byte{0x2b, 0x03, 0x00}
	f64store := []byte{0x39, 0x03, 0x00}
	i32load := []byte{0x28, 0x02, 0x00}
	i32store := []byte{0x36, 0x02, 0x00}
	okStatus := i32const(0)

	types := wasmSection(0x01,
		wasmFunc(nil, []byte{i32}),                                       // 0: () -> i32
		wasmFunc([]byte{i32}, []byte{i32}),                               // 1: (i32) -> i32
		wasmFunc([]byte{i32}, nil),                                       // 2: (i32)
		wasmFunc([]byte{i32, i32, i32, i32, i32, i32, i32}, []byte{i32}), // 3: instantiate
		wasmFunc([]byte{i32, i32, i32, i32}, []byte{i32}),                // 4: get/set arrays
		wasmFunc([]byte{i32, f64, f64, i32}, []byte{i32}),                // 5: do step
	)
	funcs := wasmSection(0x03, uleb(1), uleb(2), uleb(0), uleb(0), uleb(0), uleb(1), uleb(2), uleb(3),
		uleb(4), uleb(4), uleb(4), uleb(4), uleb(5))
	memory := wasmSection(0x05, []byte{0x00, 0x01})
	heap := wasmSection(0x06, concat([]byte{i32, 0x01}, i32const(1024), []byte{0x0b}))

	const (
		fMalloc = iota
		fFree
		fVersion
		fPlatform
		fUnexpected
		fComponent
		fFreeInstance
		fInstantiate
		fSetReal
		fGetReal
		fSetInt
		fGetInt
		fDoStep
	)
	index := map[string]int{
		fnGetVersion:              fVersion,
		fnGetTypesPlatform:        fPlatform,
		fnInstantiate:             fInstantiate,
		fnFreeInstance:            fFreeInstance,
		fnEnterInitializationMode: fComponent,
		fnExitInitializationMode:  fComponent,
		fnTerminate:               fComponent,
		fnReset:                   fComponent,
		fnSetReal:                 fSetReal,
		fnGetReal:                 fGetReal,
		fnSetInteger:              fSetInt,
		fnGetInteger:              fGetInt,
		fnSetBoolean:              fSetInt,
		fnGetBoolean:              fGetInt,
		fnSetString:               fSetInt,
		fnGetString:               fGetInt,
		fnDoStep:                  fDoStep,
	}
	exports := [][]byte{
		concat(wasmName("memory"), []byte{0x02, 0x00}),
		concat(wasmName(wasmMalloc), []byte{0x00}, uleb(fMalloc)),
		concat(wasmName(wasmFree), []byte{0x00}, uleb(fFree)),
	}
	for _, name := range requiredExports(CoSimulation) {
		fn, found := index[name]
		if !found {
			fn = fUnexpected
		}
		exports = append(exports, concat(wasmName(name), []byte{0x00}, uleb(uint32(fn))))
	}

	code := wasmSection(0x0a,
		// malloc: bump the heap by size rounded past 8
		wasmBody([]byte{0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x41, 0x08, 0x6a, 0x24, 0x00}),
		wasmBody(),
		wasmBody(i32const(16)),
		wasmBody(i32const(20)),
		wasmBody(i32const(int32(StatusError))),
		wasmBody(okStatus),
		wasmBody(),
		wasmBody(i32const(42)),
		wasmBody(forEachRef(slotAddr(realTable, 3), elemAddr(0x03, 3), f64load, f64store), okStatus),
		wasmBody(forEachRef(elemAddr(0x03, 3), slotAddr(realTable, 3), f64load, f64store), okStatus),
		wasmBody(forEachRef(slotAddr(intTable, 2), elemAddr(0x03, 2), i32load, i32store), okStatus),
		wasmBody(forEachRef(elemAddr(0x03, 2), slotAddr(intTable, 2), i32load, i32store), okStatus),
		wasmBody([]byte{0x20, 0x02, 0xaa}),
	)
	data := wasmSection(0x0b, concat([]byte{0x00}, i32const(16), []byte{0x0b}, wasmName("2.0\x00default\x00")))

	return concat(wasmHeader, types, funcs, memory, heap, wasmSection(0x07, exports...), code, data)
}

func TestWasmBindingRoundTrip(t *testing.T) {
	lib, err := LoadWasmLibrary(context.Background(), tableModule(), CoSimulation)
	if err != nil {
		t.Fatalf("LoadWasmLibrary() error = %v", err)
	}
	b := NewBinding(lib)
	defer b.Close()

	if v := b.Version(); v != "2.0" {
		t.Errorf("Version() = %q", v)
	}
	if p := b.TypesPlatform(); p != "default" {
		t.Errorf("TypesPlatform() = %q", p)
	}

	h, err := b.Instantiate("ball", CoSimulation, "{guid}", "file:///tmp/resources", false, false)
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	if s, err := b.EnterInitializationMode(h); err != nil || s != StatusOK {
		t.Fatalf("EnterInitializationMode() = %v, %v", s, err)
	}

	if s, err := b.SetReal(h, []ValueReference{0, 3}, []float64{1.5, -2.25}); err != nil || s != StatusOK {
		t.Fatalf("SetReal() = %v, %v", s, err)
	}
	reals, s, err := b.GetReal(h, []ValueReference{3, 0, 3})
	if err != nil || s != StatusOK {
		t.Fatalf("GetReal() = %v, %v", s, err)
	}
	if !reflect.DeepEqual(reals, []float64{-2.25, 1.5, -2.25}) {
		t.Errorf("GetReal() = %v", reals)
	}
	if empty, s, err := b.GetReal(h, nil); err != nil || s != StatusOK || len(empty) != 0 {
		t.Errorf("GetReal(nil) = %v, %v, %v", empty, s, err)
	}

	if _, err := b.SetInteger(h, []ValueReference{1, 2}, []int32{7, -9}); err != nil {
		t.Fatal(err)
	}
	ints, _, err := b.GetInteger(h, []ValueReference{2, 1})
	if err != nil || !reflect.DeepEqual(ints, []int32{-9, 7}) {
		t.Errorf("GetInteger() = %v, %v", ints, err)
	}

	if _, err := b.SetBoolean(h, []ValueReference{5, 6}, []bool{true, false}); err != nil {
		t.Fatal(err)
	}
	bools, _, err := b.GetBoolean(h, []ValueReference{6, 5})
	if err != nil || !reflect.DeepEqual(bools, []bool{false, true}) {
		t.Errorf("GetBoolean() = %v, %v", bools, err)
	}

	if _, err := b.SetString(h, []ValueReference{9, 10}, []string{"moon", ""}); err != nil {
		t.Fatal(err)
	}
	strs, _, err := b.GetString(h, []ValueReference{9, 10})
	if err != nil || !reflect.DeepEqual(strs, []string{"moon", ""}) {
		t.Errorf("GetString() = %q, %v", strs, err)
	}

	// fmi2DoStep reports the step size as its status.
	if s, err := b.DoStep(h, 0, 0, false); err != nil || s != StatusOK {
		t.Errorf("DoStep(0) = %v, %v", s, err)
	}
	if s, err := b.DoStep(h, 0, float64(StatusDiscard), false); err != nil || s != StatusDiscard {
		t.Errorf("DoStep(discard) = %v, %v", s, err)
	}
	if _, err := b.DoStep(h, 0, 7, false); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("DoStep(7) error = %v, want %v", err, ErrUnknownStatus)
	}

	if s, err := b.Terminate(h); err != nil || s != StatusOK {
		t.Errorf("Terminate() = %v, %v", s, err)
	}
	if err := b.FreeInstance(h); err != nil {
		t.Errorf("FreeInstance() error = %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after FreeInstance", b.Len())
	}
}
