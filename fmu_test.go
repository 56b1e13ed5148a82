package fmi

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"
)

func TestOpenDirectory(t *testing.T) {
	lib := newFakeLibrary()
	fmu := openBouncingBall(t, lib)

	if fmu.ModelDescription().ModelName != "BouncingBall" {
		t.Errorf("ModelName = %q", fmu.ModelDescription().ModelName)
	}
	if !filepath.IsAbs(fmu.Dir()) {
		t.Errorf("Dir() = %q, want absolute path", fmu.Dir())
	}
	if got := fmu.Platforms(); !reflect.DeepEqual(got, []string{"wasm32"}) {
		t.Errorf("Platforms() = %v", got)
	}

	dir := fmu.Dir()
	if err := fmu.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Close removed a directory it does not own: %v", err)
	}
}

func TestOpenArchive(t *testing.T) {
	path := writeFMUArchive(t)
	tmp := t.TempDir()

	fmu, err := Open(path, WithTempDir(tmp), withFake(newFakeLibrary()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	dir := fmu.Dir()
	if !strings.HasPrefix(dir, tmp) {
		t.Errorf("extracted to %q, want below %q", dir, tmp)
	}
	data, err := os.ReadFile(filepath.Join(dir, "resources", "config.txt"))
	if err != nil || string(data) != "g=9.81\n" {
		t.Errorf("resources/config.txt = %q, %v", data, err)
	}
	if got := fmu.Platforms(); !reflect.DeepEqual(got, []string{"wasm32"}) {
		t.Errorf("Platforms() = %v", got)
	}

	if err := fmu.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("extraction directory still present after Close: %v", err)
	}
	if err := fmu.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestOpenBytesAndFS(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		ModelDescriptionFile:                bouncingBallXML(t),
		"binaries/wasm32/bouncingBall.wasm": []byte("\x00asm"),
	})

	fmu, err := OpenBytes(data, WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("OpenBytes failed: %v", err)
	}
	if fmu.ModelDescription().GUID != "{8c4e810f-3df3-4a00-8276-176fa3c9f003}" {
		t.Errorf("GUID = %q", fmu.ModelDescription().GUID)
	}
	_ = fmu.Close()

	fsys := fstest.MapFS{"models/BouncingBall.fmu": &fstest.MapFile{Data: data}}
	fmu, err = OpenFS(fsys, "models/BouncingBall.fmu", WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("OpenFS failed: %v", err)
	}
	_ = fmu.Close()

	if _, err := OpenFS(fsys, "models/missing.fmu"); err == nil {
		t.Error("OpenFS on a missing file succeeded")
	}
}

func TestOpenErrors(t *testing.T) {
	tmp := t.TempDir()
	notZip := filepath.Join(tmp, "broken.fmu")
	if err := os.WriteFile(notZip, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	emptyDir := filepath.Join(tmp, "empty")
	if err := os.Mkdir(emptyDir, 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		open    func() error
		wantErr error
		wantMsg string
	}{
		{"missing path", func() error { _, err := Open(filepath.Join(tmp, "nope.fmu")); return err }, os.ErrNotExist, ""},
		{"not an archive", func() error { _, err := Open(notZip); return err }, nil, "opening FMU archive"},
		{"no description", func() error { _, err := Open(emptyDir); return err }, ErrNoModelDescription, ""},
		{"garbage bytes", func() error { _, err := OpenBytes([]byte("junk")); return err }, nil, "reading FMU archive"},
		{"zip slip", func() error {
			data := buildZip(t, map[string][]byte{
				ModelDescriptionFile: bouncingBallXML(t),
				"../evil.so":         []byte("x"),
			})
			_, err := OpenBytes(data, WithTempDir(tmp))
			if errors.Is(err, zip.ErrInsecurePath) {
				// GODEBUG=zipinsecurepath=0 rejects it before extraction.
				return errors.New("illegal path in archive")
			}
			return err
		}, nil, "illegal path in archive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.open()
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want substring %q", err, tt.wantMsg)
			}
		})
	}

	// Failed extractions leave nothing behind.
	entries, _ := os.ReadDir(tmp)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "fmu-") {
			t.Errorf("leftover extraction directory %s", e.Name())
		}
	}
}

func TestMustOpenPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustOpen did not panic")
		}
	}()
	MustOpen(filepath.Join(t.TempDir(), "missing.fmu"))
}

func TestEntryPath(t *testing.T) {
	root := filepath.FromSlash("/tmp/fmu")
	tests := []struct {
		name string
		ok   bool
	}{
		{"modelDescription.xml", true},
		{"binaries/linux64/m.so", true},
		{"resources/../resources/a.txt", true},
		{"../evil", false},
		{"resources/../../evil", false},
		{"..", false},
	}
	for _, tt := range tests {
		got, err := entryPath(root, tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("entryPath(%q) = %q, %v; want ok=%v", tt.name, got, err, tt.ok)
			continue
		}
		if tt.ok && !strings.HasPrefix(got, root) {
			t.Errorf("entryPath(%q) = %q escapes root", tt.name, got)
		}
	}
}

func TestResourceLocation(t *testing.T) {
	fmu := openBouncingBall(t, newFakeLibrary())

	loc := fmu.ResourceLocation()
	if !strings.HasPrefix(loc, "file:///") {
		t.Errorf("ResourceLocation() = %q, want file:/// prefix", loc)
	}
	if !strings.HasSuffix(loc, "/resources") {
		t.Errorf("ResourceLocation() = %q, want /resources suffix", loc)
	}
}

func TestPlatformFor(t *testing.T) {
	tests := []struct {
		goos, goarch string
		dir, ext     string
		ok           bool
	}{
		{"linux", "amd64", "linux64", ".so", true},
		{"linux", "386", "linux32", ".so", true},
		{"darwin", "arm64", "darwin64", ".dylib", true},
		{"darwin", "amd64", "darwin64", ".dylib", true},
		{"windows", "amd64", "win64", ".dll", true},
		{"windows", "386", "win32", ".dll", true},
		{"linux", "arm64", "", "", false},
		{"plan9", "amd64", "", "", false},
	}
	for _, tt := range tests {
		dir, ext, ok := platformFor(tt.goos, tt.goarch)
		if dir != tt.dir || ext != tt.ext || ok != tt.ok {
			t.Errorf("platformFor(%s, %s) = %q, %q, %v", tt.goos, tt.goarch, dir, ext, ok)
		}
	}
}

func TestBinaryPaths(t *testing.T) {
	fmu := openBouncingBall(t, newFakeLibrary())

	wasm, err := fmu.WasmPath(CoSimulation)
	if err != nil || wasm != filepath.Join(fmu.Dir(), "binaries", "wasm32", "bouncingBall.wasm") {
		t.Errorf("WasmPath = %q, %v", wasm, err)
	}
	if dir, ext, ok := Platform(); ok {
		lib, err := fmu.LibraryPath(ModelExchange)
		if err != nil || lib != filepath.Join(fmu.Dir(), "binaries", dir, "bouncingBall"+ext) {
			t.Errorf("LibraryPath = %q, %v", lib, err)
		}
	}

	integrator, err := os.ReadFile("testdata/Integrator.xml")
	if err != nil {
		t.Fatal(err)
	}
	meOnly, err := Open(writeFMUDir(t, integrator, "integrator"))
	if err != nil {
		t.Fatal(err)
	}
	defer meOnly.Close()
	if _, err := meOnly.LibraryPath(CoSimulation); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("LibraryPath(CoSimulation) error = %v, want ErrCapabilityMissing", err)
	}
	if _, err := meOnly.WasmPath(CoSimulation); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("WasmPath(CoSimulation) error = %v", err)
	}
	if _, err := meOnly.Binding(CoSimulation); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("Binding(CoSimulation) error = %v", err)
	}
}

func TestBindingCache(t *testing.T) {
	lib := newFakeLibrary()
	fmu := openBouncingBall(t, lib)

	b1, err := fmu.Binding(CoSimulation)
	if err != nil {
		t.Fatalf("Binding failed: %v", err)
	}
	b2, _ := fmu.Binding(CoSimulation)
	if b1 != b2 {
		t.Error("Binding not cached per kind")
	}
	me, err := fmu.Binding(ModelExchange)
	if err != nil || me == b1 {
		t.Errorf("Binding(ModelExchange) = %p, %v", me, err)
	}

	if err := fmu.Close(); err != nil {
		t.Fatal(err)
	}
	if lib.closed != 2 {
		t.Errorf("library closed %d times, want once per binding", lib.closed)
	}
	if _, err := fmu.Binding(CoSimulation); !errors.Is(err, ErrClosed) {
		t.Errorf("Binding after Close error = %v, want ErrClosed", err)
	}
}

func TestBindingMissingBinary(t *testing.T) {
	dir := writeFMUDir(t, bouncingBallXML(t))
	fmu, err := Open(dir, withFake(newFakeLibrary()))
	if err != nil {
		t.Fatal(err)
	}
	defer fmu.Close()

	_, err = fmu.Binding(CoSimulation)
	if !errors.Is(err, ErrPlatformUnsupported) {
		t.Errorf("error = %v, want ErrPlatformUnsupported", err)
	}
	if !strings.Contains(err.Error(), "wasm32") {
		t.Errorf("error %q does not list the shipped platforms", err)
	}
}

func TestBindingPrefersNative(t *testing.T) {
	platform, ext, ok := Platform()
	if !ok {
		t.Skip("no FMI platform for this GOOS/GOARCH")
	}
	dir := writeFMUDir(t, bouncingBallXML(t), "bouncingBall")
	native := filepath.Join(dir, "binaries", platform, "bouncingBall"+ext)
	if err := os.MkdirAll(filepath.Dir(native), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(native, []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}

	lib := newFakeLibrary()
	var loadedPath string
	var wasmCalled bool
	fmu, err := Open(dir,
		WithLibraryLoader(func(path string, kind Kind) (Library, error) {
			loadedPath = path
			return lib, nil
		}),
		WithWasmLoader(func(_ context.Context, _ []byte, _ Kind) (Library, error) {
			wasmCalled = true
			return lib, nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	defer fmu.Close()

	if _, err := fmu.Binding(CoSimulation); err != nil {
		t.Fatal(err)
	}
	if loadedPath != native || wasmCalled {
		t.Errorf("loaded %q (wasm=%v), want native %q", loadedPath, wasmCalled, native)
	}
}
