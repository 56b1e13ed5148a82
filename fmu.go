package fmi

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FMU is an opened Functional Mock-up Unit.
//
// Archives are extracted into a temporary directory that Close removes.
// An FMU opened from a directory is used in place and left untouched.
//
// FMU is safe for concurrent use.
type FMU struct {
	dir     string
	ownsDir bool
	md      *ModelDescription
	opts    options

	mu       sync.Mutex
	bindings map[Kind]*Binding
	closed   bool
}

// LibraryLoader loads a native FMU binary for kind.
type LibraryLoader func(path string, kind Kind) (Library, error)

// WasmLoader instantiates a wasm FMU binary for kind.
type WasmLoader func(ctx context.Context, wasm []byte, kind Kind) (Library, error)

type options struct {
	ctx        context.Context
	tempDir    string
	loadNative LibraryLoader
	loadWasm   WasmLoader
}

// Option configures Open, OpenBytes and OpenFS.
type Option func(*options)

// WithContext sets the context used by the wasm runtime. Default is
// context.Background().
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithTempDir sets the parent directory for extraction. Default is
// os.TempDir().
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// WithLibraryLoader replaces LoadLibrary for native binaries.
func WithLibraryLoader(fn LibraryLoader) Option {
	return func(o *options) { o.loadNative = fn }
}

// WithWasmLoader replaces LoadWasmLibrary for wasm binaries.
func WithWasmLoader(fn WasmLoader) Option {
	return func(o *options) { o.loadWasm = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		ctx:        context.Background(),
		loadNative: LoadLibrary,
		loadWasm:   LoadWasmLibrary,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open opens an FMU from an .fmu archive or an extracted FMU directory.
//
// Example:
//
//	fmu, err := fmi.Open("BouncingBall.fmu")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fmu.Close()
func Open(path string, opts ...Option) (*FMU, error) {
	o := buildOptions(opts)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if info.IsDir() {
		return newFMU(path, false, o)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening FMU archive %s: %w", path, err)
	}
	defer func() { _ = zr.Close() }()

	return openZip(&zr.Reader, path, o)
}

// OpenBytes opens an FMU archive held in memory.
func OpenBytes(data []byte, opts ...Option) (*FMU, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("reading FMU archive: %w", err)
	}
	return openZip(zr, "", buildOptions(opts))
}

// OpenFS opens the FMU archive name from fsys (e.g., embed.FS).
//
// Example with an embedded FMU:
//
//	//go:embed models/Controller.fmu
//	var models embed.FS
//
//	fmu, err := fmi.OpenFS(models, "models/Controller.fmu")
func OpenFS(fsys fs.FS, name string, opts ...Option) (*FMU, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return OpenBytes(data, opts...)
}

// MustOpen is like Open but panics on error.
// Useful for tests or when you know the FMU is valid.
func MustOpen(path string, opts ...Option) *FMU {
	fmu, err := Open(path, opts...)
	if err != nil {
		panic(fmt.Sprintf("fmi.MustOpen: %v", err))
	}
	return fmu
}

func openZip(zr *zip.Reader, source string, o options) (*FMU, error) {
	dir, err := os.MkdirTemp(o.tempDir, "fmu-*")
	if err != nil {
		return nil, fmt.Errorf("creating extraction directory: %w", err)
	}
	if err := extract(zr, dir); err != nil {
		_ = os.RemoveAll(dir)
		if source != "" {
			return nil, fmt.Errorf("extracting %s: %w", source, err)
		}
		return nil, fmt.Errorf("extracting FMU: %w", err)
	}
	Logger().Debug("extracted FMU", zap.String("source", source), zap.String("dir", dir))

	f, err := newFMU(dir, true, o)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return f, nil
}

func newFMU(dir string, ownsDir bool, o options) (*FMU, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	md, err := ParseModelDescriptionFile(dir)
	if err != nil {
		return nil, err
	}
	return &FMU{
		dir:      dir,
		ownsDir:  ownsDir,
		md:       md,
		opts:     o,
		bindings: make(map[Kind]*Binding),
	}, nil
}

// extract writes every entry of zr below dst. Entries that would land
// outside dst are rejected.
func extract(zr *zip.Reader, dst string) error {
	root, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target, err := entryPath(root, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func entryPath(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("illegal path in archive: %q", name)
	}
	return filepath.Join(root, clean), nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ModelDescription returns the parsed modelDescription.xml.
func (f *FMU) ModelDescription() *ModelDescription { return f.md }

// Dir returns the directory holding the FMU contents.
func (f *FMU) Dir() string { return f.dir }

// ResourceLocation returns the file URI of the resources directory, as
// passed to fmi2Instantiate.
func (f *FMU) ResourceLocation() string {
	p := filepath.ToSlash(filepath.Join(f.dir, "resources"))
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// Platform returns the binaries/ subdirectory and library extension for the
// running platform. ok is false when FMI 2.0 defines no platform for it.
func Platform() (dir, ext string, ok bool) {
	return platformFor(runtime.GOOS, runtime.GOARCH)
}

func platformFor(goos, goarch string) (dir, ext string, ok bool) {
	switch {
	case goos == "linux" && goarch == "amd64":
		return "linux64", ".so", true
	case goos == "linux" && goarch == "386":
		return "linux32", ".so", true
	case goos == "darwin" && (goarch == "amd64" || goarch == "arm64"):
		return "darwin64", ".dylib", true
	case goos == "windows" && goarch == "amd64":
		return "win64", ".dll", true
	case goos == "windows" && goarch == "386":
		return "win32", ".dll", true
	}
	return "", "", false
}

// LibraryPath returns the path of the native binary for kind on this
// platform. The file may not exist.
func (f *FMU) LibraryPath(kind Kind) (string, error) {
	id := f.md.Identifier(kind)
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrCapabilityMissing, kind)
	}
	dir, ext, ok := Platform()
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrPlatformUnsupported, runtime.GOOS, runtime.GOARCH)
	}
	return filepath.Join(f.dir, "binaries", dir, id+ext), nil
}

// WasmPath returns the path of the wasm32 binary for kind. The file may not
// exist.
func (f *FMU) WasmPath(kind Kind) (string, error) {
	id := f.md.Identifier(kind)
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrCapabilityMissing, kind)
	}
	return filepath.Join(f.dir, "binaries", "wasm32", id+".wasm"), nil
}

// Platforms lists the binaries/ subdirectories shipped with the FMU.
func (f *FMU) Platforms() []string {
	entries, err := os.ReadDir(filepath.Join(f.dir, "binaries"))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// Binding loads the FMU binary for kind and returns a Binding for it. The
// native binary for this platform is preferred; binaries/wasm32 is used when
// it is the only one present. Bindings are cached per kind and closed by
// Close.
func (f *FMU) Binding(kind Kind) (*Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}
	if b, ok := f.bindings[kind]; ok {
		return b, nil
	}

	lib, err := f.load(kind)
	if err != nil {
		return nil, err
	}
	b := NewBinding(lib)
	f.bindings[kind] = b
	return b, nil
}

func (f *FMU) load(kind Kind) (Library, error) {
	if f.md.Identifier(kind) == "" {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, kind)
	}

	libPath, err := f.LibraryPath(kind)
	if err == nil {
		if _, statErr := os.Stat(libPath); statErr == nil {
			return f.opts.loadNative(libPath, kind)
		}
	} else if !errors.Is(err, ErrPlatformUnsupported) {
		return nil, err
	}

	wasmPath, _ := f.WasmPath(kind)
	if data, readErr := os.ReadFile(wasmPath); readErr == nil {
		return f.opts.loadWasm(f.opts.ctx, data, kind)
	}

	dir, _, _ := Platform()
	return nil, fmt.Errorf("%w: want %s or wasm32, FMU has %v", ErrPlatformUnsupported, dir, f.Platforms())
}

// Close closes every Binding and removes the extraction directory. It is
// idempotent.
func (f *FMU) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	for _, b := range f.bindings {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.bindings = nil
	if f.ownsDir {
		if err := os.RemoveAll(f.dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
