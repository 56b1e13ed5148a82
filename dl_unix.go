//go:build darwin || freebsd || linux

package fmi

import (
	"runtime"

	"github.com/ebitengine/purego"
)

// openLibrary loads a shared object. Symbols are bound immediately and made
// available to libraries the FMU loads itself.
func openLibrary(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
}

// lookupSymbol returns the address of name, or 0 if it is not exported.
func lookupSymbol(handle uintptr, name string) uintptr {
	sym, err := purego.Dlsym(handle, name)
	if err != nil {
		return 0
	}
	return sym
}

func closeLibrary(handle uintptr) error {
	return purego.Dlclose(handle)
}

func libcPath() string {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/lib/libSystem.B.dylib"
	case "freebsd":
		return "libc.so.7"
	default:
		return "libc.so.6"
	}
}
