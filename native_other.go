//go:build !(darwin || freebsd || linux || windows)

package fmi

import (
	"fmt"
	"runtime"
)

// LoadLibrary is not available on this platform. Use LoadWasmLibrary.
func LoadLibrary(path string, kind Kind) (Library, error) {
	return nil, fmt.Errorf("%w: native FMUs on %s/%s", ErrPlatformUnsupported, runtime.GOOS, runtime.GOARCH)
}
