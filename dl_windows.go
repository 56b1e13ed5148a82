//go:build windows

package fmi

import (
	"golang.org/x/sys/windows"
)

func openLibrary(path string) (uintptr, error) {
	h, err := windows.LoadLibrary(path)
	if err != nil {
		return 0, err
	}
	return uintptr(h), nil
}

// lookupSymbol returns the address of name, or 0 if it is not exported.
func lookupSymbol(handle uintptr, name string) uintptr {
	proc, err := windows.GetProcAddress(windows.Handle(handle), name)
	if err != nil {
		return 0
	}
	return proc
}

func closeLibrary(handle uintptr) error {
	return windows.FreeLibrary(windows.Handle(handle))
}

func libcPath() string {
	return "msvcrt.dll"
}
