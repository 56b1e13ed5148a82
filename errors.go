package fmi

import (
	"errors"
	"fmt"
)

// Load errors.
var (
	ErrLibraryNotFound     = errors.New("fmi: library not found")
	ErrMissingExports      = errors.New("fmi: missing required exports")
	ErrPlatformUnsupported = errors.New("fmi: no binary for this platform")
)

// Binding errors. These report misuse of the binding itself; engine results
// are returned as Status values.
var (
	ErrInvalidHandle     = errors.New("fmi: invalid instance handle")
	ErrInstantiateFailed = errors.New("fmi: instantiate returned NULL")
	ErrAlreadyTerminated = errors.New("fmi: instance already terminated")
	ErrLengthMismatch    = errors.New("fmi: value and reference counts differ")
	ErrUnknownStatus     = errors.New("fmi: status code out of range")
	ErrUnsupported       = errors.New("fmi: function not exported by FMU")
	ErrClosed            = errors.New("fmi: binding closed")
)

// Lifecycle errors.
var (
	ErrInvalidState      = errors.New("fmi: call not allowed in current state")
	ErrDiscarded         = errors.New("fmi: call discarded")
	ErrStepDiscarded     = errors.New("fmi: step discarded")
	ErrStepPending       = errors.New("fmi: asynchronous step pending")
	ErrCapabilityMissing = errors.New("fmi: FMU does not support the requested interface")
	ErrOutputTooLarge    = errors.New("fmi: output exceeds size limit")
	ErrTerminated        = errors.New("fmi: FMU requested termination")
)

// CallError is returned by the lifecycle drivers when an FMI function
// reports Error or Fatal.
type CallError struct {
	Func   string // FMI function name, e.g. "fmi2DoStep"
	Status Status
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s returned %s", e.Func, e.Status)
}

// Fatal reports whether the instance is unusable after this error.
func (e *CallError) Fatal() bool {
	return e.Status == StatusFatal
}

// Err converts s into an error for fn. OK, Warning, Discard and Pending map
// to nil: callers that care about Discard or Pending inspect the Status.
func (s Status) Err(fn string) error {
	switch s {
	case StatusError, StatusFatal:
		return &CallError{Func: fn, Status: s}
	case StatusOK, StatusWarning, StatusDiscard, StatusPending:
		return nil
	default:
		return fmt.Errorf("%w: %s returned %d", ErrUnknownStatus, fn, int32(s))
	}
}

// IsFatal reports whether err carries a Fatal status.
func IsFatal(err error) bool {
	var se *CallError
	return errors.As(err, &se) && se.Fatal()
}

// statusOf validates a raw code coming back from an engine.
func statusOf(fn string, code int32) (Status, error) {
	s := Status(code)
	if !s.Valid() {
		return s, fmt.Errorf("%w: %s returned %d", ErrUnknownStatus, fn, code)
	}
	return s, nil
}
