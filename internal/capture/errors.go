package capture

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTarget        = errors.New("capture: invalid target")
	ErrActivationDenied     = errors.New("capture: process loopback activation denied")
	ErrActivationFailed     = errors.New("capture: activation failed")
	ErrFormatUnsupported    = errors.New("capture: audio format unsupported")
	ErrBufferOverrun        = errors.New("capture: buffer overrun")
	ErrSinkWriteFailed      = errors.New("capture: sink write failed")
	ErrAlreadyStarted       = errors.New("capture: session already started")
	ErrInvalidState         = errors.New("capture: invalid session state")
	ErrDeviceInvalidated    = errors.New("capture: audio device invalidated")
	ErrMixFormatUnavailable = errors.New("capture: mix format unavailable")
	ErrUnsupportedPlatform  = errors.New("capture: process loopback not supported on this platform")
)

// HResultError is a failed platform call. Its Unwrap maps the status code
// onto the engine's error taxonomy so callers can use errors.Is.
type HResultError struct {
	Op      string
	HResult uint32
}

func (e *HResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, FormatHResult(e.HResult))
}

func (e *HResultError) Unwrap() error {
	return classifyHResult(e.HResult)
}

// HResultOf extracts the platform status code from err, if any.
func HResultOf(err error) (uint32, bool) {
	var hrErr *HResultError
	if errors.As(err, &hrErr) {
		return hrErr.HResult, true
	}
	return 0, false
}

// sinkError wraps a failed sink write so it matches ErrSinkWriteFailed and
// still exposes the writer's own error.
type sinkError struct {
	err error
}

func (e *sinkError) Error() string {
	return fmt.Sprintf("%v: %v", ErrSinkWriteFailed, e.err)
}

func (e *sinkError) Unwrap() []error {
	return []error{ErrSinkWriteFailed, e.err}
}
