package errors

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownLayer        = errors.New("unknown layer")
	ErrInputMissing        = errors.New("input file missing")
	ErrIndexCreateConflict = errors.New("index already exists")
	ErrIndexNotFound       = errors.New("index not found")
	ErrFeatureDecode       = errors.New("feature decode failed")
	ErrEngineUnavailable   = errors.New("search engine unavailable")
	ErrLockHeld            = errors.New("ingest lock already held")
)

// LoadError wraps a sentinel with the layer it occurred on and a
// human-readable message.
type LoadError struct {
	Err     error
	Layer   string
	Message string
}

func (e *LoadError) Error() string {
	if e.Layer == "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return fmt.Sprintf("%s: layer %s: %s", e.Err.Error(), e.Layer, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// New wraps a sentinel error with layer context.
func New(sentinel error, layer, message string) *LoadError {
	return &LoadError{
		Err:     sentinel,
		Layer:   layer,
		Message: message,
	}
}

// Newf wraps a sentinel error with layer context and a formatted message.
func Newf(sentinel error, layer, format string, args ...any) *LoadError {
	return &LoadError{
		Err:     sentinel,
		Layer:   layer,
		Message: fmt.Sprintf(format, args...),
	}
}

// Process exit codes.
const (
	ExitOK           = 0
	ExitLayerFailed  = 1
	ExitInputMissing = 2
)

// ExitCode maps an error from the top-level run to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInputMissing):
		return ExitInputMissing
	default:
		return ExitLayerFailed
	}
}
