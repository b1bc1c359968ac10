package cache

import (
	"errors"
	"fmt"
)

// Sentinel errors for cache operations.
var (
	// ErrBuildFailed matches every *BuildError via errors.Is.
	ErrBuildFailed = errors.New("cache: build failed")

	// ErrBuildInProgress is returned by Result.Value while the entry has not
	// reached a terminal state. Cache operations never return it.
	ErrBuildInProgress = errors.New("cache: build in progress")

	// ErrInvariantViolation indicates a collaborator bug, such as publishing
	// a result twice.
	ErrInvariantViolation = errors.New("cache: invariant violation")

	// ErrNilBackend is returned by New when no backend is supplied.
	ErrNilBackend = errors.New("cache: backend is nil")

	// ErrClosed is returned for build requests after Close.
	ErrClosed = errors.New("cache: cache is closed")
)

// CodeUnknown is the code recorded when a backend fails without a
// *BuildError of its own.
const CodeUnknown int32 = -1

// BuildError describes a failed build. It is captured once by the caller
// that performed the build and replayed to every caller for the same key.
type BuildError struct {
	Message string
	Code    int32
}

// NewBuildError returns a BuildError with the given message and code.
func NewBuildError(message string, code int32) *BuildError {
	return &BuildError{Message: message, Code: code}
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("cache: build failed: %s (code %d)", e.Message, e.Code)
}

// Is reports whether target is ErrBuildFailed.
func (e *BuildError) Is(target error) bool {
	return target == ErrBuildFailed
}

// IsFilledIn reports whether the error carries a message.
func (e *BuildError) IsFilledIn() bool {
	return e != nil && e.Message != ""
}

// toBuildError converts a backend error into the form stored on an entry.
// The result always has a message.
func toBuildError(err error) *BuildError {
	var be *BuildError
	if errors.As(err, &be) && be.IsFilledIn() {
		return &BuildError{Message: be.Message, Code: be.Code}
	}
	if be != nil {
		return &BuildError{Message: "unspecified build failure", Code: be.Code}
	}
	if err == nil || err.Error() == "" {
		return &BuildError{Message: "unspecified build failure", Code: CodeUnknown}
	}
	return &BuildError{Message: err.Error(), Code: CodeUnknown}
}
