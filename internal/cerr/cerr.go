// Package cerr defines the error taxonomy shared by the connection and run
// layers. Callers branch on codes, never on message text.
package cerr

import (
	"context"
	"errors"
	"fmt"
)

type Code int

const (
	Unknown Code = iota
	// ConnectionTimeout: worker session creation did not finish in time.
	ConnectionTimeout
	// ConnectionFailed: worker session creation failed outright.
	ConnectionFailed
	// CapabilityMissing: required tools absent even after a forced refresh.
	CapabilityMissing
	// Cancelled: the caller cancelled the run; not a failure.
	Cancelled
	// ResponseShape: a response encoding could not be parsed. Internal only;
	// the normalizer degrades to opaque text instead of surfacing this.
	ResponseShape
	// ArtifactExport: a single artifact export failed. Never aborts a batch.
	ArtifactExport
)

func (c Code) String() string {
	switch c {
	case ConnectionTimeout:
		return "CONNECTION_TIMEOUT"
	case ConnectionFailed:
		return "CONNECTION_FAILED"
	case CapabilityMissing:
		return "CAPABILITY_MISSING"
	case Cancelled:
		return "CANCELLED"
	case ResponseShape:
		return "RESPONSE_SHAPE"
	case ArtifactExport:
		return "ARTIFACT_EXPORT"
	}
	return "UNKNOWN"
}

type Error struct {
	Code Code
	Msg  string // message surfaced to the caller
	Err  error  // underlying cause, kept for logs
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the taxonomy code from an error chain. Bare
// context.Canceled counts as Cancelled so transport aborts classify
// uniformly.
func CodeOf(err error) Code {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Unknown
}

// IsCancelled reports whether the error chain represents a cooperative
// cancellation rather than a failure.
func IsCancelled(err error) bool {
	return CodeOf(err) == Cancelled
}
