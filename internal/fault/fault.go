// Package fault carries the engine's error taxonomy. Every command
// returns either nil or an *Error whose Kind callers can branch on.
package fault

import (
	"errors"
	"fmt"
)

const (
	KindValidation          = "VALIDATION"
	KindPermission          = "PERMISSION"
	KindNotFound            = "NOT_FOUND"
	KindConflict            = "CONFLICT"
	KindImmutableVersion    = "IMMUTABLE_VERSION"
	KindVersionNotPublished = "VERSION_NOT_PUBLISHED"
	KindStepNotReady        = "STEP_NOT_READY"
	KindTerminalStep        = "TERMINAL_STEP"
	KindBufferPurity        = "BUFFER_PURITY"
)

type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Permissionf(format string, args ...any) *Error {
	return New(KindPermission, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func ImmutableVersionf(format string, args ...any) *Error {
	return New(KindImmutableVersion, format, args...)
}

func VersionNotPublishedf(format string, args ...any) *Error {
	return New(KindVersionNotPublished, format, args...)
}

func StepNotReadyf(format string, args ...any) *Error {
	return New(KindStepNotReady, format, args...)
}

func TerminalStepf(format string, args ...any) *Error {
	return New(KindTerminalStep, format, args...)
}

func BufferPurityf(format string, args ...any) *Error {
	return New(KindBufferPurity, format, args...)
}

// Kind reports the taxonomy kind of err, or "" when err is not a fault.
func Kind(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func IsKind(err error, kind string) bool {
	return err != nil && Kind(err) == kind
}
