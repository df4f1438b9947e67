// Package errors defines the error taxonomy shared by the bus, the lifecycle
// orchestrator, the scheduler and the host.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind int

const (
	KindUnknown    Kind = iota
	KindValidation      // malformed registration or message
	KindState           // illegal transition
	KindDependency      // cycle, missing or disabled dependency
	KindPermission      // bus send/receive violation
	KindTimeout         // process or request deadline exceeded
	KindExecution       // handler or component code failed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation error"
	case KindState:
		return "state error"
	case KindDependency:
		return "dependency error"
	case KindPermission:
		return "permission error"
	case KindTimeout:
		return "timeout error"
	case KindExecution:
		return "execution error"
	default:
		return "error"
	}
}

// Common application-wide errors. They are used as the Reason of an *Error so
// that callers can match with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input provided")
	ErrAlreadyRegistered    = errors.New("already registered")
	ErrInvalidDependencies  = errors.New("invalid dependencies")
	ErrHasDependents        = errors.New("has dependents")
	ErrHasEnabledDependents = errors.New("has enabled dependents")
	ErrCircularDependency   = errors.New("circular dependency")
	ErrMissingDependency    = errors.New("missing dependency")
	ErrDisabledDependency   = errors.New("disabled dependency")
	ErrVersionConflict      = errors.New("version conflict")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrTimeout              = errors.New("deadline exceeded")
	ErrRequestFailed        = errors.New("request failed")
	ErrIllegalTransition    = errors.New("illegal transition")
	ErrHalted               = errors.New("halted, reset required")
	ErrCancelled            = errors.New("cancelled")
	ErrClosed               = errors.New("closed")
)

// Error is the concrete error type carried through the core packages.
type Error struct {
	Kind      Kind
	Reason    error    // one of the sentinel errors above, optional
	Component string   // component or process the error is about, optional
	Message   string   // free-form detail
	Cycle     []string // offending cycle for ErrCircularDependency
	Err       error    // underlying cause, optional
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Component != "" {
		fmt.Fprintf(&b, " [%s]", e.Component)
	}
	if e.Reason != nil {
		b.WriteString(": ")
		b.WriteString(e.Reason.Error())
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Cycle) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(append(append([]string(nil), e.Cycle...), e.Cycle[0]), " -> "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the reason and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Reason != nil {
		out = append(out, e.Reason)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// WithComponent sets the component the error is about.
func (e *Error) WithComponent(name string) *Error {
	e.Component = name
	return e
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// WithCycle records the offending dependency cycle.
func (e *Error) WithCycle(cycle []string) *Error {
	e.Cycle = append([]string(nil), cycle...)
	return e
}

func newf(kind Kind, reason error, format string, args ...interface{}) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

// Validation builds a ValidationError.
func Validation(reason error, format string, args ...interface{}) *Error {
	return newf(KindValidation, reason, format, args...)
}

// State builds a StateError.
func State(reason error, format string, args ...interface{}) *Error {
	return newf(KindState, reason, format, args...)
}

// Dependency builds a DependencyError.
func Dependency(reason error, format string, args ...interface{}) *Error {
	return newf(KindDependency, reason, format, args...)
}

// Permission builds a PermissionError.
func Permission(format string, args ...interface{}) *Error {
	return newf(KindPermission, ErrPermissionDenied, format, args...)
}

// Timeout builds a TimeoutError.
func Timeout(format string, args ...interface{}) *Error {
	return newf(KindTimeout, ErrTimeout, format, args...)
}

// Execution wraps a failure raised by handler or component code.
func Execution(cause error, format string, args ...interface{}) *Error {
	return newf(KindExecution, nil, format, args...).WithCause(cause)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a scheduled process failing with err may be retried.
// Plain errors returned by handlers count as execution failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindExecution, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Wrap adds context to an existing error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
