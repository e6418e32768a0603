// Package simerr defines the error taxonomy shared by every layer of the
// orchestrator. Errors carry a Kind so callers can branch with errors.Is
// regardless of how deeply the failure was wrapped.
package simerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The numeric value doubles as the error code
// reported over the control-plane.
type Kind int

const (
	KindUnknown Kind = iota
	KindLaunch
	KindInitialization
	KindStepTimeout
	KindTransport
	KindConfiguration
	KindDuplicateRegistration
	KindInvalidState
	KindNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindLaunch:                "launch failure",
	KindInitialization:        "initialization failure",
	KindStepTimeout:           "step timeout",
	KindTransport:             "transport failure",
	KindConfiguration:         "configuration error",
	KindDuplicateRegistration: "duplicate registration",
	KindInvalidState:          "invalid state",
	KindNotFound:              "not found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is comparisons.
var (
	ErrLaunch                = &Error{Kind: KindLaunch}
	ErrInitialization        = &Error{Kind: KindInitialization}
	ErrStepTimeout           = &Error{Kind: KindStepTimeout}
	ErrTransport             = &Error{Kind: KindTransport}
	ErrConfiguration         = &Error{Kind: KindConfiguration}
	ErrDuplicateRegistration = &Error{Kind: KindDuplicateRegistration}
	ErrInvalidState          = &Error{Kind: KindInvalidState}
	ErrNotFound              = &Error{Kind: KindNotFound}
)

// Error is a classified failure, optionally attributed to one engine.
type Error struct {
	Kind   Kind
	Engine string
	Op     string
	Err    error
}

// New builds a classified error.
func New(kind Kind, engine, op string, err error) *Error {
	return &Error{Kind: kind, Engine: engine, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, engine, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Engine: engine, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Engine != "" {
		msg = fmt.Sprintf("engine %q: %s", e.Engine, msg)
	}
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels above work as
// targets.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
