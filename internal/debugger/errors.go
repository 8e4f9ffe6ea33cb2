package debugger

import (
	"errors"
	"fmt"
)

// Kind classifies debugger errors for callers that map them onto protocol
// error codes.
type Kind int

const (
	InternalError Kind = iota
	ConnectionFailed
	InvalidConfig
	InvalidSession
	InvalidAddress
	SessionLimitExceeded
	ProbeNotFound
)

func (k Kind) String() string {
	switch k {
	case ConnectionFailed:
		return "ConnectionFailed"
	case InvalidConfig:
		return "InvalidConfig"
	case InvalidSession:
		return "InvalidSession"
	case InvalidAddress:
		return "InvalidAddress"
	case SessionLimitExceeded:
		return "SessionLimitExceeded"
	case ProbeNotFound:
		return "ProbeNotFound"
	}
	return "InternalError"
}

// Error is returned by every Registry and Session operation.
type Error struct {
	Kind Kind
	// Op is the operation that failed ("halt", "read_memory", ...).
	Op  string
	Msg string
	Err error
}

// Sentinels for errors.Is. Only the Kind is compared.
var (
	ErrInternal             = &Error{Kind: InternalError}
	ErrConnectionFailed     = &Error{Kind: ConnectionFailed}
	ErrInvalidConfig        = &Error{Kind: InvalidConfig}
	ErrInvalidSession       = &Error{Kind: InvalidSession}
	ErrInvalidAddress       = &Error{Kind: InvalidAddress}
	ErrSessionLimitExceeded = &Error{Kind: SessionLimitExceeded}
	ErrProbeNotFound        = &Error{Kind: ProbeNotFound}
)

func (e *Error) Error() string {
	var prefix string
	switch e.Kind {
	case ConnectionFailed:
		prefix = "Connection failed"
	case InvalidConfig:
		prefix = "Invalid configuration"
	case InvalidSession:
		prefix = "Invalid session"
	case InvalidAddress:
		prefix = "Invalid address"
	case SessionLimitExceeded:
		prefix = "Session limit exceeded"
	case ProbeNotFound:
		prefix = "Probe not found"
	default:
		prefix = "Internal error"
	}

	msg := prefix
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the Kind of err, InternalError for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func internalError(op, msg string, err error) *Error {
	return newError(InternalError, op, msg, err)
}

func invalidSession(op, id string) *Error {
	return newError(InvalidSession, op, id, nil)
}

func invalidAddress(op string, addr uint64) *Error {
	return newError(InvalidAddress, op, fmt.Sprintf("0x%08X", addr), nil)
}
