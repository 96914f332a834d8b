package proto

import (
	"errors"
	"fmt"
)

// Kind classifies why a connection was torn down.
type Kind uint8

const (
	KindUnknown Kind = iota
	ProtocolViolation
	AuthDenied
	IoFailure
	ResourceExhaustion
	ConfigurationInvalid
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol_violation"
	case AuthDenied:
		return "auth_denied"
	case IoFailure:
		return "io_failure"
	case ResourceExhaustion:
		return "resource_exhaustion"
	case ConfigurationInvalid:
		return "configuration_invalid"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is an error tagged with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of kind k with a formatted cause.
func Errorf(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind k. It returns nil for a nil err.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: err}
}

// KindOf returns the Kind of the first Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
