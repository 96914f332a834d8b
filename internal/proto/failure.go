package proto

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// Failure is the protocol-neutral reason a forward connect attempt failed.
// Engines map it onto their own reply codes.
type Failure uint8

const (
	FailureNone Failure = iota
	FailureGeneral
	FailureNotAllowed
	FailureNetworkUnreachable
	FailureHostUnreachable
	FailureRefused
	FailureTimeout
)

// failureCarrier is implemented by errors that already know their Failure,
// such as a refusal relayed from an upstream SOCKS5 proxy.
type failureCarrier interface {
	ConnectFailure() Failure
}

// ClassifyConnect maps a connect error onto a Failure.
func ClassifyConnect(err error) Failure {
	if err == nil {
		return FailureNone
	}

	var fc failureCarrier
	if errors.As(err, &fc) {
		return fc.ConnectFailure()
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return FailureRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return FailureNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return FailureHostUnreachable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return FailureTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return FailureHostUnreachable
	}

	if KindOf(err) == Timeout {
		return FailureTimeout
	}

	return FailureGeneral
}
