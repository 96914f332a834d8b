package proto

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to State }{
		{StateInit, StateHandshake},
		{StateInit, StateConnecting},
		{StateHandshake, StateAuth},
		{StateHandshake, StateRequesting},
		{StateAuth, StateRequesting},
		{StateRequesting, StateReplyPending},
		{StateReplyPending, StateWaiting},
		{StateWaiting, StateReplying},
		{StateReplying, StateEstablished},
		{StateConnecting, StateWaiting},
		{StateWaiting, StateEstablished},
		{StateDead, StateKill},
		{StateKill, StateClosing},
		{StateClosing, StateClosed},
		{StateEstablished, StateEstablished},
	}
	for _, tc := range allowed {
		require.Truef(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	forbidden := []struct{ from, to State }{
		{StateInit, StateEstablished},
		{StateHandshake, StateEstablished},
		{StateAuth, StateHandshake},
		{StateRequesting, StateAuth},
		{StateEstablished, StateHandshake},
		{StateClosed, StateInit},
		{StateClosed, StateClosed},
		{StateClosing, StateEstablished},
		{StateKill, StateEstablished},
		{numStates, StateInit},
	}
	for _, tc := range forbidden {
		require.Falsef(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTeardownReachableFromEveryLiveState(t *testing.T) {
	t.Parallel()

	for s := StateInit; s < numStates; s++ {
		if s.Terminal() {
			continue
		}
		for _, to := range []State{StateKill, StateDead, StateClosing, StateClosed} {
			require.Truef(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
}

func TestStateNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "reply_pending", StateReplyPending.String())
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "unknown", State(200).String())
	require.True(t, StateAuth.Parsing())
	require.False(t, StateEstablished.Timed())
}

func TestParseFamily(t *testing.T) {
	t.Parallel()

	require.Equal(t, SOCKS5, ParseFamily("socks5"))
	require.Equal(t, HTTP, ParseFamily(" HTTP "))
	require.Equal(t, SOCKS4, ParseFamily("socks4"))
	require.Equal(t, Private, ParseFamily("private"))
	require.Equal(t, Unsupported, ParseFamily("gopher"))
	require.Equal(t, "socks4", SOCKS4.String())
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("handshake: %w", Errorf(AuthDenied, "user %q", "bob"))
	require.Equal(t, AuthDenied, KindOf(err))
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Nil(t, Wrap(IoFailure, nil))
	require.Equal(t, "io_failure: boom", Wrap(IoFailure, errors.New("boom")).Error())
}

type carried Failure

func (c carried) Error() string            { return "carried" }
func (c carried) ConnectFailure() Failure { return Failure(c) }

func TestClassifyConnect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Failure
	}{
		{"nil", nil, FailureNone},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, FailureRefused},
		{"net unreachable", fmt.Errorf("dial: %w", syscall.ENETUNREACH), FailureNetworkUnreachable},
		{"host unreachable", syscall.EHOSTUNREACH, FailureHostUnreachable},
		{"deadline", context.DeadlineExceeded, FailureTimeout},
		{"timer", Errorf(Timeout, "forward"), FailureTimeout},
		{"dns", &net.DNSError{Err: "no such host", IsNotFound: true}, FailureHostUnreachable},
		{"carrier", fmt.Errorf("upstream: %w", carried(FailureNotAllowed)), FailureNotAllowed},
		{"other", errors.New("nope"), FailureGeneral},
		{"no upstream", ErrNoUpstream, FailureGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ClassifyConnect(tt.err))
		})
	}
}
