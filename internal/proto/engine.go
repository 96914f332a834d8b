// Package proto defines the contract between a connection context and the
// front-end protocol that negotiates it.
//
// A connection moves through the closed set of States below. For every chunk
// of bytes read from the client, the context hands the bytes and its current
// State to the Engine of the listener's Family; the Engine consumes what it
// can and answers with the next State and any bytes to write back. Engines
// never touch sockets themselves.
package proto

import (
	"errors"
	"net"
	"strings"

	"github.com/die-net/rps/internal/addr"
)

// ReadBufferSize is the fixed size of a context's read buffer.
const ReadBufferSize = 2048

// Family is a front-end protocol family.
type Family int

const (
	Unsupported Family = -1
	SOCKS5      Family = 1
	HTTP        Family = 2
	SOCKS4      Family = 3
	Private     Family = 4
)

func (f Family) String() string {
	switch f {
	case SOCKS5:
		return "socks5"
	case HTTP:
		return "http"
	case SOCKS4:
		return "socks4"
	case Private:
		return "private"
	default:
		return "unsupported"
	}
}

// ParseFamily maps a configuration name to a Family.
func ParseFamily(s string) Family {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "socks5":
		return SOCKS5
	case "http":
		return HTTP
	case "socks4":
		return SOCKS4
	case "private":
		return Private
	default:
		return Unsupported
	}
}

// Credentials are the static username/password a listener requires. Both
// empty means no authentication.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no credentials are configured.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Result is an Engine's answer to one Feed or Reply call.
type Result struct {
	// Next is the state the context moves to.
	Next State
	// Consumed is how many input bytes the engine used. Bytes past Consumed
	// belong to the next protocol step.
	Consumed int
	// Write holds bytes to queue on the client socket before Next takes
	// effect. When Next is StateKill the bytes are flushed before close.
	Write []byte
	// Target is set when Next is StateReplyPending.
	Target addr.Address
	// Err explains a transition to StateKill.
	Err error
}

// Engine parses one connection's front-end protocol. Engines keep their own
// partial-parse position, so a message may arrive split over any number of
// Feed calls.
type Engine interface {
	// Feed consumes bytes received while the context is in state.
	Feed(state State, data []byte) Result
	// Reply builds the answer to the client once the forward connect attempt
	// finished. bound is the local address of the forward socket on success.
	Reply(err error, bound net.Addr) Result
}

// NewEngineFunc constructs a fresh Engine for one connection.
type NewEngineFunc func(Credentials) Engine

// ErrNoUpstream reports that no upstream endpoint was available.
var ErrNoUpstream = errors.New("no upstream available")
