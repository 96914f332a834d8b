// Package socks4 implements the server side of SOCKS4 and SOCKS4a as an
// incremental proto.Engine.
//
// SOCKS4 has no method negotiation: a single CONNECT request carries the
// target and a user ID, so the engine goes from handshake straight to
// reply_pending.
package socks4

import (
	"crypto/subtle"
	"encoding/binary"
	"net"

	"github.com/die-net/rps/internal/addr"
	"github.com/die-net/rps/internal/proto"
)

const (
	version    = 0x04
	cmdConnect = 0x01

	replyVersion = 0x00
	repGranted   = 0x5a
	repRejected  = 0x5b

	// maxField bounds USERID and the SOCKS4a hostname.
	maxField = addr.MaxNameLen
)

const (
	stepVersion = iota
	stepCmd
	stepPort
	stepIP
	stepUserID
	stepHost
)

// Engine is the server side of one SOCKS4 connection.
type Engine struct {
	creds proto.Credentials

	step   int
	port   []byte
	ip     []byte
	userID []byte
	host   []byte
}

var _ proto.Engine = (*Engine)(nil)

// NewEngine returns an Engine for one connection. A non-empty username must
// match the request's USERID; SOCKS4 carries no password.
func NewEngine(creds proto.Credentials) proto.Engine {
	return &Engine{creds: creds}
}

// Feed implements proto.Engine.
func (e *Engine) Feed(state proto.State, data []byte) proto.Result {
	if state != proto.StateHandshake {
		return proto.Result{
			Next: proto.StateKill,
			Err:  proto.Errorf(proto.ProtocolViolation, "socks4: unexpected data in state %s", state),
		}
	}

	for i, c := range data {
		switch e.step {
		case stepVersion:
			if c != version {
				return kill(i+1, nil, proto.Errorf(proto.ProtocolViolation, "socks4: bad version %#x", c))
			}
			e.step = stepCmd
		case stepCmd:
			if c != cmdConnect {
				return kill(i+1, rejected(), proto.Errorf(proto.ProtocolViolation, "socks4: unsupported command %#x", c))
			}
			e.port = make([]byte, 0, 2)
			e.step = stepPort
		case stepPort:
			e.port = append(e.port, c)
			if len(e.port) == 2 {
				e.ip = make([]byte, 0, 4)
				e.step = stepIP
			}
		case stepIP:
			e.ip = append(e.ip, c)
			if len(e.ip) == 4 {
				e.step = stepUserID
			}
		case stepUserID:
			if c != 0 {
				if len(e.userID) == maxField {
					return kill(i+1, rejected(), proto.Errorf(proto.ProtocolViolation, "socks4: user id too long"))
				}
				e.userID = append(e.userID, c)
				continue
			}
			if e.isSOCKS4a() {
				e.step = stepHost
				continue
			}
			return e.finish(i + 1)
		case stepHost:
			if c != 0 {
				if len(e.host) == maxField {
					return kill(i+1, rejected(), proto.Errorf(proto.ProtocolViolation, "socks4a: hostname too long"))
				}
				e.host = append(e.host, c)
				continue
			}
			return e.finish(i + 1)
		}
	}
	return proto.Result{Next: proto.StateHandshake, Consumed: len(data)}
}

// isSOCKS4a reports whether DSTIP is 0.0.0.x with x != 0, which announces a
// hostname after the user ID.
func (e *Engine) isSOCKS4a() bool {
	return e.ip[0] == 0 && e.ip[1] == 0 && e.ip[2] == 0 && e.ip[3] != 0
}

func (e *Engine) finish(n int) proto.Result {
	if e.creds.Username != "" && subtle.ConstantTimeCompare([]byte(e.creds.Username), e.userID) != 1 {
		return kill(n, rejected(), proto.Errorf(proto.AuthDenied, "socks4: bad user id %q", e.userID))
	}

	var target addr.Address
	var err error
	if e.host != nil || e.isSOCKS4a() {
		target, err = addr.FromName(e.host, e.port)
	} else {
		target, err = addr.FromIPv4(e.ip, e.port)
	}
	if err != nil {
		return kill(n, rejected(), proto.Wrap(proto.ProtocolViolation, err))
	}
	return proto.Result{Next: proto.StateReplyPending, Consumed: n, Target: target}
}

// Reply implements proto.Engine.
func (e *Engine) Reply(err error, bound net.Addr) proto.Result {
	if err != nil {
		return proto.Result{Next: proto.StateKill, Write: rejected(), Err: err}
	}

	b := []byte{replyVersion, repGranted, 0, 0, 0, 0, 0, 0}
	if ta, ok := bound.(*net.TCPAddr); ok {
		if ip4 := ta.IP.To4(); ip4 != nil {
			binary.BigEndian.PutUint16(b[2:4], uint16(ta.Port))
			copy(b[4:], ip4)
		}
	}
	return proto.Result{Next: proto.StateEstablished, Write: b}
}

func rejected() []byte {
	return []byte{replyVersion, repRejected, 0, 0, 0, 0, 0, 0}
}

func kill(n int, write []byte, err error) proto.Result {
	return proto.Result{Next: proto.StateKill, Consumed: n, Write: write, Err: err}
}
