package socks5

import (
	"bytes"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/rps/internal/addr"
	"github.com/die-net/rps/internal/proto"
)

const (
	socksVersion    = 0x05
	userPassVersion = 0x01

	// RFC 1928: 0xFF indicates no acceptable methods.
	methodNoAcceptable = 0xff
)

// encode serializes a txsocks5 wire structure into a fresh slice.
func encode(w io.WriterTo) []byte {
	var buf bytes.Buffer
	_, _ = w.WriteTo(&buf)
	return buf.Bytes()
}

func negotiationReply(method byte) []byte {
	return encode(txsocks5.NewNegotiationReply(method))
}

func userPassReply(status byte) []byte {
	return encode(txsocks5.NewUserPassNegotiationReply(status))
}

// zeroAddrReply builds a reply carrying rep and an all-zero bound address of
// the same family as atyp.
func zeroAddrReply(rep, atyp byte) []byte {
	if atyp == txsocks5.ATYPIPv6 {
		return encode(txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00}))
	}
	return encode(txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}))
}

// successReply builds a success reply using bound as BND.ADDR/BND.PORT.
func successReply(bound net.Addr) []byte {
	a, err := addr.FromNetAddr(bound)
	if err != nil {
		return zeroAddrReply(txsocks5.RepSuccess, txsocks5.ATYPIPv4)
	}
	host := a.HostBytes()
	if a.Type() == addr.Name {
		host = host[1:]
	}
	return encode(txsocks5.NewReply(txsocks5.RepSuccess, a.ATYP(), host, a.PortBytes()))
}

// repFor maps a connect failure onto a SOCKS5 REP code.
func repFor(f proto.Failure) byte {
	switch f {
	case proto.FailureNone:
		return txsocks5.RepSuccess
	case proto.FailureNotAllowed:
		return txsocks5.RepNotAllowed
	case proto.FailureNetworkUnreachable:
		return txsocks5.RepNetworkUnreachable
	case proto.FailureHostUnreachable:
		return txsocks5.RepHostUnreachable
	case proto.FailureRefused:
		return txsocks5.RepConnectionRefused
	case proto.FailureTimeout:
		return txsocks5.RepTTLExpired
	default:
		return txsocks5.RepServerFailure
	}
}

// failureFor is the inverse of repFor, used for replies relayed from an
// upstream proxy.
func failureFor(rep byte) proto.Failure {
	switch rep {
	case txsocks5.RepSuccess:
		return proto.FailureNone
	case txsocks5.RepNotAllowed:
		return proto.FailureNotAllowed
	case txsocks5.RepNetworkUnreachable:
		return proto.FailureNetworkUnreachable
	case txsocks5.RepHostUnreachable:
		return proto.FailureHostUnreachable
	case txsocks5.RepConnectionRefused:
		return proto.FailureRefused
	case txsocks5.RepTTLExpired:
		return proto.FailureTimeout
	default:
		return proto.FailureGeneral
	}
}
