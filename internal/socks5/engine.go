package socks5

import (
	"crypto/subtle"
	"net"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/rps/internal/addr"
	"github.com/die-net/rps/internal/proto"
)

// Engine is the server side of one SOCKS5 connection.
type Engine struct {
	creds proto.Credentials

	methods methodParser
	auth    authParser
	req     requestParser
}

var _ proto.Engine = (*Engine)(nil)

// NewEngine returns an Engine for one connection. Non-empty creds force
// username/password authentication.
func NewEngine(creds proto.Credentials) proto.Engine {
	return &Engine{creds: creds}
}

// Feed implements proto.Engine.
func (e *Engine) Feed(state proto.State, data []byte) proto.Result {
	switch state {
	case proto.StateHandshake:
		return e.handshake(data)
	case proto.StateAuth:
		return e.authenticate(data)
	case proto.StateRequesting:
		return e.request(data)
	default:
		return proto.Result{
			Next: proto.StateKill,
			Err:  proto.Errorf(proto.ProtocolViolation, "socks5: unexpected data in state %s", state),
		}
	}
}

// Reply implements proto.Engine.
func (e *Engine) Reply(err error, bound net.Addr) proto.Result {
	if err == nil {
		return proto.Result{Next: proto.StateEstablished, Write: successReply(bound)}
	}
	return proto.Result{
		Next:  proto.StateKill,
		Write: zeroAddrReply(repFor(proto.ClassifyConnect(err)), e.req.atyp),
		Err:   err,
	}
}

func (e *Engine) handshake(data []byte) proto.Result {
	n, done, err := e.methods.feed(data)
	if err != nil {
		return proto.Result{Next: proto.StateKill, Consumed: n, Err: err}
	}
	if !done {
		return proto.Result{Next: proto.StateHandshake, Consumed: n}
	}

	method := e.selectMethod()
	res := proto.Result{Consumed: n, Write: negotiationReply(method)}
	switch method {
	case txsocks5.MethodNone:
		res.Next = proto.StateRequesting
	case txsocks5.MethodUsernamePassword:
		res.Next = proto.StateAuth
	default:
		res.Next = proto.StateKill
		res.Err = proto.Errorf(proto.ProtocolViolation, "socks5: no acceptable authentication method in %v", e.methods.methods)
	}
	return res
}

// selectMethod forces username/password when credentials are configured and
// otherwise accepts only no-auth.
func (e *Engine) selectMethod() byte {
	if !e.creds.Empty() {
		return txsocks5.MethodUsernamePassword
	}
	for _, m := range e.methods.methods {
		if m == txsocks5.MethodNone {
			return txsocks5.MethodNone
		}
	}
	return methodNoAcceptable
}

func (e *Engine) authenticate(data []byte) proto.Result {
	n, done, err := e.auth.feed(data)
	if err != nil {
		return proto.Result{Next: proto.StateKill, Consumed: n, Err: err}
	}
	if !done {
		return proto.Result{Next: proto.StateAuth, Consumed: n}
	}

	userOK := subtle.ConstantTimeCompare([]byte(e.creds.Username), e.auth.uname) == 1
	passOK := subtle.ConstantTimeCompare([]byte(e.creds.Password), e.auth.passwd) == 1
	if !userOK || !passOK {
		return proto.Result{
			Next:     proto.StateKill,
			Consumed: n,
			Write:    userPassReply(txsocks5.UserPassStatusFailure),
			Err:      proto.Errorf(proto.AuthDenied, "socks5: bad credentials for user %q", e.auth.uname),
		}
	}
	return proto.Result{Next: proto.StateRequesting, Consumed: n, Write: userPassReply(txsocks5.UserPassStatusSuccess)}
}

func (e *Engine) request(data []byte) proto.Result {
	n, done, rep, err := e.req.feed(data)
	if err != nil {
		res := proto.Result{Next: proto.StateKill, Consumed: n, Err: err}
		if rep != 0 {
			res.Write = zeroAddrReply(rep, e.req.atyp)
		}
		return res
	}
	if !done {
		return proto.Result{Next: proto.StateRequesting, Consumed: n}
	}
	return proto.Result{Next: proto.StateReplyPending, Consumed: n, Target: e.req.target}
}

const (
	stepVersion = iota
	stepCount
	stepBody
)

// methodParser reads "VER NMETHODS METHODS".
type methodParser struct {
	step     int
	nmethods int
	methods  []byte
}

func (p *methodParser) feed(data []byte) (int, bool, error) {
	for i, c := range data {
		switch p.step {
		case stepVersion:
			if c != socksVersion {
				return i + 1, false, proto.Errorf(proto.ProtocolViolation, "socks5: bad version %#x", c)
			}
			p.step = stepCount
		case stepCount:
			p.nmethods = int(c)
			p.methods = make([]byte, 0, p.nmethods)
			p.step = stepBody
			if p.nmethods == 0 {
				return i + 1, true, nil
			}
		case stepBody:
			p.methods = append(p.methods, c)
			if len(p.methods) == p.nmethods {
				return i + 1, true, nil
			}
		}
	}
	return len(data), false, nil
}

const (
	authVersion = iota
	authULen
	authUName
	authPLen
	authPasswd
)

// authParser reads "VER ULEN UNAME PLEN PASSWD" into owned buffers.
type authParser struct {
	step   int
	uname  []byte
	passwd []byte
	ulen   int
	plen   int
}

func (p *authParser) feed(data []byte) (int, bool, error) {
	for i, c := range data {
		switch p.step {
		case authVersion:
			if c != userPassVersion {
				return i + 1, false, proto.Errorf(proto.ProtocolViolation, "socks5: bad auth version %#x", c)
			}
			p.step = authULen
		case authULen:
			p.ulen = int(c)
			p.uname = make([]byte, 0, p.ulen)
			p.step = authUName
			if p.ulen == 0 {
				p.step = authPLen
			}
		case authUName:
			p.uname = append(p.uname, c)
			if len(p.uname) == p.ulen {
				p.step = authPLen
			}
		case authPLen:
			p.plen = int(c)
			p.passwd = make([]byte, 0, p.plen)
			p.step = authPasswd
			if p.plen == 0 {
				return i + 1, true, nil
			}
		case authPasswd:
			p.passwd = append(p.passwd, c)
			if len(p.passwd) == p.plen {
				return i + 1, true, nil
			}
		}
	}
	return len(data), false, nil
}

const (
	reqVersion = iota
	reqCmd
	reqRsv
	reqAtyp
	reqNameLen
	reqAddr
	reqPort
)

// requestParser reads "VER CMD RSV ATYP DST.ADDR DST.PORT".
type requestParser struct {
	step    int
	cmd     byte
	atyp    byte
	addrLen int
	host    []byte
	port    []byte
	target  addr.Address
}

// feed returns the bytes consumed, whether the request is complete, and on
// error the REP code to answer with (0 for none).
func (p *requestParser) feed(data []byte) (int, bool, byte, error) {
	for i, c := range data {
		switch p.step {
		case reqVersion:
			if c != socksVersion {
				return i + 1, false, 0, proto.Errorf(proto.ProtocolViolation, "socks5: bad request version %#x", c)
			}
			p.step = reqCmd
		case reqCmd:
			p.cmd = c
			if c != txsocks5.CmdConnect {
				return i + 1, false, txsocks5.RepCommandNotSupported,
					proto.Errorf(proto.ProtocolViolation, "socks5: unsupported command %#x", c)
			}
			p.step = reqRsv
		case reqRsv:
			p.step = reqAtyp
		case reqAtyp:
			p.atyp = c
			switch c {
			case addr.ATYPIPv4:
				p.addrLen = 4
				p.step = reqAddr
			case addr.ATYPIPv6:
				p.addrLen = 16
				p.step = reqAddr
			case addr.ATYPDomain:
				p.step = reqNameLen
			default:
				return i + 1, false, txsocks5.RepAddressNotSupported,
					proto.Errorf(proto.ProtocolViolation, "socks5: unsupported address type %#x", c)
			}
			p.host = make([]byte, 0, p.addrLen)
		case reqNameLen:
			if c == 0 {
				return i + 1, false, txsocks5.RepServerFailure,
					proto.Errorf(proto.ProtocolViolation, "socks5: empty domain name")
			}
			p.addrLen = int(c)
			p.host = make([]byte, 0, p.addrLen)
			p.step = reqAddr
		case reqAddr:
			p.host = append(p.host, c)
			if len(p.host) == p.addrLen {
				p.port = make([]byte, 0, 2)
				p.step = reqPort
			}
		case reqPort:
			p.port = append(p.port, c)
			if len(p.port) < 2 {
				continue
			}
			target, err := p.build()
			if err != nil {
				return i + 1, false, txsocks5.RepAddressNotSupported, proto.Wrap(proto.ProtocolViolation, err)
			}
			p.target = target
			return i + 1, true, 0, nil
		}
	}
	return len(data), false, 0, nil
}

func (p *requestParser) build() (addr.Address, error) {
	switch p.atyp {
	case addr.ATYPIPv4:
		return addr.FromIPv4(p.host, p.port)
	case addr.ATYPIPv6:
		return addr.FromIPv6(p.host, p.port)
	default:
		return addr.FromName(p.host, p.port)
	}
}
