// Package httptunnel implements the server side of HTTP CONNECT tunneling as
// an incremental proto.Engine.
package httptunnel

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/die-net/rps/internal/addr"
	"github.com/die-net/rps/internal/proto"
)

// MaxHeaderBytes bounds the CONNECT request head.
const MaxHeaderBytes = 8 << 10

var headerEnd = []byte("\r\n\r\n")

// Engine is the server side of one HTTP CONNECT connection.
type Engine struct {
	creds proto.Credentials
	head  []byte
}

var _ proto.Engine = (*Engine)(nil)

// NewEngine returns an Engine for one connection. Non-empty creds require a
// matching Proxy-Authorization: Basic header.
func NewEngine(creds proto.Credentials) proto.Engine {
	return &Engine{creds: creds}
}

// Feed implements proto.Engine.
func (e *Engine) Feed(state proto.State, data []byte) proto.Result {
	if state != proto.StateHandshake {
		return proto.Result{
			Next: proto.StateKill,
			Err:  proto.Errorf(proto.ProtocolViolation, "http: unexpected data in state %s", state),
		}
	}

	prev := len(e.head)
	from := max(prev-len(headerEnd)+1, 0)
	e.head = append(e.head, data...)

	idx := bytes.Index(e.head[from:], headerEnd)
	if idx < 0 {
		if len(e.head) > MaxHeaderBytes {
			return proto.Result{
				Next:     proto.StateKill,
				Consumed: len(data),
				Write:    statusResponse(http.StatusRequestHeaderFieldsTooLarge, nil),
				Err:      proto.Errorf(proto.ResourceExhaustion, "http: request head exceeds %d bytes", MaxHeaderBytes),
			}
		}
		return proto.Result{Next: proto.StateHandshake, Consumed: len(data)}
	}

	end := from + idx + len(headerEnd)
	consumed := end - prev
	head := e.head[:end]
	e.head = nil
	return e.request(head, consumed)
}

func (e *Engine) request(head []byte, consumed int) proto.Result {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return fail(consumed, http.StatusBadRequest, nil, proto.Wrap(proto.ProtocolViolation, fmt.Errorf("http: %w", err)))
	}

	if !strings.EqualFold(req.Method, http.MethodConnect) {
		return fail(consumed, http.StatusMethodNotAllowed, http.Header{"Allow": {http.MethodConnect}},
			proto.Errorf(proto.ProtocolViolation, "http: unsupported method %s", req.Method))
	}

	if !e.authorized(req.Header.Get("Proxy-Authorization")) {
		return fail(consumed, http.StatusProxyAuthRequired, http.Header{"Proxy-Authenticate": {`Basic realm="rps"`}},
			proto.Errorf(proto.AuthDenied, "http: proxy authorization failed"))
	}

	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	a, err := addr.Parse(target)
	if err != nil {
		return fail(consumed, http.StatusBadRequest, nil, proto.Wrap(proto.ProtocolViolation, err))
	}
	return proto.Result{Next: proto.StateReplyPending, Consumed: consumed, Target: a}
}

func (e *Engine) authorized(header string) bool {
	if e.creds.Empty() {
		return true
	}

	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(e.creds.Username), []byte(user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(e.creds.Password), []byte(pass)) == 1
	return userOK && passOK
}

// Reply implements proto.Engine.
func (e *Engine) Reply(err error, _ net.Addr) proto.Result {
	if err == nil {
		return proto.Result{Next: proto.StateEstablished, Write: []byte("HTTP/1.1 200 Connection Established\r\n\r\n")}
	}

	code := http.StatusBadGateway
	if proto.ClassifyConnect(err) == proto.FailureTimeout {
		code = http.StatusGatewayTimeout
	}
	return proto.Result{Next: proto.StateKill, Write: statusResponse(code, nil), Err: err}
}

func fail(consumed, code int, header http.Header, err error) proto.Result {
	return proto.Result{Next: proto.StateKill, Consumed: consumed, Write: statusResponse(code, header), Err: err}
}

// statusResponse renders a minimal close-delimited HTTP/1.1 response.
func statusResponse(code int, header http.Header) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	_ = header.Write(&b)
	b.WriteString("Content-Length: 0\r\nConnection: close\r\n\r\n")
	return b.Bytes()
}
