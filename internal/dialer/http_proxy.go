package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/die-net/rps/internal/proto"
)

// HTTPProxyDialer dials outbound TCP connections via an HTTP or HTTPS proxy
// using the HTTP CONNECT method.
type HTTPProxyDialer struct {
	cfg       Config
	scheme    string
	proxyAddr string
	auth      string
	direct    ContextDialer
}

// StatusError is a non-2xx answer to CONNECT.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "http proxy connect failed: " + e.Status
}

// ConnectFailure maps the proxy's status onto a connect failure reason.
func (e *StatusError) ConnectFailure() proto.Failure {
	switch e.StatusCode {
	case http.StatusForbidden, http.StatusProxyAuthRequired:
		return proto.FailureNotAllowed
	case http.StatusGatewayTimeout:
		return proto.FailureTimeout
	default:
		return proto.FailureGeneral
	}
}

// NewHTTPProxyDialer constructs an HTTP CONNECT dialer for the proxy at
// proxyAddr.
//
// If username is non-empty, Proxy-Authorization is set using HTTP Basic auth.
func NewHTTPProxyDialer(cfg Config, scheme, proxyAddr, username, password string) (*HTTPProxyDialer, error) {
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", scheme)
	}
	if host, _, err := net.SplitHostPort(proxyAddr); err != nil || host == "" {
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}

	auth := ""
	if username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	return &HTTPProxyDialer{
		cfg:       cfg,
		scheme:    scheme,
		proxyAddr: proxyAddr,
		auth:      auth,
		direct:    NewDirectDialer(Config{DialTimeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}),
	}, nil
}

// ProxyAddr returns the proxy host:port.
func (f *HTTPProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

// DialContext establishes a TCP connection to address via the configured
// HTTP/HTTPS proxy, returned as a net.Conn.
//
// For HTTPS proxies, this performs a TLS handshake to the proxy before sending
// CONNECT. The NegotiationTimeout covers both.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	var conn net.Conn
	err = negotiate(ctx, c, f.cfg.NegotiationTimeout, func() error {
		var err error
		conn, err = f.connect(ctx, c, address)
		return err
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return conn, nil
}

func (f *HTTPProxyDialer) connect(ctx context.Context, c net.Conn, address string) (net.Conn, error) {
	if f.scheme == "https" {
		host, _, _ := net.SplitHostPort(f.proxyAddr)
		tlsConn := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("http proxy connect tls handshake: %w", err)
		}
		c = tlsConn
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}

	if err := req.Write(c); err != nil {
		return nil, fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if br.Buffered() > 0 {
		// The proxy may have sent tunnel bytes along with its response.
		return &bufferedConn{Conn: c, r: io.MultiReader(br, c)}, nil
	}
	return c, nil
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
