package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/rps/internal/socks5"
)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
	direct    ContextDialer
}

// NewSOCKS5ProxyDialer returns a dialer tunnelling through the SOCKS5 proxy
// at proxyAddr. An empty username disables auth.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: username, Password: password},
		direct:    NewDirectDialer(Config{DialTimeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}),
	}
}

// ProxyAddr returns the proxy host:port.
func (f *SOCKS5ProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

// DialContext connects to the proxy and asks it to CONNECT to address. A
// refusal by the proxy is returned as a *socks5.ReplyError.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	err = negotiate(ctx, c, f.cfg.NegotiationTimeout, func() error {
		return socks5.ClientDial(c, f.auth, address)
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy %s connect %s: %w", f.proxyAddr, address, err)
	}
	return c, nil
}
