package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

type directDialer struct {
	cfg Config
}

// NewDirectDialer returns a dialer that connects to targets itself.
func NewDirectDialer(cfg Config) ContextDialer {
	return &directDialer{cfg: cfg}
}

// DialContext connects to address. With a Resolver configured, names are
// resolved through it and each address is tried in turn.
func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("direct dial %s %s: unsupported network", network, address)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("direct dial %s: %w", address, err)
	}
	if _, err := netip.ParseAddr(host); err == nil || f.cfg.Resolver == nil {
		return f.dial(ctx, network, address)
	}

	ips, err := f.cfg.Resolver.LookupNetIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("direct dial %s: %w", address, err)
	}

	var errs []error
	for _, ip := range ips {
		conn, err := f.dial(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return nil, errors.Join(errs...)
}

func (f *directDialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: f.cfg.DialTimeout}

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(f.cfg.KeepAlive)
	}

	return conn, nil
}
