package dialer

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// Resolver resolves target names for direct endpoints.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// Config holds the settings shared by every forward dialer.
type Config struct {
	DialTimeout time.Duration
	// NegotiationTimeout bounds the proxy handshake after the TCP connect.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	// Resolver is used by direct endpoints. Nil means the system resolver.
	Resolver Resolver
}
