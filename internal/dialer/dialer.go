package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/die-net/rps/internal/addr"
	"github.com/die-net/rps/internal/upstream"
)

// ContextDialer mirrors the net.Dialer interface.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New constructs the outbound dialer for ep.
//
// Supported protocols:
//   - direct
//   - http, https (CONNECT, optional Basic auth)
//   - socks5 (optional username/password auth)
func New(cfg Config, ep upstream.Endpoint) (ContextDialer, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	switch ep.Proto {
	case upstream.ProtoDirect:
		return NewDirectDialer(cfg), nil
	case upstream.ProtoHTTP, upstream.ProtoHTTPS:
		return NewHTTPProxyDialer(cfg, ep.Proto, ep.Addr(), ep.Username, ep.Password)
	case upstream.ProtoSOCKS5:
		return NewSOCKS5ProxyDialer(cfg, ep.Addr(), ep.Username, ep.Password), nil
	default:
		return nil, fmt.Errorf("dialer: unsupported upstream protocol %q", ep.Proto)
	}
}

// Connector opens forward connections for sessions.
type Connector struct {
	cfg Config
}

// NewConnector returns a Connector sharing cfg across endpoints.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

// Connect reaches target through ep. Names are passed to proxy upstreams
// unresolved.
func (c *Connector) Connect(ctx context.Context, ep upstream.Endpoint, target addr.Address) (net.Conn, error) {
	if !target.IsValid() {
		return nil, errors.New("dialer: invalid target")
	}

	d, err := New(c.cfg, ep)
	if err != nil {
		return nil, err
	}
	return d.DialContext(ctx, "tcp", target.String())
}

// negotiate runs fn with conn's deadline set to the negotiation timeout and
// aborts it when ctx is done. The deadline is cleared afterwards.
func negotiate(ctx context.Context, conn net.Conn, timeout time.Duration, fn func() error) error {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	err := fn()
	stop()
	if cerr := ctx.Err(); cerr != nil {
		if err == nil {
			return cerr
		}
		err = fmt.Errorf("%w: %w", cerr, err)
	}
	if err != nil {
		return err
	}

	_ = conn.SetDeadline(time.Time{})
	return nil
}
