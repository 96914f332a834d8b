// Package server binds one configured listener to its relay loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/rps/internal/httptunnel"
	"github.com/die-net/rps/internal/proto"
	"github.com/die-net/rps/internal/relay"
	"github.com/die-net/rps/internal/socks4"
	"github.com/die-net/rps/internal/socks5"
)

// ErrUnsupportedFamily is returned for a family without a protocol engine.
var ErrUnsupportedFamily = errors.New("unsupported listener protocol")

// maxAcceptDelay caps the backoff after temporary accept errors.
const maxAcceptDelay = time.Second

// Config configures one listener.
type Config struct {
	Name   string
	Family proto.Family
	// Listen is the host:port to bind.
	Listen string
	Creds  proto.Credentials

	RTimeout  time.Duration
	FTimeout  time.Duration
	KeepAlive net.KeepAliveConfig

	Upstreams relay.Upstreams
	Connector relay.Connector
	Logger    *slog.Logger
}

// EngineFor returns the protocol engine constructor for f.
func EngineFor(f proto.Family) (proto.NewEngineFunc, error) {
	switch f {
	case proto.SOCKS5:
		return socks5.NewEngine, nil
	case proto.SOCKS4:
		return socks4.NewEngine, nil
	case proto.HTTP:
		return httptunnel.NewEngine, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, f)
	}
}

// Server accepts client connections on one listener and hands them to its
// relay loop.
type Server struct {
	cfg  Config
	log  *slog.Logger
	loop *relay.Loop
	ln   net.Listener
}

// New builds a Server. Call Listen and then Serve.
func New(cfg Config) (*Server, error) {
	newEngine, err := EngineFor(cfg.Family)
	if err != nil {
		return nil, fmt.Errorf("listener %s: %w", cfg.Name, err)
	}
	if cfg.Upstreams == nil || cfg.Connector == nil {
		return nil, fmt.Errorf("listener %s: missing upstreams or connector", cfg.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	loop := relay.NewLoop(relay.Config{
		Name:      cfg.Name,
		Family:    cfg.Family,
		Creds:     cfg.Creds,
		NewEngine: newEngine,
		RTimeout:  cfg.RTimeout,
		FTimeout:  cfg.FTimeout,
		Upstreams: cfg.Upstreams,
		Connector: cfg.Connector,
		Logger:    cfg.Logger,
	})

	return &Server{
		cfg:  cfg,
		log:  cfg.Logger.With("listener", cfg.Name),
		loop: loop,
	}, nil
}

// Listen binds the listening socket.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := ListenTCP(ctx, s.cfg.Listen, s.cfg.KeepAlive)
	if err != nil {
		return fmt.Errorf("listener %s: %w", s.cfg.Name, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Info describes a listener for the admin API.
type Info struct {
	Name     string `json:"name"`
	Proto    string `json:"proto"`
	Addr     string `json:"addr"`
	Auth     bool   `json:"auth"`
	Sessions int    `json:"sessions"`
}

// Info describes the server for the admin API.
func (s *Server) Info() Info {
	info := Info{
		Name:     s.cfg.Name,
		Proto:    s.cfg.Family.String(),
		Addr:     s.cfg.Listen,
		Auth:     !s.cfg.Creds.Empty(),
		Sessions: s.loop.Sessions(),
	}
	if a := s.Addr(); a != nil {
		info.Addr = a.String()
	}
	return info
}

// Serve runs the relay loop and the accept loop until ctx is done. It
// returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	context.AfterFunc(ctx, func() {
		_ = s.ln.Close()
	})

	g.Go(func() error {
		return s.loop.Run(ctx)
	})
	g.Go(func() error {
		return s.acceptLoop(ctx)
	})

	s.log.Info("listening", "proto", s.cfg.Family.String(), "addr", s.ln.Addr().String())
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	var delay time.Duration
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener %s accept: %w", s.cfg.Name, err)
			}
			// Out of file descriptors and the like: back off and retry.
			delay = min(max(2*delay, 5*time.Millisecond), maxAcceptDelay)
			s.log.Warn("accept failed, retrying", "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		delay = 0

		if !s.loop.Accept(c) {
			return nil
		}
	}
}
