package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/die-net/rps/internal/addr"
	"github.com/die-net/rps/internal/metrics"
	"github.com/die-net/rps/internal/proto"
	"github.com/die-net/rps/internal/upstream"
)

// Session pairs a client's request Context with the forward Context that
// reaches its target. It is destroyed once both halves are closed.
type Session struct {
	id   uuid.UUID
	loop *Loop
	log  *slog.Logger

	req *Context
	fwd *Context

	client      net.Addr
	target      addr.Address
	ep          upstream.Endpoint
	start       time.Time
	established bool
}

func (l *Loop) accept(conn net.Conn) {
	if l.stopping {
		_ = conn.Close()
		return
	}

	s := &Session{
		id:     uuid.New(),
		loop:   l,
		client: conn.RemoteAddr(),
		start:  time.Now(),
	}
	s.log = l.log.With("session", s.id.String(), "client", s.client.String())
	l.sessions[s] = struct{}{}
	metrics.SessionsTotal.WithLabelValues(l.cfg.Name).Inc()
	metrics.SessionsActive.WithLabelValues(l.cfg.Name).Inc()

	s.req = newContext(s, RoleRequest)
	s.req.engine = l.cfg.NewEngine(l.cfg.Creds)
	s.req.peer = s.client.String()
	s.req.attach(conn)
	s.req.retime()
	s.req.resumeRead(0)

	s.log.Debug("session accepted")
}

// ID returns the session's identifier.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) peerOf(c *Context) *Context {
	if c == s.req {
		return s.fwd
	}
	return s.req
}

// connect is called once the request context has a target.
func (s *Session) connect() {
	if !s.req.setState(proto.StateWaiting) {
		return
	}
	s.log = s.log.With("remote", s.target.String())
	// Keep a read armed so a client hangup cancels the connect.
	s.req.resumeRead(s.req.n)
	s.dial()
}

// dial picks an endpoint and starts a forward connect in the background.
func (s *Session) dial() {
	ep, err := s.loop.cfg.Upstreams.Select(s.loop.cfg.Family)
	if err != nil {
		if s.fwd != nil && s.fwd.lastErr != nil {
			err = s.fwd.lastErr
		}
		s.fail(err)
		return
	}
	s.ep = ep

	if s.fwd == nil {
		s.fwd = newContext(s, RoleForward)
	}
	fwd := s.fwd
	fwd.peer = ep.String()
	if fwd.state == proto.StateInit {
		if !fwd.setState(proto.StateConnecting) {
			return
		}
	} else {
		fwd.retime()
	}

	ctx, cancel := context.WithCancel(context.Background())
	fwd.cancel = cancel
	fwd.connecting = true
	fwd.timedOut = false

	loop, connector, target := s.loop, s.loop.cfg.Connector, s.target
	go func() {
		conn, err := connector.Connect(ctx, ep, target)
		if !loop.post(event{kind: evConnected, c: fwd, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) onConnected(conn net.Conn, err error) {
	fwd := s.fwd
	fwd.connecting = false
	if fwd.cancel != nil {
		fwd.cancel()
		fwd.cancel = nil
	}

	if fwd.state.Terminal() {
		if conn != nil {
			_ = conn.Close()
		}
		fwd.maybeClosed()
		return
	}

	if err != nil && fwd.timedOut {
		err = proto.Wrap(proto.Timeout, err)
	}
	s.loop.cfg.Upstreams.Report(s.ep, err)
	metrics.UpstreamConnects.WithLabelValues(s.ep.Proto, metrics.Result(err)).Inc()

	if err != nil {
		fwd.lastErr = err
		fwd.retry++
		s.log.Debug("forward connect failed", "upstream", s.ep.String(), "attempt", fwd.retry, "error", err)
		if s.loop.cfg.Upstreams.AllowReconnect(fwd.retry) {
			s.dial()
			return
		}
		s.fail(err)
		return
	}

	fwd.attach(conn)
	if !fwd.setState(proto.StateWaiting) {
		return
	}
	s.reply(s.req.engine.Reply(nil, conn.LocalAddr()))
}

// fail answers the client with the engine's failure reply and kills the
// session.
func (s *Session) fail(err error) {
	s.log.Info("forward connect gave up", "upstream", s.ep.String(), "error", err)
	s.reply(s.req.engine.Reply(err, nil))
}

func (s *Session) reply(res proto.Result) {
	req := s.req
	if res.Next == proto.StateKill {
		if len(res.Write) > 0 {
			req.write(res.Write, nil, false)
		}
		req.kill(res.Err)
		return
	}

	if !req.setState(proto.StateReplying) {
		return
	}
	if len(res.Write) == 0 {
		s.establish()
		return
	}
	req.write(res.Write, nil, true)
}

// establish starts the relay once the success reply is on the wire. Bytes
// the client sent ahead of the reply go out first.
func (s *Session) establish() {
	req, fwd := s.req, s.fwd
	if !req.setState(proto.StateEstablished) || !fwd.setState(proto.StateEstablished) {
		return
	}
	s.established = true
	s.log.Info("session established", "upstream", s.ep.String())

	// A read armed while waiting may still be outstanding past the held
	// bytes. relay takes its bytes from the read's own offset.
	if req.n > 0 {
		metrics.BytesRelayed.WithLabelValues(s.loop.cfg.Name, metrics.DirectionUp).Add(float64(req.n))
		fwd.write(req.buf[:req.n], req, false)
	} else {
		req.resumeRead(0)
	}
	fwd.resumeRead(0)
}

// killed runs after c was killed and drives the other half to closing in the
// same loop turn.
func (s *Session) killed(c *Context, err error) {
	switch {
	case s.established || isEOF(err):
		s.log.Debug("context killed", "role", c.role, "error", err)
	case errors.Is(err, errShutdown):
		s.log.Debug("context killed on shutdown", "role", c.role)
	default:
		kind := proto.KindOf(err)
		if c.role == RoleRequest {
			metrics.HandshakeFailures.WithLabelValues(s.loop.cfg.Name, kind.String()).Inc()
		}
		s.log.Info("context killed", "role", c.role, "kind", kind.String(), "error", err)
	}

	if peer := s.peerOf(c); peer != nil {
		peer.terminate(proto.StateClosing)
	}
}

func (s *Session) maybeDestroy() {
	if s.req.state != proto.StateClosed {
		return
	}
	if s.fwd != nil && s.fwd.state != proto.StateClosed {
		return
	}
	if _, ok := s.loop.sessions[s]; !ok {
		return
	}

	delete(s.loop.sessions, s)
	d := time.Since(s.start)
	metrics.SessionsActive.WithLabelValues(s.loop.cfg.Name).Dec()
	metrics.SessionDuration.WithLabelValues(s.loop.cfg.Name).Observe(d.Seconds())
	s.log.Debug("session closed", "duration", d)
}
