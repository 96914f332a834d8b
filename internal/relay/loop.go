// Package relay runs client sessions: each accepted connection becomes a
// Session holding a request Context (the client side) and, once the target
// is known, a forward Context (the upstream side).
//
// All Context and Session state belongs to one Loop goroutine. Socket I/O,
// forward connects and timers run in helper goroutines that report back by
// posting events to the Loop, so protocol handling never blocks and never
// races.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime"
	"time"

	"github.com/die-net/rps/internal/addr"
	"github.com/die-net/rps/internal/proto"
	"github.com/die-net/rps/internal/upstream"
)

const (
	// DefaultLinger bounds how long queued writes may drain after a kill.
	DefaultLinger = time.Second

	// shutdownGrace bounds how long Run waits for sessions after ctx is done.
	shutdownGrace = 5 * time.Second

	eventQueueLen = 1024
)

var errShutdown = errors.New("listener shutting down")

// Upstreams is the upstream pool as seen by a Session.
type Upstreams interface {
	Select(f proto.Family) (upstream.Endpoint, error)
	Report(ep upstream.Endpoint, err error)
	AllowReconnect(attempt int) bool
}

// Connector opens a forward connection to target through ep.
type Connector interface {
	Connect(ctx context.Context, ep upstream.Endpoint, target addr.Address) (net.Conn, error)
}

// Config configures a Loop.
type Config struct {
	// Name identifies the listener in logs and metrics.
	Name      string
	Family    proto.Family
	Creds     proto.Credentials
	NewEngine proto.NewEngineFunc

	// RTimeout bounds each pre-relay phase of request contexts, FTimeout
	// each phase of forward contexts.
	RTimeout time.Duration
	FTimeout time.Duration
	Linger   time.Duration

	Upstreams Upstreams
	Connector Connector
	Logger    *slog.Logger
}

type eventKind uint8

const (
	evAccept eventKind = iota
	evData
	evWritten
	evConnected
	evTimeout
	evExited
	evCall
)

type event struct {
	kind eventKind
	c    *Context
	conn net.Conn
	n    int
	err  error
	gen  uint64

	// evWritten
	from  *Context
	reply bool

	// evExited
	reader bool

	fn func()
}

// Loop is a single-threaded event loop owning a set of sessions.
type Loop struct {
	cfg    Config
	log    *slog.Logger
	events chan event
	done   chan struct{}

	sessions map[*Session]struct{}
	stopping bool
}

// NewLoop returns a Loop. Call Run to start it.
func NewLoop(cfg Config) *Loop {
	if cfg.Linger <= 0 {
		cfg.Linger = DefaultLinger
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		cfg:      cfg,
		log:      cfg.Logger.With("listener", cfg.Name),
		events:   make(chan event, eventQueueLen),
		done:     make(chan struct{}),
		sessions: make(map[*Session]struct{}),
	}
}

// Name returns the listener name.
func (l *Loop) Name() string { return l.cfg.Name }

// Family returns the listener's protocol family.
func (l *Loop) Family() proto.Family { return l.cfg.Family }

// Run processes events on the calling goroutine, locked to its OS thread,
// until ctx is done and every session has closed.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	stop := ctx.Done()
	var grace <-chan time.Time

	for {
		if l.stopping && len(l.sessions) == 0 {
			return nil
		}

		select {
		case ev := <-l.events:
			l.dispatch(ev)
		case <-stop:
			stop = nil
			l.shutdown()
			grace = time.After(shutdownGrace)
		case <-grace:
			l.log.Warn("sessions still open after shutdown grace period", "sessions", len(l.sessions))
			return nil
		}
	}
}

func (l *Loop) shutdown() {
	l.stopping = true
	for s := range l.sessions {
		s.req.kill(errShutdown)
		if s.fwd != nil {
			s.fwd.kill(errShutdown)
		}
	}
}

// post hands ev to the loop. It returns false once the loop has exited.
func (l *Loop) post(ev event) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

// Accept hands a freshly accepted client connection to the loop. The conn is
// closed if the loop has exited.
func (l *Loop) Accept(conn net.Conn) bool {
	if !l.post(event{kind: evAccept, conn: conn}) {
		_ = conn.Close()
		return false
	}
	return true
}

// Do runs fn on the loop goroutine and waits for it. It returns false if the
// loop exited first.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.post(event{kind: evCall, fn: func() { fn(); close(ran) }}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// Sessions returns the number of open sessions.
func (l *Loop) Sessions() int {
	var n int
	l.Do(func() { n = len(l.sessions) })
	return n
}

func (l *Loop) dispatch(ev event) {
	switch ev.kind {
	case evAccept:
		l.accept(ev.conn)
	case evData:
		ev.c.onData(ev.n, ev.err)
	case evWritten:
		ev.c.onWritten(ev)
	case evConnected:
		ev.c.sess.onConnected(ev.conn, ev.err)
	case evTimeout:
		ev.c.onTimeout(ev.gen)
	case evExited:
		ev.c.onExited(ev.reader)
	case evCall:
		ev.fn()
	}
}
