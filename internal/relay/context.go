package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/die-net/rps/internal/metrics"
	"github.com/die-net/rps/internal/proto"
)

// Role tells the two halves of a Session apart.
type Role uint8

const (
	RoleRequest Role = iota
	RoleForward
)

func (r Role) String() string {
	if r == RoleForward {
		return "forward"
	}
	return "request"
}

// writeQueueLen bounds the writes queued on one context. Backpressure keeps
// at most one relay write plus protocol replies in flight.
const writeQueueLen = 4

type writeReq struct {
	b []byte
	// from is the context whose buffer b points into, if any.
	from  *Context
	reply bool
}

// Context is one half of a Session: a socket, its read buffer and its
// protocol state. Only the Loop goroutine touches it.
type Context struct {
	sess   *Session
	loop   *Loop
	role   Role
	state  proto.State
	engine proto.Engine

	conn net.Conn
	buf  []byte
	// n is the number of valid bytes at the front of buf.
	n int
	// readOff is where the outstanding read lands in buf.
	readOff int
	reading bool

	resume chan int
	quit   chan struct{}
	writes chan writeReq

	readerLive   bool
	writerLive   bool
	writesClosed bool
	connecting   bool
	cancel       context.CancelFunc
	// lent counts peer writes still reading from buf.
	lent int

	timer    *time.Timer
	gen      uint64
	timedOut bool

	retry   int
	lastErr error
	peer    string
}

func newContext(s *Session, role Role) *Context {
	return &Context{
		sess:  s,
		loop:  s.loop,
		role:  role,
		state: proto.StateInit,
		buf:   buffers.get(),
		quit:  make(chan struct{}),
	}
}

// State returns the context's protocol state.
func (c *Context) State() proto.State { return c.state }

// attach starts the reader and writer goroutines for conn.
func (c *Context) attach(conn net.Conn) {
	c.conn = conn
	c.resume = make(chan int, 1)
	c.writes = make(chan writeReq, writeQueueLen)
	c.readerLive = true
	c.writerLive = true
	go c.readLoop(conn, c.buf, c.resume, c.quit)
	go c.writeLoop(conn, c.writes)
}

// readLoop issues one read per resume, into buf at the given offset.
func (c *Context) readLoop(conn net.Conn, buf []byte, resume <-chan int, quit <-chan struct{}) {
	for {
		var off int
		select {
		case off = <-resume:
		case <-quit:
			c.loop.post(event{kind: evExited, c: c, reader: true})
			return
		}

		n, err := conn.Read(buf[off:])
		if !c.loop.post(event{kind: evData, c: c, n: n, err: err}) {
			return
		}
	}
}

// writeLoop writes queued buffers in order. Once the queue is closed it
// closes conn.
func (c *Context) writeLoop(conn net.Conn, writes <-chan writeReq) {
	defer conn.Close()

	var failed error
	for w := range writes {
		if failed == nil {
			_, failed = conn.Write(w.b)
		}
		if !c.loop.post(event{kind: evWritten, c: c, err: failed, from: w.from, reply: w.reply}) {
			return
		}
	}
	c.loop.post(event{kind: evExited, c: c})
}

// setState moves to next, killing the context on an undefined transition.
func (c *Context) setState(next proto.State) bool {
	if !proto.CanTransition(c.state, next) {
		c.sess.log.Error("undefined state transition", "role", c.role, "peer", c.peer, "from", c.state, "to", next)
		c.kill(proto.Errorf(proto.ProtocolViolation, "undefined transition %s -> %s", c.state, next))
		return false
	}
	prev := c.state
	c.state = next
	if next != prev {
		c.retime()
	}
	return true
}

// retime re-arms the timer for the current state.
func (c *Context) retime() {
	c.stopTimer()
	if !c.state.Timed() {
		return
	}
	// The forward context's timer covers the request side while it waits.
	if c.role == RoleRequest && c.state == proto.StateWaiting {
		return
	}

	d := c.loop.cfg.RTimeout
	if c.role == RoleForward {
		d = c.loop.cfg.FTimeout
	}
	if d <= 0 {
		return
	}

	gen := c.gen
	c.timer = time.AfterFunc(d, func() {
		c.loop.post(event{kind: evTimeout, c: c, gen: gen})
	})
}

func (c *Context) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func (c *Context) onTimeout(gen uint64) {
	if gen != c.gen || c.state.Terminal() {
		return
	}
	if c.role == RoleForward && c.state == proto.StateConnecting && c.cancel != nil {
		// The connect result follows and goes through the retry path.
		c.timedOut = true
		c.cancel()
		return
	}
	c.kill(proto.Errorf(proto.Timeout, "%s context timed out in state %s", c.role, c.state))
}

// resumeRead lets the reader issue its next read into buf[off:]. At most
// one read is outstanding.
func (c *Context) resumeRead(off int) {
	if c.state.Terminal() || !c.readerLive || c.reading || off >= len(c.buf) {
		return
	}
	c.n = off
	c.readOff = off
	c.reading = true
	c.resume <- off
}

func (c *Context) onData(n int, err error) {
	c.reading = false
	if c.state.Terminal() {
		return
	}

	if n > 0 {
		switch {
		case c.state == proto.StateEstablished:
			c.relay(n)
		case c.role == RoleRequest && (c.state == proto.StateWaiting || c.state == proto.StateReplying):
			// Client bytes sent ahead of the reply are held for establish.
			// The read stays disarmed until then.
			c.n += n
		case c.role == RoleRequest:
			c.n += n
			c.parse()
		default:
			c.kill(proto.Errorf(proto.ProtocolViolation, "%s context got data in state %s", c.role, c.state))
		}
	}

	switch {
	case c.state.Terminal():
	case err != nil:
		c.die(err)
	case n == 0:
		c.resumeRead(c.n)
	}
}

// parse runs the engine over the buffered bytes for as long as it is in a
// parse state, then carries the rest over.
func (c *Context) parse() {
	if c.state == proto.StateInit && !c.setState(proto.StateHandshake) {
		return
	}

	data := c.buf[:c.n]
	for len(data) > 0 && c.state.Parsing() {
		res := c.engine.Feed(c.state, data)
		if res.Consumed < 0 || res.Consumed > len(data) {
			c.kill(proto.Errorf(proto.ProtocolViolation, "engine consumed %d of %d bytes", res.Consumed, len(data)))
			return
		}
		data = data[res.Consumed:]

		if len(res.Write) > 0 && !c.write(res.Write, nil, false) {
			return
		}
		if res.Next == proto.StateKill {
			c.kill(res.Err)
			return
		}
		if !c.setState(res.Next) {
			return
		}
		if res.Next == proto.StateReplyPending {
			c.sess.target = res.Target
		}
		if res.Consumed == 0 {
			break
		}
	}

	c.n = copy(c.buf, data)
	switch {
	case c.state == proto.StateReplyPending:
		c.sess.connect()
	case c.n == len(c.buf):
		c.kill(proto.Errorf(proto.ProtocolViolation, "unparsed input fills the %d byte buffer", len(c.buf)))
	default:
		c.resumeRead(c.n)
	}
}

// relay hands the freshly read bytes to the peer's writer. The next read is
// issued once every write from buf has completed.
func (c *Context) relay(n int) {
	peer := c.sess.peerOf(c)
	if peer == nil || peer.state != proto.StateEstablished {
		c.kill(proto.Errorf(proto.IoFailure, "%s context relaying without an established peer", c.role))
		return
	}

	dir := metrics.DirectionUp
	if c.role == RoleForward {
		dir = metrics.DirectionDown
	}
	metrics.BytesRelayed.WithLabelValues(c.loop.cfg.Name, dir).Add(float64(n))

	peer.write(c.buf[c.readOff:c.readOff+n], c, false)
}

// write queues b on the socket.
func (c *Context) write(b []byte, from *Context, reply bool) bool {
	if c.writes == nil || c.writesClosed {
		return false
	}
	select {
	case c.writes <- writeReq{b: b, from: from, reply: reply}:
		if from != nil {
			from.lent++
		}
		return true
	default:
		c.kill(proto.Errorf(proto.ResourceExhaustion, "%s write queue full", c.role))
		return false
	}
}

func (c *Context) onWritten(ev event) {
	if from := ev.from; from != nil {
		from.lent--
		if ev.err == nil && from.state == proto.StateEstablished && from.lent == 0 {
			from.resumeRead(0)
		}
		from.maybeClosed()
	}

	if ev.err != nil {
		if !c.state.Terminal() {
			c.die(ev.err)
		}
		return
	}
	if ev.reply && c.state == proto.StateReplying {
		c.sess.establish()
	}
}

// die marks a socket failure (including EOF) and kills the context.
func (c *Context) die(err error) {
	if c.state.Terminal() {
		return
	}
	c.state = proto.StateDead
	c.stopTimer()
	c.kill(proto.Wrap(proto.IoFailure, err))
}

// kill tears the context down and drives its peer to closing.
func (c *Context) kill(err error) {
	if !c.terminate(proto.StateKill) {
		return
	}
	c.sess.killed(c, err)
}

// terminate stops the timer, any connect in flight and the reader, and lets
// the writer drain its queue within the linger deadline before closing the
// socket. It returns false if the context was already on its way out.
func (c *Context) terminate(state proto.State) bool {
	switch c.state {
	case proto.StateKill, proto.StateClosing, proto.StateClosed:
		return false
	}

	c.state = state
	c.stopTimer()
	if c.cancel != nil {
		c.cancel()
	}
	close(c.quit)

	if c.conn != nil {
		now := time.Now()
		_ = c.conn.SetReadDeadline(now)
		_ = c.conn.SetWriteDeadline(now.Add(c.loop.cfg.Linger))
	}
	if c.writes != nil && !c.writesClosed {
		close(c.writes)
		c.writesClosed = true
	}

	c.maybeClosed()
	return true
}

func (c *Context) onExited(reader bool) {
	if reader {
		c.readerLive = false
	} else {
		c.writerLive = false
	}
	c.maybeClosed()
}

// maybeClosed moves a torn-down context to closed once nothing can touch
// its socket or buffer any more, and releases the buffer.
func (c *Context) maybeClosed() {
	if c.state != proto.StateKill && c.state != proto.StateClosing {
		return
	}
	if c.readerLive || c.writerLive || c.connecting || c.lent > 0 {
		return
	}

	c.state = proto.StateClosed
	buffers.put(c.buf)
	c.buf = nil
	c.sess.maybeDestroy()
}

// isEOF reports a clean close by the other end.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
