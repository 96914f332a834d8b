package relay

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/rps/internal/addr"
	"github.com/die-net/rps/internal/proto"
	"github.com/die-net/rps/internal/socks5"
	"github.com/die-net/rps/internal/upstream"
)

type connectFunc func(ctx context.Context, ep upstream.Endpoint, target addr.Address) (net.Conn, error)

func (f connectFunc) Connect(ctx context.Context, ep upstream.Endpoint, target addr.Address) (net.Conn, error) {
	return f(ctx, ep, target)
}

// recorder is a Connector that hands out one end of a net.Pipe per attempt
// and keeps the other end as the remote side.
type recorder struct {
	mu      sync.Mutex
	targets []string
	remotes chan net.Conn
	err     error
}

func newRecorder() *recorder {
	return &recorder{remotes: make(chan net.Conn, 4)}
}

func (r *recorder) Connect(_ context.Context, _ upstream.Endpoint, target addr.Address) (net.Conn, error) {
	r.mu.Lock()
	r.targets = append(r.targets, target.String())
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	local, remote := net.Pipe()
	r.remotes <- remote
	return local, nil
}

func (r *recorder) attempts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.targets...)
}

func directPool(opts upstream.Options) *upstream.Pool {
	opts.Hybrid = true
	p := upstream.NewPool(opts)
	p.Replace([]upstream.Endpoint{{Proto: upstream.ProtoDirect}})
	return p
}

func startLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.NewEngine == nil {
		cfg.NewEngine = socks5.NewEngine
		cfg.Family = proto.SOCKS5
	}
	if cfg.RTimeout == 0 {
		cfg.RTimeout = 5 * time.Second
	}
	if cfg.FTimeout == 0 {
		cfg.FTimeout = 5 * time.Second
	}
	cfg.Logger = slog.New(slog.DiscardHandler)

	l := NewLoop(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return l
}

func dialLoop(t *testing.T, l *Loop) net.Conn {
	t.Helper()

	client, server := net.Pipe()
	require.True(t, l.Accept(server))
	t.Cleanup(func() { _ = client.Close() })
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))
	return client
}

func expect(t *testing.T, r io.Reader, want []byte) {
	t.Helper()

	got := make([]byte, len(want))
	_, err := io.ReadFull(r, got)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func expectClosed(t *testing.T, r io.Reader) {
	t.Helper()

	_, err := r.Read(make([]byte, 1))
	require.Error(t, err)
}

// onlySession returns the loop's single session.
func onlySession(t *testing.T, l *Loop) *Session {
	t.Helper()

	var s *Session
	require.True(t, l.Do(func() {
		require.Len(t, l.sessions, 1)
		for sess := range l.sessions {
			s = sess
		}
	}))
	return s
}

func states(l *Loop, s *Session) (req, fwd proto.State) {
	l.Do(func() {
		req = s.req.state
		if s.fwd != nil {
			fwd = s.fwd.state
		}
	})
	return req, fwd
}

func TestSOCKS5ConnectAndRelay(t *testing.T) {
	rec := newRecorder()
	l := startLoop(t, Config{Upstreams: directPool(upstream.Options{}), Connector: rec})
	client := dialLoop(t, l)

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	expect(t, client, []byte{0x05, 0x00})

	_, err = client.Write([]byte{0x05, 0x01, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0x01, 0x00, 0x50})
	require.NoError(t, err)

	// net.Pipe has no IP address, so the bound address is all zeros.
	expect(t, client, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	require.Equal(t, []string{"192.168.0.1:80"}, rec.attempts())

	remote := <-rec.remotes
	defer remote.Close()

	s := onlySession(t, l)
	require.Eventually(t, func() bool {
		req, fwd := states(l, s)
		return req == proto.StateEstablished && fwd == proto.StateEstablished
	}, 2*time.Second, 5*time.Millisecond)

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	expect(t, remote, []byte("ping"))

	_, err = remote.Write([]byte("pong"))
	require.NoError(t, err)
	expect(t, client, []byte("pong"))

	// Closing the remote tears down the whole session.
	require.NoError(t, remote.Close())
	expectClosed(t, client)
	require.Eventually(t, func() bool { return l.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSuccessReplyCarriesBoundAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}
	}()

	bound := make(chan *net.TCPAddr, 1)
	connector := connectFunc(func(ctx context.Context, _ upstream.Endpoint, _ addr.Address) (net.Conn, error) {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", ln.Addr().String())
		if err == nil {
			bound <- c.LocalAddr().(*net.TCPAddr)
		}
		return c, err
	})

	l := startLoop(t, Config{Upstreams: directPool(upstream.Options{}), Connector: connector})
	client := dialLoop(t, l)

	_, err = client.Write([]byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x03, 0x04, 'h', 'o', 's', 't', 0x01, 0xbb})
	require.NoError(t, err)
	expect(t, client, []byte{0x05, 0x00})

	b := <-bound
	want := []byte{0x05, 0x00, 0x00, 0x01}
	want = append(want, b.IP.To4()...)
	want = binary.BigEndian.AppendUint16(want, uint16(b.Port))
	expect(t, client, want)
}

func TestPipelinedRequestAndPayload(t *testing.T) {
	rec := newRecorder()
	l := startLoop(t, Config{Upstreams: directPool(upstream.Options{}), Connector: rec})
	client := dialLoop(t, l)

	// Greeting, request and the first payload bytes in a single write.
	msg := []byte{0x05, 0x01, 0x00}
	msg = append(msg, 0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50)
	msg = append(msg, "GET / HTTP/1.0\r\n\r\n"...)

	go func() { _, _ = client.Write(msg) }()

	expect(t, client, []byte{0x05, 0x00})
	expect(t, client, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	remote := <-rec.remotes
	defer remote.Close()
	_ = remote.SetDeadline(time.Now().Add(5 * time.Second))
	expect(t, remote, []byte("GET / HTTP/1.0\r\n\r\n"))
	require.Equal(t, []string{"93.184.216.34:80"}, rec.attempts())
}

func TestKillMovesPeerToClosingInSameTurn(t *testing.T) {
	rec := newRecorder()
	l := startLoop(t, Config{Upstreams: directPool(upstream.Options{}), Connector: rec})
	client := dialLoop(t, l)

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	expect(t, client, []byte{0x05, 0x00})
	_, err = client.Write([]byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)
	expect(t, client, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	remote := <-rec.remotes
	defer remote.Close()

	s := onlySession(t, l)
	require.Eventually(t, func() bool {
		_, fwd := states(l, s)
		return fwd == proto.StateEstablished
	}, 2*time.Second, 5*time.Millisecond)

	var reqState, fwdState proto.State
	require.True(t, l.Do(func() {
		s.req.kill(proto.Errorf(proto.IoFailure, "test"))
		reqState, fwdState = s.req.state, s.fwd.state
	}))
	require.Contains(t, []proto.State{proto.StateKill, proto.StateClosed}, reqState)
	require.Contains(t, []proto.State{proto.StateClosing, proto.StateClosed}, fwdState)

	expectClosed(t, client)
	require.Eventually(t, func() bool { return l.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnectFailureRetriesThenReplies(t *testing.T) {
	rec := newRecorder()
	rec.err = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	pool := directPool(upstream.Options{MaxReconn: 2})
	l := startLoop(t, Config{Upstreams: pool, Connector: rec})
	client := dialLoop(t, l)

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	expect(t, client, []byte{0x05, 0x00})
	_, err = client.Write([]byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)

	expect(t, client, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	expectClosed(t, client)

	require.Len(t, rec.attempts(), 3)
	stats := pool.Snapshot()
	require.Len(t, stats, 1)
	require.Equal(t, int64(3), stats[0].Failures)
}

func TestNoUpstreamReply(t *testing.T) {
	l := startLoop(t, Config{Upstreams: upstream.NewPool(upstream.Options{}), Connector: newRecorder()})
	client := dialLoop(t, l)

	_, err := client.Write([]byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x04})
	require.NoError(t, err)
	expect(t, client, []byte{0x05, 0x00})

	v6 := make([]byte, 16)
	v6[15] = 1
	_, err = client.Write(append(v6, 0x00, 0x16))
	require.NoError(t, err)

	want := append([]byte{0x05, 0x01, 0x00, 0x04}, make([]byte, 18)...)
	expect(t, client, want)
	expectClosed(t, client)
}

func TestAuthDeniedClosesSession(t *testing.T) {
	l := startLoop(t, Config{
		Creds:     proto.Credentials{Username: "user", Password: "pass"},
		Upstreams: directPool(upstream.Options{}),
		Connector: newRecorder(),
	})
	client := dialLoop(t, l)

	_, err := client.Write([]byte{0x05, 0x02, 0x00, 0x02})
	require.NoError(t, err)
	expect(t, client, []byte{0x05, 0x02})

	_, err = client.Write([]byte{0x01, 0x04, 'u', 's', 'e', 'r', 0x04, 'p', 'a', 's', 'S'})
	require.NoError(t, err)
	expect(t, client, []byte{0x01, 0x01})
	expectClosed(t, client)

	require.Eventually(t, func() bool { return l.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBadVersionClosesSilently(t *testing.T) {
	l := startLoop(t, Config{Upstreams: directPool(upstream.Options{}), Connector: newRecorder()})
	client := dialLoop(t, l)

	_, err := client.Write([]byte{0x04, 0x01, 0x00})
	require.NoError(t, err)

	n, err := client.Read(make([]byte, 16))
	require.Zero(t, n)
	require.Error(t, err)
}

func TestHandshakeTimeout(t *testing.T) {
	l := startLoop(t, Config{
		RTimeout:  50 * time.Millisecond,
		Upstreams: directPool(upstream.Options{}),
		Connector: newRecorder(),
	})
	client := dialLoop(t, l)

	// Half a greeting, then silence.
	_, err := client.Write([]byte{0x05, 0x02})
	require.NoError(t, err)

	start := time.Now()
	expectClosed(t, client)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestForwardConnectTimeout(t *testing.T) {
	connector := connectFunc(func(ctx context.Context, _ upstream.Endpoint, _ addr.Address) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	l := startLoop(t, Config{
		FTimeout:  50 * time.Millisecond,
		Upstreams: directPool(upstream.Options{}),
		Connector: connector,
	})
	client := dialLoop(t, l)

	_, err := client.Write([]byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)
	expect(t, client, []byte{0x05, 0x00})

	// Timeouts map to TTL expired.
	expect(t, client, []byte{0x05, 0x06, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	expectClosed(t, client)
}

func TestClientHangupCancelsForwardConnect(t *testing.T) {
	canceled := make(chan struct{})
	connector := connectFunc(func(ctx context.Context, _ upstream.Endpoint, _ addr.Address) (net.Conn, error) {
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	})
	pool := directPool(upstream.Options{})
	l := startLoop(t, Config{
		FTimeout:  time.Minute,
		Upstreams: pool,
		Connector: connector,
	})
	client := dialLoop(t, l)

	_, err := client.Write([]byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)
	expect(t, client, []byte{0x05, 0x00})

	s := onlySession(t, l)
	require.Eventually(t, func() bool {
		req, fwd := states(l, s)
		return req == proto.StateWaiting && fwd == proto.StateConnecting
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("forward connect not canceled after client hangup")
	}
	require.Eventually(t, func() bool { return l.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)

	// The abandoned attempt is not charged to the upstream.
	stats := pool.Snapshot()
	require.Len(t, stats, 1)
	require.Zero(t, stats[0].Attempts)
	require.Zero(t, stats[0].Failures)
}

func TestBytesSentWhileConnectingAreRelayed(t *testing.T) {
	release := make(chan struct{})
	rec := newRecorder()
	connector := connectFunc(func(ctx context.Context, ep upstream.Endpoint, target addr.Address) (net.Conn, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return rec.Connect(ctx, ep, target)
	})
	l := startLoop(t, Config{Upstreams: directPool(upstream.Options{}), Connector: connector})
	client := dialLoop(t, l)

	_, err := client.Write([]byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)
	expect(t, client, []byte{0x05, 0x00})

	s := onlySession(t, l)
	require.Eventually(t, func() bool {
		req, _ := states(l, s)
		return req == proto.StateWaiting
	}, 2*time.Second, 5*time.Millisecond)

	// net.Pipe writes block until read, so this only returns if the
	// request side keeps reading while the connect is in flight.
	_, err = client.Write([]byte("early"))
	require.NoError(t, err)

	close(release)
	expect(t, client, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	remote := <-rec.remotes
	defer remote.Close()
	_ = remote.SetDeadline(time.Now().Add(5 * time.Second))
	expect(t, remote, []byte("early"))

	go func() { _, _ = client.Write([]byte("more")) }()
	expect(t, remote, []byte("more"))

	go func() { _, _ = remote.Write([]byte("back")) }()
	expect(t, client, []byte("back"))
}

func TestShutdownClosesSessions(t *testing.T) {
	l := NewLoop(Config{
		Name:      "shutdown",
		Family:    proto.SOCKS5,
		NewEngine: socks5.NewEngine,
		RTimeout:  5 * time.Second,
		Upstreams: directPool(upstream.Options{}),
		Connector: newRecorder(),
		Logger:    slog.New(slog.DiscardHandler),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	client, server := net.Pipe()
	defer client.Close()
	require.True(t, l.Accept(server))
	require.Equal(t, 1, l.Sessions())

	cancel()
	require.NoError(t, <-done)
	expectClosed(t, client)

	// Accept after exit closes the conn.
	c2, s2 := net.Pipe()
	defer c2.Close()
	require.False(t, l.Accept(s2))
}
