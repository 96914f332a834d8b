package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startServer runs an in-process nameserver answering from records.
func startServer(t *testing.T, records map[string][]dns.RR) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		rrs, ok := records[q.Name]
		if !ok {
			m.Rcode = dns.RcodeNameError
		}
		for _, rr := range rrs {
			if rr.Header().Rrtype == q.Qtype {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestLookupNetIP(t *testing.T) {
	server := startServer(t, map[string][]dns.RR{
		"example.test.": {
			mustRR(t, "example.test. 60 IN A 192.0.2.10"),
			mustRR(t, "example.test. 60 IN AAAA 2001:db8::10"),
		},
		"v4only.test.": {
			mustRR(t, "v4only.test. 60 IN A 192.0.2.11"),
		},
	})

	r, err := New(server, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ips, err := r.LookupNetIP(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{
		netip.MustParseAddr("192.0.2.10"),
		netip.MustParseAddr("2001:db8::10"),
	}, ips)

	ips, err = r.LookupNetIP(ctx, "v4only.test")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.11")}, ips)
}

func TestLookupNetIPNotFound(t *testing.T) {
	r, err := New(startServer(t, nil), time.Second)
	require.NoError(t, err)

	_, err = r.LookupNetIP(context.Background(), "missing.test")
	var dnsErr *net.DNSError
	require.True(t, errors.As(err, &dnsErr))
	require.True(t, dnsErr.IsNotFound)
	require.Equal(t, "missing.test", dnsErr.Name)
}

func TestLookupNetIPLiteral(t *testing.T) {
	r, err := New("127.0.0.1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:53", r.Server())

	ips, err := r.LookupNetIP(context.Background(), "::ffff:10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1")}, ips)
}

func TestNewRejectsEmptyServer(t *testing.T) {
	_, err := New("", 0)
	require.Error(t, err)
}
