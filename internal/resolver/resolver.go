// Package resolver looks up A and AAAA records for direct forwarding
// against a single configured nameserver.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

const defaultTimeout = 5 * time.Second

// Resolver queries one nameserver over UDP, retrying over TCP on a
// truncated answer. Concurrent lookups of the same name share one query.
type Resolver struct {
	server string
	client *dns.Client
	tcp    *dns.Client
	group  singleflight.Group
}

// New returns a Resolver for server (host or host:port, default port 53).
func New(server string, timeout time.Duration) (*Resolver, error) {
	if server == "" {
		return nil, errors.New("resolver: empty nameserver")
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		tcp:    &dns.Client{Net: "tcp", Timeout: timeout},
	}, nil
}

// Server returns the nameserver address.
func (r *Resolver) Server() string { return r.server }

// LookupNetIP returns the IPv4 addresses of host followed by its IPv6
// addresses. IP literals are returned as is.
func (r *Resolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}

	// The shared lookup outlives any one caller's cancellation; the client
	// timeout bounds it.
	ch := r.group.DoChan(host, func() (any, error) {
		return r.lookup(context.WithoutCancel(ctx), host)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]netip.Addr), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	var ips []netip.Addr
	var errs []error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		got, err := r.query(ctx, host, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ips = append(ips, got...)
	}
	if len(ips) > 0 {
		return ips, nil
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	// IsNotFound makes the connect failure classify as host unreachable.
	return nil, &net.DNSError{Err: "no such host", Name: host, Server: r.server, IsNotFound: true}
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err == nil && in.Truncated {
		in, _, err = r.tcp.ExchangeContext(ctx, m, r.server)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s %s: %w", host, dns.TypeToString[qtype], err)
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("resolve %s %s: %s", host, dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
	}

	var ips []netip.Addr
	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(v.A.To4()); ok {
				ips = append(ips, ip)
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}
