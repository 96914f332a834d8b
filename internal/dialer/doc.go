// Package dialer opens forward connections for rps sessions.
//
// Each upstream Endpoint maps onto a ContextDialer: direct endpoints dial
// the target themselves (resolving names through the configured Resolver),
// socks5 endpoints run the SOCKS5 client handshake, and http/https endpoints
// issue an HTTP CONNECT. Connector ties these together behind the
// relay.Connector interface.
package dialer
