// Package socks5 implements the SOCKS5 front-end protocol used by rps.
//
// The server side is an incremental proto.Engine: method negotiation
// (RFC 1928), username/password sub-negotiation (RFC 1929) and CONNECT
// request parsing all consume bytes one at a time and keep their position
// between reads, so messages may arrive split across any number of reads.
// BIND and UDP ASSOCIATE are rejected.
//
// The client side (ClientDial and friends) performs the same handshake
// against an upstream SOCKS5 proxy over a blocking net.Conn.
//
// Wire structures come from github.com/txthinking/socks5; this package only
// adds the incremental parsing and rps-specific policy around them.
package socks5
