// Package addr represents the resolved endpoint of a proxied flow.
//
// An Address is an IPv4 address, an IPv6 address or an unresolved hostname,
// each with a port. Addresses are built from SOCKS-style wire bytes or from
// host:port text and are immutable once constructed.
package addr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Type is the kind of an Address.
type Type uint8

const (
	Invalid Type = iota
	IPv4
	IPv6
	Name
)

func (t Type) String() string {
	switch t {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	case Name:
		return "name"
	default:
		return "invalid"
	}
}

// SOCKS5 ATYP values.
const (
	ATYPIPv4   byte = 0x01
	ATYPDomain byte = 0x03
	ATYPIPv6   byte = 0x04
)

// MaxNameLen is the longest hostname an Address can carry.
const MaxNameLen = 255

var (
	ErrInvalid         = errors.New("invalid address")
	ErrUnsupportedType = errors.New("unsupported address type")
	ErrShort           = errors.New("short address")
)

// Address is a tagged union of IPv4, IPv6 and hostname endpoints.
//
// The zero value is invalid.
type Address struct {
	typ  Type
	ip   netip.Addr
	name string
	port uint16
}

// FromIPv4 builds an IPv4 Address from 4 address bytes and 2 big-endian port
// bytes.
func FromIPv4(ip, port []byte) (Address, error) {
	if len(ip) != 4 || len(port) != 2 {
		return Address{}, fmt.Errorf("ipv4: %w", ErrInvalid)
	}
	return Address{typ: IPv4, ip: netip.AddrFrom4([4]byte(ip)), port: binary.BigEndian.Uint16(port)}, nil
}

// FromIPv6 builds an IPv6 Address from 16 address bytes and 2 big-endian
// port bytes.
func FromIPv6(ip, port []byte) (Address, error) {
	if len(ip) != 16 || len(port) != 2 {
		return Address{}, fmt.Errorf("ipv6: %w", ErrInvalid)
	}
	return Address{typ: IPv6, ip: netip.AddrFrom16([16]byte(ip)), port: binary.BigEndian.Uint16(port)}, nil
}

// FromName builds a hostname Address. The name is copied; it must be 1 to
// MaxNameLen bytes long.
func FromName(name, port []byte) (Address, error) {
	if len(name) == 0 || len(name) > MaxNameLen || len(port) != 2 {
		return Address{}, fmt.Errorf("name: %w", ErrInvalid)
	}
	return Address{typ: Name, name: string(name), port: binary.BigEndian.Uint16(port)}, nil
}

// FromAddrPort builds an IP Address. IPv4-mapped IPv6 addresses are unmapped.
func FromAddrPort(ap netip.AddrPort) (Address, error) {
	ip := ap.Addr().Unmap()
	switch {
	case ip.Is4():
		return Address{typ: IPv4, ip: ip, port: ap.Port()}, nil
	case ip.Is6():
		return Address{typ: IPv6, ip: ip.WithZone(""), port: ap.Port()}, nil
	default:
		return Address{}, ErrInvalid
	}
}

// FromNetAddr builds an Address from a *net.TCPAddr (or anything whose String
// form is host:port).
func FromNetAddr(a net.Addr) (Address, error) {
	if a == nil {
		return Address{}, ErrInvalid
	}
	if ta, ok := a.(*net.TCPAddr); ok {
		return FromAddrPort(ta.AddrPort())
	}
	return Parse(a.String())
}

// Parse builds an Address from host:port text. Hosts that are not IP
// literals become Name addresses.
func Parse(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("parse %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("parse %q: bad port: %w", hostport, ErrInvalid)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return FromAddrPort(netip.AddrPortFrom(ip, uint16(port)))
	}
	if host == "" || len(host) > MaxNameLen {
		return Address{}, fmt.Errorf("parse %q: %w", hostport, ErrInvalid)
	}
	return Address{typ: Name, name: host, port: uint16(port)}, nil
}

// Decode reads a SOCKS5 "ATYP ADDR PORT" sequence from the front of b and
// returns the Address and the number of bytes used.
func Decode(b []byte) (Address, int, error) {
	if len(b) < 1 {
		return Address{}, 0, ErrShort
	}
	switch b[0] {
	case ATYPIPv4:
		if len(b) < 1+4+2 {
			return Address{}, 0, ErrShort
		}
		a, err := FromIPv4(b[1:5], b[5:7])
		return a, 7, err
	case ATYPIPv6:
		if len(b) < 1+16+2 {
			return Address{}, 0, ErrShort
		}
		a, err := FromIPv6(b[1:17], b[17:19])
		return a, 19, err
	case ATYPDomain:
		if len(b) < 2 {
			return Address{}, 0, ErrShort
		}
		n := int(b[1])
		if len(b) < 2+n+2 {
			return Address{}, 0, ErrShort
		}
		a, err := FromName(b[2:2+n], b[2+n:4+n])
		return a, 4 + n, err
	default:
		return Address{}, 0, fmt.Errorf("atyp %#x: %w", b[0], ErrUnsupportedType)
	}
}

func (a Address) Type() Type     { return a.typ }
func (a Address) Port() uint16   { return a.port }
func (a Address) IsValid() bool  { return a.typ != Invalid }
func (a Address) IP() netip.Addr { return a.ip }

// Host returns the textual host without the port.
func (a Address) Host() string {
	switch a.typ {
	case IPv4, IPv6:
		return a.ip.String()
	case Name:
		return a.name
	default:
		return ""
	}
}

// String renders host:port, with brackets around IPv6 hosts.
func (a Address) String() string {
	if a.typ == Invalid {
		return "<invalid>"
	}
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.port)))
}

// ATYP returns the SOCKS5 address type byte.
func (a Address) ATYP() byte {
	switch a.typ {
	case IPv4:
		return ATYPIPv4
	case IPv6:
		return ATYPIPv6
	case Name:
		return ATYPDomain
	default:
		return 0
	}
}

// HostBytes returns the address in SOCKS5 DST.ADDR encoding (length-prefixed
// for names).
func (a Address) HostBytes() []byte {
	switch a.typ {
	case IPv4:
		b := a.ip.As4()
		return b[:]
	case IPv6:
		b := a.ip.As16()
		return b[:]
	case Name:
		return append([]byte{byte(len(a.name))}, a.name...)
	default:
		return nil
	}
}

// PortBytes returns the port in network byte order.
func (a Address) PortBytes() []byte {
	return binary.BigEndian.AppendUint16(nil, a.port)
}

// AppendWire appends "ATYP ADDR PORT" to b.
func (a Address) AppendWire(b []byte) []byte {
	b = append(b, a.ATYP())
	b = append(b, a.HostBytes()...)
	return binary.BigEndian.AppendUint16(b, a.port)
}

// TCPAddr returns the address as a *net.TCPAddr. It returns nil for names.
func (a Address) TCPAddr() *net.TCPAddr {
	if a.typ != IPv4 && a.typ != IPv6 {
		return nil
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(a.ip, a.port))
}
