package netaddr

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Endpoint is an (address, port) pair tagged with its layer-3 family. The
// family of the stored address always matches the tag; apart from the zero
// value (FamilyNone, which Sockaddr rejects), the constructors are the only
// way to build one. Ports are host byte order at this boundary and
// converted at the kernel boundary.
type Endpoint struct {
	family Family
	ip4    IP4Address
	ip6    [16]byte
	port   uint16
}

// NewEndpoint builds an IPv4 endpoint.
func NewEndpoint(ip IP4Address, port uint16) Endpoint {
	return Endpoint{family: FamilyIPv4, ip4: ip, port: port}
}

// NewEndpoint6 builds an IPv6 endpoint. Only the value exists for now; the
// binding path reports ErrUnsupportedFamily.
func NewEndpoint6(ip [16]byte, port uint16) Endpoint {
	return Endpoint{family: FamilyIPv6, ip6: ip, port: port}
}

// ParseEndpoint parses "ip:port" or "[ip6]:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, s)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidAddress, host)
	}
	if v4 := ip.To4(); v4 != nil {
		var addr IP4Address
		copy(addr[:], v4)
		return NewEndpoint(addr, uint16(port)), nil
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return NewEndpoint6(addr, uint16(port)), nil
}

// FromSockaddr converts a kernel sockaddr returned by accept or getsockname.
func FromSockaddr(sa unix.Sockaddr) (Endpoint, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return NewEndpoint(IP4Address(a.Addr), uint16(a.Port)), nil
	case *unix.SockaddrInet6:
		return NewEndpoint6(a.Addr, uint16(a.Port)), nil
	default:
		return Endpoint{}, fmt.Errorf("%w: %T", ErrUnsupportedFamily, sa)
	}
}

func (e Endpoint) Family() Family  { return e.family }
func (e Endpoint) IP4() IP4Address { return e.ip4 }
func (e Endpoint) Port() uint16    { return e.port }

func (e Endpoint) String() string {
	switch e.family {
	case FamilyIPv4:
		return net.JoinHostPort(e.ip4.String(), strconv.Itoa(int(e.port)))
	case FamilyIPv6:
		return net.JoinHostPort(net.IP(e.ip6[:]).String(), strconv.Itoa(int(e.port)))
	default:
		return ""
	}
}

// Sockaddr returns the kernel sockaddr used for bind and connect syscalls.
// Only the IPv4 path is supported.
func (e Endpoint) Sockaddr() (unix.Sockaddr, error) {
	switch e.family {
	case FamilyIPv4:
		return &unix.SockaddrInet4{Port: int(e.port), Addr: e.ip4}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, e.family)
	}
}
