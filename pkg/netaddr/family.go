// Package netaddr holds the addressing value types the framework binds and
// accepts on: layer-3 families, layer-4 transports, IPv4 addresses, and
// endpoint (address, port) pairs convertible to kernel sockaddr structs.
package netaddr

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	// ErrUnsupportedFamily is returned when an operation requires a kernel
	// binding path that only exists for IPv4.
	ErrUnsupportedFamily = errors.New("netaddr: unsupported address family")

	// ErrUnknownTransport is returned by Transport.Proto for values outside
	// the TCP/UDP variants.
	ErrUnknownTransport = errors.New("netaddr: unknown transport protocol")

	// ErrInvalidAddress is returned when an address literal does not parse.
	ErrInvalidAddress = errors.New("netaddr: invalid address")
)

// Family identifies the layer-3 protocol of an address.
type Family int

const (
	FamilyNone Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "none"
	}
}

// Transport identifies the layer-4 protocol of a socket.
type Transport int

const (
	TransportNone Transport = iota
	TCP
	UDP
)

func (t Transport) String() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "none"
	}
}

// Proto resolves the transport to the kernel protocol number used when
// creating a socket for it.
func (t Transport) Proto() (int, error) {
	switch t {
	case TCP:
		return unix.IPPROTO_TCP, nil
	case UDP:
		return unix.IPPROTO_UDP, nil
	default:
		return 0, ErrUnknownTransport
	}
}

// SockType resolves the transport to the kernel socket type.
func (t Transport) SockType() (int, error) {
	switch t {
	case TCP:
		return unix.SOCK_STREAM, nil
	case UDP:
		return unix.SOCK_DGRAM, nil
	default:
		return 0, ErrUnknownTransport
	}
}
