package netaddr

import (
	"fmt"
	"net"
)

// IP4Address is an IPv4 address in network byte order.
type IP4Address [4]byte

// NewIP4Address builds an address from its four dotted-decimal octets.
func NewIP4Address(a, b, c, d byte) IP4Address {
	return IP4Address{a, b, c, d}
}

// ParseIP4Address parses a dotted-decimal IPv4 literal.
func ParseIP4Address(s string) (IP4Address, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return IP4Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return IP4Address{}, fmt.Errorf("%w: %q is not IPv4", ErrInvalidAddress, s)
	}
	var out IP4Address
	copy(out[:], v4)
	return out, nil
}

func (ip IP4Address) String() string {
	return net.IP(ip[:]).String()
}

// Octet accessors, first through fourth.

func (ip IP4Address) A() byte { return ip[0] }
func (ip IP4Address) B() byte { return ip[1] }
func (ip IP4Address) C() byte { return ip[2] }
func (ip IP4Address) D() byte { return ip[3] }
