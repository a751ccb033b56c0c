package server

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jnse/tuxnet/pkg/netaddr"
)

// Keepalive is the transport keepalive policy stamped onto every fd a
// listener accepts. Probing detects dead connections and half-open states
// without application traffic.
type Keepalive struct {
	// Enabled turns probing on for accepted connections.
	Enabled bool
	// Idle is how long a connection may be quiet before probing starts.
	Idle time.Duration
	// Interval is the delay between probes.
	Interval time.Duration
	// Count is how many unacknowledged probes mark the peer dead.
	Count int
}

// DefaultKeepalive returns the stock policy: enabled, 10s idle, 5s
// interval, 3 probes.
func DefaultKeepalive() Keepalive {
	return Keepalive{
		Enabled:  true,
		Idle:     10 * time.Second,
		Interval: 5 * time.Second,
		Count:    3,
	}
}

// applyKeepalive stamps the keepalive socket options on an accepted fd.
// Non-TCP transports skip it and never fail for it. A failed setsockopt is
// fatal for that fd: the caller shuts it down and creates no peer.
func applyKeepalive(fd int, transport netaddr.Transport, ka Keepalive) error {
	if transport != netaddr.TCP {
		return nil
	}
	enabled := 0
	if ka.Enabled {
		enabled = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, enabled); err != nil {
		return fmt.Errorf("set SO_KEEPALIVE: %w", err)
	}
	if !ka.Enabled {
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, wholeSeconds(ka.Idle)); err != nil {
		return fmt.Errorf("set TCP_KEEPIDLE: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, wholeSeconds(ka.Interval)); err != nil {
		return fmt.Errorf("set TCP_KEEPINTVL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Count); err != nil {
		return fmt.Errorf("set TCP_KEEPCNT: %w", err)
	}
	return nil
}

// wholeSeconds clamps a duration to the 1-second granularity of the kernel
// keepalive options.
func wholeSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
