package server

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/jnse/tuxnet/internal/metrics"
	"github.com/jnse/tuxnet/pkg/netaddr"
)

// PeerState is the lifecycle state of an accepted connection. Transitions
// are monotonic: Uninitialized, Connected, Closing, Closed, with no back
// edges.
type PeerState int32

const (
	PeerUninitialized PeerState = iota
	PeerConnected
	PeerClosing
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerUninitialized:
		return "uninitialized"
	case PeerConnected:
		return "connected"
	case PeerClosing:
		return "closing"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// How long a read helper parks on would-block before re-checking the peer
// state, in milliseconds.
const readPollIntervalMsec = 100

// Peer owns one accepted stream end: its fd, the remote endpoint, and the
// state machine around them. Reads and writes outside PeerConnected return
// empty and no-op. The owning listener outlives the peer by construction.
type Peer struct {
	fd     int
	remote netaddr.Endpoint
	state  atomic.Int32
	lst    *Listener
	log    *slog.Logger

	// cbMu serializes OnReceive dispatches for this peer and orders
	// OnConnect before them.
	cbMu sync.Mutex
}

func newPeer(fd int, remote netaddr.Endpoint, lst *Listener) *Peer {
	p := &Peer{fd: fd, remote: remote, lst: lst, log: lst.srv.cfg.Logger}
	p.state.Store(int32(PeerUninitialized))
	return p
}

// initialize arms the peer fd on the listener's peer poller and moves the
// peer to PeerConnected. On failure the peer stays uninitialized and the
// caller discards it.
func (p *Peer) initialize() error {
	if err := p.lst.peerPoller.Add(p.fd, false); err != nil {
		return err
	}
	p.state.Store(int32(PeerConnected))
	return nil
}

// State returns the current lifecycle state.
func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

// Fd returns the transport file descriptor.
func (p *Peer) Fd() int {
	return p.fd
}

// Remote returns the remote endpoint of the connection.
func (p *Peer) Remote() netaddr.Endpoint {
	return p.remote
}

// ReadString reads up to n bytes, blocking until they arrived or the
// connection failed. Returns whatever was collected so far on error.
func (p *Peer) ReadString(n int) string {
	if p.State() != PeerConnected || n <= 0 {
		return ""
	}
	result := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(result) < n {
		if p.State() != PeerConnected {
			return string(result)
		}
		count, err := unix.Read(p.fd, buf[:n-len(result)])
		if !p.readOutcome(count, err) {
			return string(result)
		}
		if count > 0 {
			result = append(result, buf[:count]...)
			metrics.BytesRead.Add(float64(count))
		}
	}
	return string(result)
}

// ReadStringUntil reads byte-wise until the accumulator contains token, and
// returns the accumulator including the token.
func (p *Peer) ReadStringUntil(token string) string {
	if p.State() != PeerConnected || token == "" {
		return ""
	}
	var result []byte
	buf := make([]byte, 1)
	for {
		if p.State() != PeerConnected {
			return string(result)
		}
		count, err := unix.Read(p.fd, buf)
		if !p.readOutcome(count, err) {
			return string(result)
		}
		if count <= 0 {
			continue
		}
		result = append(result, buf[0])
		metrics.BytesRead.Inc()
		if bytes.Contains(result, []byte(token)) {
			return string(result)
		}
	}
}

// ReadLine reads byte-wise until a newline or carriage return. Leading
// CR/LF bytes are skipped; the terminator is not part of the result.
func (p *Peer) ReadLine() string {
	if p.State() != PeerConnected {
		return ""
	}
	var result []byte
	buf := make([]byte, 1)
	for {
		if p.State() != PeerConnected {
			return string(result)
		}
		count, err := unix.Read(p.fd, buf)
		if !p.readOutcome(count, err) {
			return string(result)
		}
		if count <= 0 {
			continue
		}
		metrics.BytesRead.Inc()
		if buf[0] == '\n' || buf[0] == '\r' {
			if len(result) > 0 {
				return string(result)
			}
			continue
		}
		result = append(result, buf[0])
	}
}

// ReadAll reads non-blocking until the socket would block or a NUL byte
// arrives, and returns the accumulated bytes.
func (p *Peer) ReadAll() string {
	if p.State() != PeerConnected {
		return ""
	}
	var result []byte
	buf := make([]byte, 1)
	for {
		if p.State() != PeerConnected {
			return string(result)
		}
		count, err := unix.Read(p.fd, buf)
		switch {
		case count > 0:
			if buf[0] == 0 {
				return string(result)
			}
			result = append(result, buf[0])
			metrics.BytesRead.Inc()
		case count == 0 && err == nil:
			// Orderly shutdown from the remote end.
			p.Disconnect()
			return string(result)
		default:
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return string(result)
			}
			metrics.PeerReadErrs.Inc()
			p.Disconnect()
			return string(result)
		}
	}
}

// readOutcome applies the shared read error policy: would-block parks and
// retries, a zero-byte read or any other error disconnects. Reports whether
// the caller should keep reading.
func (p *Peer) readOutcome(count int, err error) bool {
	switch {
	case count > 0:
		return true
	case count == 0 && err == nil:
		// Orderly shutdown from the remote end.
		p.Disconnect()
		return false
	default:
		if err == unix.EINTR {
			return true
		}
		if err == unix.EAGAIN {
			p.waitReadable()
			return true
		}
		metrics.PeerReadErrs.Inc()
		p.Disconnect()
		return false
	}
}

// waitReadable parks the caller until the fd reports readable data, an
// error, or the poll interval elapses, whichever is first. Bounded so state
// changes made by other workers are observed.
func (p *Peer) waitReadable() {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN | unix.POLLRDHUP}}
	_, _ = unix.Poll(fds, readPollIntervalMsec)
}

func (p *Peer) waitWritable() {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
	_, _ = unix.Poll(fds, readPollIntervalMsec)
}

// WriteString queues text on the connection, looping until the whole buffer
// was handed to the kernel or an error occurred. A broken pipe disconnects
// silently; any other send error is logged and disconnects. Sends never
// raise an asynchronous signal on a broken pipe.
func (p *Peer) WriteString(text string) {
	if p.State() != PeerConnected || len(text) == 0 {
		return
	}
	data := []byte(text)
	for len(data) > 0 {
		if p.State() != PeerConnected {
			return
		}
		n, err := unix.SendmsgN(p.fd, data, nil, nil, unix.MSG_NOSIGNAL)
		if err == nil {
			data = data[n:]
			metrics.BytesWritten.Add(float64(n))
			continue
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			p.waitWritable()
		case unix.EPIPE:
			p.Disconnect()
			return
		default:
			metrics.PeerWriteErrs.Inc()
			p.log.Error("could not write to peer", "remote", p.remote.String(), "error", err)
			p.Disconnect()
			return
		}
	}
}

// Disconnect transitions the peer to PeerClosing and asks the listener to
// remove it, which fires OnDisconnect and destroys the peer. Idempotent:
// later calls and calls on a peer that never connected are no-ops.
func (p *Peer) Disconnect() {
	if !p.state.CompareAndSwap(int32(PeerConnected), int32(PeerClosing)) {
		return
	}
	p.lst.removePeer(p)
}

// close releases the transport fd. Called exactly once, by the owning
// listener, after the peer left the registry.
func (p *Peer) close() {
	_ = unix.Shutdown(p.fd, unix.SHUT_RDWR)
	_ = unix.Close(p.fd)
	p.state.Store(int32(PeerClosed))
}
