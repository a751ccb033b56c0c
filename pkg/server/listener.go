package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jnse/tuxnet/internal/metrics"
	"github.com/jnse/tuxnet/pkg/epoll"
	"github.com/jnse/tuxnet/pkg/locked"
	"github.com/jnse/tuxnet/pkg/netaddr"
)

// ListenerState is the lifecycle state of a listener.
type ListenerState int32

const (
	ListenerUninitialized ListenerState = iota
	ListenerListening
	ListenerClosing
	ListenerClosed
)

func (s ListenerState) String() string {
	switch s {
	case ListenerUninitialized:
		return "uninitialized"
	case ListenerListening:
		return "listening"
	case ListenerClosing:
		return "closing"
	case ListenerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// TODO: make the backlog configurable; net.core.somaxconn would be a
	// better default.
	listenBacklog = 5

	// Pause after a non-transient accept failure so a persistently failing
	// listening fd cannot spin a worker.
	acceptErrBackoff = 10 * time.Millisecond
)

// ErrListenerFailed reports a fatal readiness condition on a listening fd.
// The listener tears itself down before returning it.
var ErrListenerFailed = errors.New("server: readiness failure on listening fd")

// Listener owns one bound, listening fd and the registry of peers accepted
// on it. Two pollers back it: one for the listening fd, drained by the
// accept worker, and one shared by all peer fds, drained by the dispatch
// worker. Registry keys are exactly the fds armed on the peer poller.
type Listener struct {
	endpoint  netaddr.Endpoint
	transport netaddr.Transport
	keepalive Keepalive

	fd           int
	acceptPoller *epoll.Poller
	peerPoller   *epoll.Poller

	state atomic.Int32
	peers *locked.Value[map[int]*Peer]

	// Owning server; provides logger, clock, handler, and tunables. The
	// server outlives its listeners.
	srv *Server
}

func newListener(srv *Server, ep netaddr.Endpoint, transport netaddr.Transport, ka Keepalive) *Listener {
	l := &Listener{
		endpoint:  ep,
		transport: transport,
		keepalive: ka,
		peers:     locked.New(map[int]*Peer{}),
		srv:       srv,
	}
	l.state.Store(int32(ListenerUninitialized))
	return l
}

// State returns the current lifecycle state.
func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Endpoint returns the endpoint the listener was asked to bind.
func (l *Listener) Endpoint() netaddr.Endpoint {
	return l.endpoint
}

// BoundEndpoint returns the endpoint actually bound, resolving a port-0
// request to the port the kernel picked.
func (l *Listener) BoundEndpoint() netaddr.Endpoint {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return l.endpoint
	}
	ep, err := netaddr.FromSockaddr(sa)
	if err != nil {
		return l.endpoint
	}
	return ep
}

// NumPeers returns the registry size.
func (l *Listener) NumPeers() int {
	n := 0
	l.peers.Scoped(func(m *map[int]*Peer) { n = len(*m) })
	return n
}

// setup creates, binds, and arms the listening fd. On any failure
// everything created so far is released and the listener stays
// uninitialized.
func (l *Listener) setup(ctx context.Context) error {
	proto, err := l.transport.Proto()
	if err != nil {
		return err
	}
	sockType, err := l.transport.SockType()
	if err != nil {
		return err
	}
	sa, err := l.endpoint.Sockaddr()
	if err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_INET, sockType|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s: %w", l.endpoint, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}

	acceptPoller, err := epoll.New(ctx, l.srv.cfg.Logger)
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := acceptPoller.Add(fd, true); err != nil {
		acceptPoller.Close()
		unix.Close(fd)
		return err
	}
	peerPoller, err := epoll.New(ctx, l.srv.cfg.Logger)
	if err != nil {
		acceptPoller.Close()
		unix.Close(fd)
		return err
	}

	l.fd = fd
	l.acceptPoller = acceptPoller
	l.peerPoller = peerPoller
	l.state.Store(int32(ListenerListening))
	metrics.ListenersActive.Inc()
	l.srv.cfg.Logger.Info("listener bound", "endpoint", l.BoundEndpoint().String(), "transport", l.transport.String())
	return nil
}

// acceptLoop drives the listening fd until the listener closes. A fatal
// readiness condition tears the whole listener down and returns
// ErrListenerFailed.
func (l *Listener) acceptLoop() error {
	events := make([]unix.EpollEvent, l.srv.cfg.Tunables.ListenEventsCapacity)
	for {
		if l.State() != ListenerListening {
			return nil
		}
		n, err := l.acceptPoller.Wait(events, -1)
		if err != nil {
			if errors.Is(err, epoll.ErrClosed) {
				return nil
			}
			l.Close()
			return fmt.Errorf("%w: %s: %v", ErrListenerFailed, l.endpoint, err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) != l.fd {
				continue
			}
			if epoll.IsError(ev) {
				l.Close()
				return fmt.Errorf("%w: %s", ErrListenerFailed, l.endpoint)
			}
			l.drainAccept()
		}
	}
}

// drainAccept accepts until the listening fd would block. The listening fd
// is edge-triggered, so the drain must not stop early on success paths.
func (l *Listener) drainAccept() {
	log := l.srv.cfg.Logger
	for {
		if l.State() != ListenerListening {
			return
		}
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return
			}
			if l.State() != ListenerListening {
				return
			}
			metrics.AcceptErrs.WithLabelValues("accept").Inc()
			log.Error("accept failed", "listener", l.endpoint.String(), "error", err)
			<-l.srv.cfg.Clock.After(acceptErrBackoff)
			return
		}
		metrics.AcceptedTotal.Inc()

		if err := applyKeepalive(nfd, l.transport, l.keepalive); err != nil {
			metrics.AcceptErrs.WithLabelValues("keepalive").Inc()
			log.Error("could not apply keepalive options", "listener", l.endpoint.String(), "error", err)
			_ = unix.Shutdown(nfd, unix.SHUT_RDWR)
			unix.Close(nfd)
			continue
		}
		remote, err := netaddr.FromSockaddr(sa)
		if err != nil {
			metrics.AcceptErrs.WithLabelValues("family").Inc()
			log.Error("accepted fd with unusable remote address", "listener", l.endpoint.String(), "error", err)
			_ = unix.Shutdown(nfd, unix.SHUT_RDWR)
			unix.Close(nfd)
			continue
		}

		p := newPeer(nfd, remote, l)
		// Holding cbMu across registration and OnConnect keeps any
		// OnReceive dispatch behind OnConnect even if the fd turns
		// readable immediately.
		p.cbMu.Lock()
		if err := p.initialize(); err != nil {
			p.cbMu.Unlock()
			p.close()
			continue
		}
		l.peers.Scoped(func(m *map[int]*Peer) { (*m)[nfd] = p })
		metrics.PeersConnected.Inc()
		l.srv.cfg.Handler.OnConnect(p)
		p.cbMu.Unlock()
	}
}

// peerLoop dispatches readiness events for every peer of this listener.
func (l *Listener) peerLoop() error {
	events := make([]unix.EpollEvent, l.srv.cfg.Tunables.PeerEventsCapacity)
	for {
		if l.State() != ListenerListening {
			return nil
		}
		n, err := l.peerPoller.Wait(events, -1)
		if err != nil {
			if errors.Is(err, epoll.ErrClosed) {
				return nil
			}
			l.Close()
			return fmt.Errorf("%w: %s: peer poller: %v", ErrListenerFailed, l.endpoint, err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			var p *Peer
			l.peers.Scoped(func(m *map[int]*Peer) { p = (*m)[int(ev.Fd)] })
			if p == nil {
				continue
			}
			if epoll.IsError(ev) {
				p.Disconnect()
				continue
			}
			p.cbMu.Lock()
			if p.State() == PeerConnected {
				l.srv.cfg.Handler.OnReceive(p)
			}
			p.cbMu.Unlock()
		}
	}
}

// removePeer drops the peer from the registry, fires OnDisconnect exactly
// once, and destroys the peer. Safe from any worker; later calls for the
// same peer are no-ops.
func (l *Listener) removePeer(p *Peer) {
	present := false
	l.peers.Scoped(func(m *map[int]*Peer) {
		if _, present = (*m)[p.fd]; present {
			delete(*m, p.fd)
		}
	})
	if !present {
		return
	}
	_ = l.peerPoller.Delete(p.fd)
	metrics.PeersConnected.Dec()
	metrics.DisconnectsTotal.Inc()
	// Keep OnDisconnect behind a running OnReceive when possible. When the
	// mutex is already held this call is on the peer's own callback stack
	// and delivery stays inline.
	acquired := p.cbMu.TryLock()
	l.srv.cfg.Handler.OnDisconnect(p)
	if acquired {
		p.cbMu.Unlock()
	}
	p.close()
}

// Close tears the listener down: stops accepting, disconnects every peer
// with an OnDisconnect each, and releases the listening fd. Idempotent.
func (l *Listener) Close() {
	if !l.state.CompareAndSwap(int32(ListenerListening), int32(ListenerClosing)) {
		return
	}
	l.acceptPoller.Close()
	_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)
	unix.Close(l.fd)

	// Snapshot so removePeer can re-take the registry lock per peer.
	var snapshot []*Peer
	l.peers.Scoped(func(m *map[int]*Peer) {
		snapshot = make([]*Peer, 0, len(*m))
		for _, p := range *m {
			snapshot = append(snapshot, p)
		}
	})
	for _, p := range snapshot {
		p.state.CompareAndSwap(int32(PeerConnected), int32(PeerClosing))
		l.removePeer(p)
	}

	l.peerPoller.Close()
	l.state.Store(int32(ListenerClosed))
	metrics.ListenersActive.Dec()
	l.srv.cfg.Logger.Info("listener closed", "endpoint", l.endpoint.String())
}
