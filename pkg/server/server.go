// Package server implements an event-driven multi-listener TCP server: an
// application embeds a Server, supplies callbacks, and gets per-connection
// read/write helpers, transport keepalive, and graceful teardown. Each
// listener runs two workers, one draining its listening fd and one
// dispatching its peers; accept workers share one bounded pool and dispatch
// workers another.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/jnse/tuxnet/pkg/config"
	"github.com/jnse/tuxnet/pkg/locked"
	"github.com/jnse/tuxnet/pkg/netaddr"
)

// ErrUnsupportedTransport is returned by Listen for transports without a
// dispatch path. Stateless UDP has none yet; asking for it fails instead of
// silently binding a socket nothing will drain.
var ErrUnsupportedTransport = errors.New("server: unsupported transport")

// Config carries the dependencies of a Server.
type Config struct {
	// Required.
	Logger *slog.Logger

	// Optional with defaults.
	Clock    clockwork.Clock
	Handler  Handler
	Tunables *config.Tunables
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Handler == nil {
		c.Handler = NopHandler{}
	}
	if c.Tunables == nil {
		c.Tunables = config.Default()
	}
	return nil
}

// Server owns a set of listeners and fans workers out to them. Keepalive
// settings are a template: each listener created by Listen is stamped with
// the defaults current at that moment, and later ConfigureKeepalive calls
// do not touch existing listeners.
type Server struct {
	cfg       *Config
	keepalive *locked.Value[Keepalive]
	listeners *locked.Value[[]*Listener]
}

// New builds a Server from cfg.
func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Server{
		cfg:       cfg,
		keepalive: locked.New(DefaultKeepalive()),
		listeners: locked.New([]*Listener{}),
	}, nil
}

// ConfigureKeepalive sets the keepalive defaults stamped onto listeners
// created by subsequent Listen calls. Existing listeners keep the settings
// they were created with.
func (s *Server) ConfigureKeepalive(enabled bool, idle, interval time.Duration, retries int) {
	s.keepalive.Scoped(func(ka *Keepalive) {
		*ka = Keepalive{Enabled: enabled, Idle: idle, Interval: interval, Count: retries}
	})
}

// Listen opens one listener per endpoint on the given transport. Listeners
// that bound successfully before a failure stay; the failing endpoint adds
// nothing. Returns nil iff every endpoint succeeded.
func (s *Server) Listen(ctx context.Context, endpoints []netaddr.Endpoint, transport netaddr.Transport) error {
	if transport != netaddr.TCP {
		return fmt.Errorf("%w: %s", ErrUnsupportedTransport, transport)
	}
	var ka Keepalive
	s.keepalive.Scoped(func(v *Keepalive) { ka = *v })

	for _, ep := range endpoints {
		l := newListener(s, ep, transport, ka)
		if err := l.setup(ctx); err != nil {
			return fmt.Errorf("listen %s: %w", ep, err)
		}
		s.listeners.Scoped(func(ls *[]*Listener) { *ls = append(*ls, l) })
	}
	return nil
}

// NumClients returns the number of connected peers across all listeners.
func (s *Server) NumClients() int {
	total := 0
	for _, l := range s.snapshotListeners() {
		total += l.NumPeers()
	}
	return total
}

// BoundEndpoints returns the endpoint actually bound by each listener, in
// Listen order.
func (s *Server) BoundEndpoints() []netaddr.Endpoint {
	ls := s.snapshotListeners()
	eps := make([]netaddr.Endpoint, 0, len(ls))
	for _, l := range ls {
		eps = append(eps, l.BoundEndpoint())
	}
	return eps
}

// Poll runs every listener's accept and dispatch loops on bounded worker
// pools and blocks until the whole server is quiescent. Cancelling ctx
// closes all listeners and lets the workers drain. Returns nil iff no
// worker reported a fatal error.
func (s *Server) Poll(ctx context.Context) error {
	ls := s.snapshotListeners()
	if len(ls) == 0 {
		return nil
	}

	// Each listener needs its accept and dispatch workers live at the same
	// time, so the pools never shrink below one slot per listener no
	// matter what the tunables say.
	acceptPool := pond.NewPool(max(s.cfg.Tunables.ServerMaxThreads, len(ls)))
	dispatchPool := pond.NewPool(max(s.cfg.Tunables.ClientMaxThreads, len(ls)))

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	tasks := make([]pond.Task, 0, 2*len(ls))
	for _, l := range ls {
		tasks = append(tasks,
			acceptPool.SubmitErr(l.acceptLoop),
			dispatchPool.SubmitErr(l.peerLoop),
		)
	}

	var errs []error
	for _, t := range tasks {
		if err := t.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	acceptPool.StopAndWait()
	dispatchPool.StopAndWait()
	return errors.Join(errs...)
}

// Close tears down every listener. Poll returns once their workers drain.
func (s *Server) Close() {
	for _, l := range s.snapshotListeners() {
		l.Close()
	}
}

func (s *Server) snapshotListeners() []*Listener {
	var out []*Listener
	s.listeners.Scoped(func(ls *[]*Listener) {
		out = append(out, *ls...)
	})
	return out
}
