// Package config holds the process-global tunables consulted by listeners
// (event buffer sizes) and the server (worker pool sizes).
package config

import "sync"

const (
	defaultListenEventsCapacity = 30
	defaultPeerEventsCapacity   = 30
	defaultClientMinThreads     = 10
	defaultClientMaxThreads     = 10
	defaultServerMinThreads     = 10
	defaultServerMaxThreads     = 10
)

// Tunables are the process-wide knobs. The instance returned by Default is
// built once and must not be mutated afterwards.
type Tunables struct {
	// Event buffer capacity for a single wait on a listening fd's poller.
	ListenEventsCapacity int
	// Event buffer capacity for a single wait on a peer poller.
	PeerEventsCapacity int
	// Thread bounds for peer-side dispatch workers.
	ClientMinThreads int
	ClientMaxThreads int
	// Thread bounds for listener-side accept workers.
	ServerMinThreads int
	ServerMaxThreads int
}

var (
	once     sync.Once
	instance *Tunables
)

// Default returns the process-global tunables, built on first use.
func Default() *Tunables {
	once.Do(func() {
		instance = &Tunables{
			ListenEventsCapacity: defaultListenEventsCapacity,
			PeerEventsCapacity:   defaultPeerEventsCapacity,
			ClientMinThreads:     defaultClientMinThreads,
			ClientMaxThreads:     defaultClientMaxThreads,
			ServerMinThreads:     defaultServerMinThreads,
			ServerMaxThreads:     defaultServerMaxThreads,
		}
	})
	return instance
}
