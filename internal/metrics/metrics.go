package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ListenersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuxnet_listeners_active", Help: "Listeners currently bound and accepting.",
	})

	AcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuxnet_accepted_total", Help: "Total connections accepted.",
	})
	AcceptErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tuxnet_accept_errors_total", Help: "Total accept-path errors.",
	}, []string{"kind"})

	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuxnet_peers_connected", Help: "Peers currently in a registry.",
	})
	DisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuxnet_disconnects_total", Help: "Total peer disconnects.",
	})

	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuxnet_bytes_read_total", Help: "Total bytes read from peers.",
	})
	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuxnet_bytes_written_total", Help: "Total bytes written to peers.",
	})
	PeerReadErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuxnet_peer_read_errors_total", Help: "Total peer read errors other than would-block.",
	})
	PeerWriteErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuxnet_peer_write_errors_total", Help: "Total peer write errors other than broken pipe.",
	})

	EpollCreateRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuxnet_epoll_create_retries_total", Help: "Retries of epoll_create1 due to fd table exhaustion.",
	})
)
