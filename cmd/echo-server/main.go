// Command echo-server is a small embedder of the tuxnet server: it listens
// on one or more TCP endpoints and echoes every received line back to the
// sender.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/jnse/tuxnet/pkg/netaddr"
	"github.com/jnse/tuxnet/pkg/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cliConfig struct {
	ShowVersion bool
	Verbose     bool
	MetricsAddr string

	Listen []string

	KeepaliveEnabled  bool
	KeepaliveIdle     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveRetries  int
}

func run() error {
	var cfg cliConfig
	flag.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	flag.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable debug logging")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "prometheus metrics listen address (empty disables)")
	flag.StringSliceVar(&cfg.Listen, "listen", []string{"127.0.0.1:8080"}, "endpoint(s) to listen on")
	flag.BoolVar(&cfg.KeepaliveEnabled, "keepalive", true, "enable TCP keepalive on accepted connections")
	flag.DurationVar(&cfg.KeepaliveIdle, "keepalive-idle", 10*time.Second, "keepalive idle time")
	flag.DurationVar(&cfg.KeepaliveInterval, "keepalive-interval", 5*time.Second, "keepalive probe interval")
	flag.IntVar(&cfg.KeepaliveRetries, "keepalive-retries", 3, "keepalive probe count")
	flag.Parse()

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	if cfg.MetricsAddr != "" {
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to serve prometheus metrics", "error", err)
				os.Exit(1)
			}
		}()
	}

	endpoints := make([]netaddr.Endpoint, 0, len(cfg.Listen))
	for _, s := range cfg.Listen {
		ep, err := netaddr.ParseEndpoint(s)
		if err != nil {
			return fmt.Errorf("bad --listen value %q: %w", s, err)
		}
		endpoints = append(endpoints, ep)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(&server.Config{
		Logger:  log,
		Handler: &echoHandler{log: log},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srv.ConfigureKeepalive(cfg.KeepaliveEnabled, cfg.KeepaliveIdle, cfg.KeepaliveInterval, cfg.KeepaliveRetries)

	if err := srv.Listen(ctx, endpoints, netaddr.TCP); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	for _, ep := range srv.BoundEndpoints() {
		log.Info("echo server listening", "endpoint", ep.String())
	}

	if err := srv.Poll(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Info("server stopped")
	return nil
}

type echoHandler struct {
	server.NopHandler
	log *slog.Logger
}

func (h *echoHandler) OnConnect(p *server.Peer) {
	h.log.Info("client connected", "remote", p.Remote().String())
}

func (h *echoHandler) OnReceive(p *server.Peer) {
	line := p.ReadLine()
	if line == "" {
		return
	}
	p.WriteString(line + "\n")
}

func (h *echoHandler) OnDisconnect(p *server.Peer) {
	h.log.Info("client disconnected", "remote", p.Remote().String())
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(t.Format("2006-01-02T15:04:05.000Z"))
			}
			return a
		},
	}))
}
