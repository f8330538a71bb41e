// Package metrics exposes engine counters to Prometheus over HTTP.
package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/database64128/blockack-go/engine"
	"github.com/database64128/blockack-go/tslog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config is the configuration for the metrics service.
type Config struct {
	// Enabled controls whether the metrics service is enabled.
	Enabled bool `json:"enabled"`

	// ListenNetwork is the network to listen on.
	ListenNetwork string `json:"listenNetwork,omitzero"`

	// ListenAddress is the address to listen on.
	ListenAddress string `json:"listenAddress"`

	// EnablePprof additionally serves runtime profiles under /debug/pprof/.
	EnablePprof bool `json:"enablePprof,omitzero"`
}

// NewService creates a new metrics service exposing the engine's counters.
func (c Config) NewService(logger *tslog.Logger, e *engine.Engine) *Service {
	network := c.ListenNetwork
	if network == "" {
		network = "tcp"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewEngineCollector(e),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}))
	if c.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return &Service{
		logger:  logger,
		network: network,
		server: http.Server{
			Addr:     c.ListenAddress,
			Handler:  mux,
			ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError),
		},
	}
}

// Service serves engine metrics over HTTP.
type Service struct {
	logger  *tslog.Logger
	network string
	server  http.Server
}

// SlogAttr returns a [slog.Attr] identifying the service.
func (*Service) SlogAttr() slog.Attr {
	return slog.String("service", "metrics")
}

// Start starts the metrics server.
func (s *Service) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, s.network, s.server.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Failed to serve metrics", tslog.Err(err))
		}
	}()

	s.logger.Info("Started metrics", slog.Any("listenAddress", ln.Addr()))
	return nil
}

// Stop stops the metrics server.
func (s *Service) Stop() error {
	if err := s.server.Close(); err != nil {
		return err
	}
	s.logger.Info("Stopped metrics")
	return nil
}
