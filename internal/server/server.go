// Package server exposes Prometheus metrics and health probes on their own listeners.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/health"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
)

// Server provides HTTP endpoints for metrics and health checks
type Server struct {
	metricsServer *http.Server
	healthServer  *http.Server
	logger        *logging.Logger
}

// Config holds server configuration
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

// ConfigFrom builds a server Config from the optional file sections
func ConfigFrom(m *config.MetricsConfig, h *config.HealthConfig) Config {
	var cfg Config
	if m != nil && m.Enabled {
		cfg.MetricsAddress = m.Address
		cfg.MetricsPath = m.Path
	}
	if h != nil && h.Enabled {
		cfg.HealthAddress = h.Address
		cfg.LivenessPath = h.LivenessPath
		cfg.ReadinessPath = h.ReadinessPath
	}
	return cfg
}

// MetricsHandler serves the registry in Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// New creates a new server. Listeners whose address is empty are skipped.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	s := &Server{
		logger: cfg.Logger.WithComponent("server"),
	}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}

		mux := http.NewServeMux()
		mux.Handle(metricsPath, MetricsHandler(cfg.MetricsRegistry))

		s.metricsServer = &http.Server{
			Addr:         cfg.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		livenessPath := cfg.LivenessPath
		if livenessPath == "" {
			livenessPath = "/health/live"
		}

		readinessPath := cfg.ReadinessPath
		if readinessPath == "" {
			readinessPath = "/health/ready"
		}

		mux := http.NewServeMux()
		mux.HandleFunc(livenessPath, cfg.HealthChecker.LivenessHandler())
		mux.HandleFunc(readinessPath, cfg.HealthChecker.ReadinessHandler())
		mux.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())

		s.healthServer = &http.Server{
			Addr:         cfg.HealthAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s
}

// Run serves until ctx is done, then shuts the listeners down within timeout
func (s *Server) Run(ctx context.Context, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range []*http.Server{s.metricsServer, s.healthServer} {
		if srv == nil {
			continue
		}
		g.Go(func() error {
			return Serve(gctx, srv, timeout, s.logger)
		})
	}

	return g.Wait()
}

// Serve runs srv until ctx is done and then shuts it down gracefully.
// It is shared by every HTTP listener in the binaries. A non-nil
// srv.TLSConfig serves HTTPS.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, logger *logging.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}
	return ServeListener(ctx, srv, ln, timeout, logger)
}

// ServeListener is Serve on an existing listener
func ServeListener(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration, logger *logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", ln.Addr().String()).Msg("HTTP server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	logger.Info().Str("address", ln.Addr().String()).Msg("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", ln.Addr(), err)
	}
	return nil
}
