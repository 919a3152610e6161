package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/health"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/metrics"
)

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(
		&config.MetricsConfig{Enabled: true, Address: ":9090", Path: "/prom"},
		&config.HealthConfig{Enabled: false, Address: ":9091"},
	)
	if cfg.MetricsAddress != ":9090" || cfg.MetricsPath != "/prom" {
		t.Errorf("Unexpected metrics config %+v", cfg)
	}
	if cfg.HealthAddress != "" {
		t.Errorf("Disabled health server should have no address, got %q", cfg.HealthAddress)
	}

	if empty := ConfigFrom(nil, nil); empty.MetricsAddress != "" || empty.HealthAddress != "" {
		t.Errorf("Expected empty config, got %+v", empty)
	}
}

func TestNew_SkipsUnconfiguredListeners(t *testing.T) {
	s := New(Config{})
	if s.metricsServer != nil || s.healthServer != nil {
		t.Error("Expected no listeners")
	}

	// Nothing to serve, Run returns immediately
	if err := s.Run(context.Background(), time.Second); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestServeListener(t *testing.T) {
	collector := metrics.NewCollector()
	collector.GatewayRateLimited.Inc()

	checker := health.NewChecker(time.Second)
	checker.Register("storage", health.CheckFunc(func() (bool, string) { return true, "ok" }))

	s := New(Config{
		MetricsAddress:  "127.0.0.1:0",
		HealthAddress:   "127.0.0.1:0",
		MetricsRegistry: collector.Registry(),
		HealthChecker:   checker,
	})

	metricsLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	healthLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- ServeListener(ctx, s.metricsServer, metricsLn, time.Second, logging.Nop()) }()
	go func() { done <- ServeListener(ctx, s.healthServer, healthLn, time.Second, logging.Nop()) }()

	body := get(t, "http://"+metricsLn.Addr().String()+"/metrics")
	if !strings.Contains(body, "insighthub_gateway_rate_limited_total") {
		t.Errorf("Expected gateway metric in exposition, got:\n%s", body)
	}

	body = get(t, "http://"+healthLn.Addr().String()+"/health/ready")
	if !strings.Contains(body, `"healthy"`) {
		t.Errorf("Unexpected readiness body %s", body)
	}

	cancel()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("ServeListener() error = %v", err)
		}
	}
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
