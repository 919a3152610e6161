// Package query serves the read-only HTTP API over stored log records.
package query

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/health"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/metrics"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/security"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/server"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/storage"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

// Default windows for the stats routes
const (
	DefaultStatsWindow   = time.Hour
	DefaultErrorsWindow  = 24 * time.Hour
	DefaultErrorsBucket  = time.Hour
	DefaultLatencyWindow = time.Hour
)

// Store is what the API reads from
type Store interface {
	storage.Querier
	Ping(ctx context.Context) error
}

// Options wire optional collaborators
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Health  *health.Checker
	Now     func() time.Time
}

// API is the query HTTP surface
type API struct {
	cfg     config.QueryConfig
	store   Store
	logger  *logging.Logger
	metrics *metrics.Collector
	health  *health.Checker
	now     func() time.Time
	engine  *gin.Engine
}

// New builds the router. Every /api route except /api/health needs the token.
func New(cfg config.QueryConfig, store Store, opts Options) (*API, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("query token is required")
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = config.DefaultQueryLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = config.DefaultQueryMaxLimit
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &API{
		cfg:     cfg,
		store:   store,
		logger:  opts.Logger.WithComponent("query"),
		metrics: opts.Metrics,
		health:  opts.Health,
		now:     opts.Now,
	}

	r := gin.New()
	r.Use(gin.Recovery(), a.observe)

	r.GET("/api/health", a.handleHealth)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(server.MetricsHandler(opts.Metrics.Registry())))
	}

	api := r.Group("/api", a.authenticate)
	api.GET("/logs", a.handleLogs)
	api.GET("/stats", a.handleStats)
	api.GET("/stats/errors", a.handleErrors)
	api.GET("/stats/latency", a.handleLatency)

	a.engine = r
	return a, nil
}

// Handler returns the API's HTTP handler
func (a *API) Handler() http.Handler {
	return a.engine
}

// Run serves on the configured address until ctx is done
func (a *API) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	tlsConfig, err := security.LoadTLSConfig(a.cfg.TLS)
	if err != nil {
		return fmt.Errorf("query TLS: %w", err)
	}

	srv := &http.Server{
		TLSConfig:         tlsConfig,
		Addr:              a.cfg.Address,
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	a.logger.Info().Str("address", a.cfg.Address).Bool("tls", tlsConfig != nil).Msg("Query API starting")
	return server.Serve(ctx, srv, shutdownTimeout, a.logger)
}

// observe counts requests by matched route and status
func (a *API) observe(c *gin.Context) {
	c.Next()

	if a.metrics == nil {
		return
	}
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	a.metrics.QueryRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
}

func (a *API) authenticate(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.Token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	c.Next()
}

func (a *API) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	if a.health != nil {
		results := a.health.Check(ctx)
		status := health.Overall(results)
		code := http.StatusOK
		if status == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "components": results, "timestamp": a.now().UTC()})
		return
	}

	if err := a.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": health.StatusUnhealthy, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy, "timestamp": a.now().UTC()})
}

func (a *API) handleLogs(c *gin.Context) {
	filter := storage.Filter{Service: c.Query("service")}

	if v := c.Query("level"); v != "" {
		level, err := types.ParseLevel(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Level = level
	}

	limit, err := a.limit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter.Limit = limit

	records, err := a.store.Recent(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, "recent", err)
		return
	}
	if records == nil {
		records = []types.PersistedLogRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": records, "count": len(records)})
}

func (a *API) handleStats(c *gin.Context) {
	window, ok := a.duration(c, "window", DefaultStatsWindow)
	if !ok {
		return
	}

	summary, err := a.store.Summary(c.Request.Context(), a.now().Add(-window))
	if err != nil {
		a.fail(c, "summary", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"window":    window.String(),
		"total":     summary.Total,
		"errors":    summary.Errors,
		"anomalies": summary.Anomalies,
	})
}

func (a *API) handleErrors(c *gin.Context) {
	window, ok := a.duration(c, "window", DefaultErrorsWindow)
	if !ok {
		return
	}
	bucket, ok := a.duration(c, "bucket", DefaultErrorsBucket)
	if !ok {
		return
	}
	if bucket < time.Second {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bucket must be at least 1s"})
		return
	}

	buckets, err := a.store.ErrorBuckets(c.Request.Context(), a.now().Add(-window), bucket)
	if err != nil {
		a.fail(c, "error buckets", err)
		return
	}
	if buckets == nil {
		buckets = []storage.Bucket{}
	}
	c.JSON(http.StatusOK, gin.H{"window": window.String(), "bucket": bucket.String(), "buckets": buckets})
}

func (a *API) handleLatency(c *gin.Context) {
	window, ok := a.duration(c, "window", DefaultLatencyWindow)
	if !ok {
		return
	}

	services, err := a.store.LatencyByService(c.Request.Context(), a.now().Add(-window))
	if err != nil {
		a.fail(c, "latency", err)
		return
	}
	if services == nil {
		services = []storage.ServiceLatency{}
	}
	c.JSON(http.StatusOK, gin.H{"window": window.String(), "services": services})
}

// limit parses the limit parameter, capping it at MaxLimit
func (a *API) limit(raw string) (int, error) {
	if raw == "" {
		return a.cfg.DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > a.cfg.MaxLimit {
		n = a.cfg.MaxLimit
	}
	return n, nil
}

// duration reads a positive Go duration parameter, writing a 400 when invalid
func (a *API) duration(c *gin.Context, name string, def time.Duration) (time.Duration, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s must be a positive duration such as 1h", name)})
		return 0, false
	}
	return d, true
}

func (a *API) fail(c *gin.Context, op string, err error) {
	a.logger.Error().Err(err).Str("op", op).Str("path", c.Request.URL.Path).Msg("Query failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
}
