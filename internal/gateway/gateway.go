// Package gateway is the HTTP entry point of the pipeline. It rate limits,
// authenticates and validates inbound log events, then hands them to the
// durable queue. An event is acknowledged only once the queue has it.
package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/health"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/metrics"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/security"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/server"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/tracing"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/validate"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

var (
	// ErrUnauthorized rejects a request without the service token
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited rejects a client over its request window
	ErrRateLimited = errors.New("too many requests")
	// ErrBodyTooLarge rejects a body over MaxBodySize
	ErrBodyTooLarge = errors.New("request body too large")
)

const (
	// IngestPath accepts one log event per request
	IngestPath = "/api/logs"
	// RequestIDHeader carries the per-request correlation ID
	RequestIDHeader = "X-Request-ID"
)

// Publisher hands validated events to the durable queue
type Publisher interface {
	Publish(ctx context.Context, msg types.QueuedMessage) error
}

// Options wire optional collaborators
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
	Health  *health.Checker
	// Now overrides the clock used for stamping and rate limiting
	Now func() time.Time
}

// Gateway serves the ingestion API
type Gateway struct {
	cfg       config.GatewayConfig
	publisher Publisher
	limiters  *limiterSet
	logger    *logging.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	health    *health.Checker
	now       func() time.Time
	handler   http.Handler
}

// New creates a gateway publishing to pub
func New(cfg config.GatewayConfig, pub Publisher, opts Options) (*Gateway, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("gateway token is required")
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = config.DefaultMaxBodySize
	}
	if cfg.RateLimit.Requests <= 0 {
		cfg.RateLimit.Requests = config.DefaultRateLimit
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = config.DefaultRateWindow
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	g := &Gateway{
		cfg:       cfg,
		publisher: pub,
		limiters:  newLimiterSet(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		logger:    opts.Logger.WithComponent("gateway"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		health:    opts.Health,
		now:       opts.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(IngestPath, g.handleIngest)
	mux.HandleFunc("/health", g.handleHealth)
	if opts.Metrics != nil {
		mux.Handle("/metrics", server.MetricsHandler(opts.Metrics.Registry()))
	}
	g.handler = g.requestID(g.cors(mux))

	return g, nil
}

// Handler returns the gateway's HTTP handler
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Run serves on the configured address until ctx is done, sweeping idle
// rate limiters in the background
func (g *Gateway) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	tlsConfig, err := security.LoadTLSConfig(g.cfg.TLS)
	if err != nil {
		return fmt.Errorf("gateway TLS: %w", err)
	}

	go g.sweepLoop(ctx)

	srv := &http.Server{
		Addr:         g.cfg.Address,
		Handler:      g.handler,
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
		TLSConfig:    tlsConfig,
	}
	g.logger.Info().
		Str("address", g.cfg.Address).
		Bool("tls", tlsConfig != nil).
		Int("rate_limit", g.cfg.RateLimit.Requests).
		Dur("rate_window", g.cfg.RateLimit.Window).
		Msg("Ingestion gateway starting")
	return server.Serve(ctx, srv, shutdownTimeout, g.logger)
}

func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.RateLimit.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.limiters.Sweep(g.now()); n > 0 {
				g.logger.Debug().Int("removed", n).Msg("Swept idle rate limiters")
			}
		case <-ctx.Done():
			return
		}
	}
}

// requestID assigns every request a correlation ID and echoes it back
func (g *Gateway) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// cors answers preflight requests and marks every response as shareable
func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Expose-Headers", RequestIDHeader)

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Content-Encoding, "+RequestIDHeader)
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleIngest runs rate limit, auth, read, validate, stamp and publish in that order
func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get(RequestIDHeader)
	status := http.StatusOK
	defer func() {
		if g.metrics != nil {
			code := strconv.Itoa(status)
			g.metrics.GatewayRequests.WithLabelValues(code).Inc()
			g.metrics.GatewayRequestDuration.WithLabelValues(code).Observe(time.Since(start).Seconds())
		}
	}()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, map[string]string{"error": "Method not allowed"})
		return
	}

	ctx, span := tracing.TraceIngest(r.Context(), g.tracer, requestID)
	defer span.End()

	err := g.ingest(ctx, r)
	status = statusFor(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logRejection(r, requestID, status, err)
		writeJSON(w, status, map[string]string{"error": messageFor(err)})
		return
	}

	writeJSON(w, status, map[string]string{"status": "queued"})
}

func (g *Gateway) ingest(ctx context.Context, r *http.Request) error {
	if err := g.allow(r); err != nil {
		return err
	}
	if err := g.authenticate(r); err != nil {
		return err
	}

	body, err := g.readBody(r)
	if err != nil {
		return err
	}

	event, err := validate.Validate(body)
	if err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = g.now().UTC()
	}

	if err := g.publisher.Publish(ctx, types.NewQueuedMessage(event)); err != nil {
		return &publishFailure{err: err}
	}
	return nil
}

func (g *Gateway) allow(r *http.Request) error {
	if g.limiters.Allow(clientIP(r), g.now()) {
		return nil
	}
	if g.metrics != nil {
		g.metrics.GatewayRateLimited.Inc()
	}
	return ErrRateLimited
}

func (g *Gateway) authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if ok && subtle.ConstantTimeCompare([]byte(token), []byte(g.cfg.Token)) == 1 {
		return nil
	}
	if g.metrics != nil {
		g.metrics.GatewayAuthFailures.Inc()
	}
	return ErrUnauthorized
}

// readBody reads at most MaxBodySize bytes, decoding gzip when declared
func (g *Gateway) readBody(r *http.Request) ([]byte, error) {
	limit := g.cfg.MaxBodySize
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, &validate.ValidationError{Reason: fmt.Sprintf("failed to read body: %v", err)}
	}
	if int64(len(raw)) > limit {
		return nil, ErrBodyTooLarge
	}

	if !strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		return raw, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &validate.ValidationError{Reason: "body is not valid gzip"}
	}
	defer zr.Close()

	decoded, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, &validate.ValidationError{Reason: "body is not valid gzip"}
	}
	if int64(len(decoded)) > limit {
		return nil, ErrBodyTooLarge
	}
	return decoded, nil
}

func (g *Gateway) logRejection(r *http.Request, requestID string, status int, err error) {
	var verr *validate.ValidationError
	if errors.As(err, &verr) && g.metrics != nil {
		field := verr.Field
		if field == "" {
			field = "body"
		}
		g.metrics.GatewayValidationFailures.WithLabelValues(field).Inc()
	}

	event := g.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = g.logger.Error()
	}
	event.
		Err(err).
		Str("request_id", requestID).
		Str("remote_addr", r.RemoteAddr).
		Int("status", status).
		Msg("Ingest request rejected")
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if g.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
		return
	}
	g.health.HTTPHandler()(w, r)
}

// publishFailure marks an error returned by the Publisher
type publishFailure struct {
	err error
}

func (p *publishFailure) Error() string { return p.err.Error() }
func (p *publishFailure) Unwrap() error { return p.err }

func statusFor(err error) int {
	var verr *validate.ValidationError
	var perr *publishFailure
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &perr):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func messageFor(err error) string {
	var verr *validate.ValidationError
	var perr *publishFailure
	switch {
	case errors.Is(err, ErrRateLimited):
		return "Too many requests"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrBodyTooLarge):
		return "Request body too large"
	case errors.As(err, &verr):
		return verr.Error()
	case errors.As(err, &perr):
		return "Failed to queue log"
	}
	return "Internal server error"
}

// clientIP keys the rate limiter on the peer address without its port
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
