// Package client is the Go SDK for the InsightHub ingestion gateway.
//
// Events are buffered in memory and sent when the batch reaches BatchSize,
// on an optional timer, or on an explicit Flush. Each event is posted
// individually. Delivery failures are reported to OnFlush and the logger;
// they never surface from Log.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/reliability"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

const (
	DefaultURL       = "http://localhost:8000"
	DefaultBatchSize = 10
	ingestPath       = "/api/logs"
)

// ErrClosed is returned by Close when called twice
var ErrClosed = errors.New("client is closed")

// RetryConfig bounds retries of a single event send
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Config configures a Client
type Config struct {
	URL     string
	Token   string
	Service string

	// BatchSize triggers a background flush when reached
	BatchSize int
	// FlushInterval flushes periodically; zero disables the timer
	FlushInterval time.Duration

	HTTPClient *http.Client
	Retry      RetryConfig

	// RequeueFailed puts undelivered events back at the front of the next
	// batch instead of discarding them
	RequeueFailed bool
	// MaxPending caps the batch after requeueing; the oldest events beyond it
	// are dropped. Defaults to BatchSize and is never below it.
	MaxPending int
	// Compress gzips request bodies
	Compress bool

	// Logger receives delivery failures. The zero value discards them.
	Logger zerolog.Logger
	// OnFlush is called after every flush with its outcome
	OnFlush func(FlushResult)
}

// Metadata carries the optional event fields
type Metadata struct {
	LatencyMS *float64
	UserID    *int64
}

// FlushResult summarises one flush
type FlushResult struct {
	Sent   int
	Failed int
	// Dropped counts failed events that did not fit back under MaxPending
	Dropped int
	Errors  []error
}

// SendError is a non-2xx gateway response
type SendError struct {
	StatusCode int
	Body       string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the gateway might accept the event later
func (e *SendError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client batches events and delivers them to the gateway
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
	retry    reliability.RetryConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	batch  []types.LogEvent
	closed bool

	inflight sync.WaitGroup
	stop     chan struct{}
	ticker   sync.WaitGroup
}

// New creates a client. It starts a flush timer when FlushInterval is set.
func New(cfg Config) (*Client, error) {
	if cfg.Service == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = cfg.BatchSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = RetryConfig{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}
	}

	c := &Client{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.URL, "/") + ingestPath,
		http:     cfg.HTTPClient,
		retry: reliability.RetryConfig{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Jitter:         true,
		},
		logger: cfg.Logger.With().Str("component", "insighthub-client").Str("service", cfg.Service).Logger(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	if cfg.FlushInterval > 0 {
		c.ticker.Add(1)
		go c.flushLoop(cfg.FlushInterval)
	}
	return c, nil
}

// Log appends an event. When the batch is full it is swapped out and sent
// in the background, so the batch is empty again before Log returns.
func (c *Client) Log(level types.Level, message string, md Metadata) {
	event := types.LogEvent{
		Service:   c.cfg.Service,
		Level:     level,
		Message:   message,
		LatencyMS: md.LatencyMS,
		UserID:    md.UserID,
		Timestamp: c.now().UTC(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn().Str("level", string(level)).Msg("Log called after Close, event dropped")
		return
	}
	c.batch = append(c.batch, event)
	var full []types.LogEvent
	if len(c.batch) >= c.cfg.BatchSize {
		full = c.swap()
		// Added under the lock so Close cannot pass inflight.Wait first
		c.inflight.Add(1)
	}
	c.mu.Unlock()

	if full != nil {
		go func() {
			defer c.inflight.Done()
			c.deliver(context.Background(), full)
		}()
	}
}

// Info logs at INFO
func (c *Client) Info(message string, md Metadata) { c.Log(types.LevelInfo, message, md) }

// Warn logs at WARN
func (c *Client) Warn(message string, md Metadata) { c.Log(types.LevelWarn, message, md) }

// Error logs at ERROR
func (c *Client) Error(message string, md Metadata) { c.Log(types.LevelError, message, md) }

// Debug logs at DEBUG
func (c *Client) Debug(message string, md Metadata) { c.Log(types.LevelDebug, message, md) }

// Pending returns the number of buffered events
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batch)
}

// Flush sends everything buffered so far and waits for the result
func (c *Client) Flush(ctx context.Context) FlushResult {
	c.mu.Lock()
	events := c.swap()
	c.mu.Unlock()

	return c.deliver(ctx, events)
}

// Close stops the timer, waits for background flushes and flushes what is
// left. It returns an error if any event from the final flush was lost.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.ticker.Wait()
	c.inflight.Wait()

	res := c.Flush(ctx)
	if res.Failed > 0 {
		return fmt.Errorf("%d event(s) not delivered: %w", res.Failed, errors.Join(res.Errors...))
	}
	return nil
}

// swap takes the current batch (must be called with lock held)
func (c *Client) swap() []types.LogEvent {
	events := c.batch
	c.batch = nil
	return events
}

// requeue puts failed back in front of the batch, keeping at most MaxPending
// events and dropping the oldest. It returns how many were dropped.
func (c *Client) requeue(failed []types.LogEvent) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}
	merged := append(failed, c.batch...)
	dropped := 0
	if over := len(merged) - c.cfg.MaxPending; over > 0 {
		dropped = min(over, len(failed))
		merged = merged[dropped:]
	}
	c.batch = merged
	return dropped
}

func (c *Client) flushLoop(interval time.Duration) {
	defer c.ticker.Done()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.Flush(context.Background())
		case <-c.stop:
			return
		}
	}
}

// deliver sends events one by one; a failure does not stop the rest
func (c *Client) deliver(ctx context.Context, events []types.LogEvent) FlushResult {
	var res FlushResult
	if len(events) == 0 {
		return res
	}

	var failed []types.LogEvent
	for _, event := range events {
		if err := c.send(ctx, event); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			failed = append(failed, event)
			c.logger.Error().Err(err).Str("level", string(event.Level)).Msg("Failed to send log")
			continue
		}
		res.Sent++
	}

	if len(failed) > 0 && c.cfg.RequeueFailed {
		res.Dropped = c.requeue(failed)
		if res.Dropped > 0 {
			c.logger.Warn().Int("dropped", res.Dropped).Int("max_pending", c.cfg.MaxPending).
				Msg("Pending limit reached, oldest failed events dropped")
		}
	}

	if c.cfg.OnFlush != nil {
		c.cfg.OnFlush(res)
	}
	return res
}

// send posts one event, retrying network errors, 429 and 5xx
func (c *Client) send(ctx context.Context, event types.LogEvent) error {
	body, encoding, err := c.encode(event)
	if err != nil {
		return err
	}

	return reliability.Retry(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return reliability.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		req.Header.Set("X-Request-ID", uuid.NewString())
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			io.Copy(io.Discard, resp.Body)
			return nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		sendErr := &SendError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if !sendErr.Retryable() {
			return reliability.Permanent(sendErr)
		}
		return sendErr
	})
}

func (c *Client) encode(event types.LogEvent) ([]byte, string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode event: %w", err)
	}
	if !c.cfg.Compress {
		return data, "", nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to compress event: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to compress event: %w", err)
	}
	return buf.Bytes(), "gzip", nil
}
