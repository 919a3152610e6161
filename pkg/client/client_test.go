package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

// gateway is a fake ingestion endpoint
type gateway struct {
	mu       sync.Mutex
	events   []types.LogEvent
	requests atomic.Int32
	// status decides the response code for the n-th request (1-based)
	status func(n int32, event types.LogEvent) int
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := g.requests.Add(1)

	if r.URL.Path != "/api/logs" || r.Header.Get("Authorization") != "Bearer token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}

	var event types.LogEvent
	if err := json.NewDecoder(body).Decode(&event); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	code := http.StatusOK
	if g.status != nil {
		code = g.status(n, event)
	}
	if code == http.StatusOK {
		g.mu.Lock()
		g.events = append(g.events, event)
		g.mu.Unlock()
	}
	w.WriteHeader(code)
	w.Write([]byte(`{"status":"queued"}`))
}

func (g *gateway) received() []types.LogEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.LogEvent(nil), g.events...)
}

func newClient(t *testing.T, g *gateway, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	cfg := Config{
		URL:       srv.URL,
		Token:     "token",
		Service:   "checkout",
		BatchSize: 100,
		Retry:     RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Defaults(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error without service")
	}

	c, err := New(Config{Service: "svc"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.cfg.BatchSize != DefaultBatchSize {
		t.Errorf("Expected default batch size %d, got %d", DefaultBatchSize, c.cfg.BatchSize)
	}
	if c.endpoint != DefaultURL+"/api/logs" {
		t.Errorf("Unexpected endpoint %s", c.endpoint)
	}
}

func TestLog_BatchSizeTriggersSingleFlush(t *testing.T) {
	g := &gateway{}
	flushes := make(chan FlushResult, 4)
	c := newClient(t, g, func(cfg *Config) {
		cfg.BatchSize = 3
		cfg.OnFlush = func(r FlushResult) { flushes <- r }
	})

	c.Info("one", Metadata{})
	c.Warn("two", Metadata{LatencyMS: types.Float64(12)})
	if c.Pending() != 2 {
		t.Fatalf("Expected 2 pending, got %d", c.Pending())
	}
	c.Error("three", Metadata{UserID: types.Int64(9)})

	// The batch is swapped out before the background flush starts
	if c.Pending() != 0 {
		t.Fatalf("Expected empty batch once flush began, got %d", c.Pending())
	}

	select {
	case res := <-flushes:
		if res.Sent != 3 || res.Failed != 0 {
			t.Errorf("Unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Flush did not happen")
	}

	select {
	case res := <-flushes:
		t.Fatalf("Expected exactly one flush, got another %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	events := g.received()
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"one", "two", "three"} {
		if events[i].Message != want || events[i].Service != "checkout" {
			t.Errorf("Event %d = %+v", i, events[i])
		}
	}
	if events[0].Level != types.LevelInfo || events[2].Level != types.LevelError {
		t.Errorf("Unexpected levels %s, %s", events[0].Level, events[2].Level)
	}
	if events[1].LatencyMS == nil || *events[1].LatencyMS != 12 {
		t.Errorf("Latency not sent: %+v", events[1])
	}
	if events[2].UserID == nil || *events[2].UserID != 9 {
		t.Errorf("UserID not sent: %+v", events[2])
	}
	if events[0].Timestamp.IsZero() {
		t.Error("Expected events to be stamped")
	}
}

func TestFlush_Empty(t *testing.T) {
	g := &gateway{}
	c := newClient(t, g, nil)

	if res := c.Flush(context.Background()); res.Sent != 0 || res.Failed != 0 {
		t.Errorf("Unexpected result %+v", res)
	}
	if g.requests.Load() != 0 {
		t.Errorf("Expected no requests, got %d", g.requests.Load())
	}
}

func TestFlush_NoRetryOnBadRequest(t *testing.T) {
	g := &gateway{status: func(n int32, e types.LogEvent) int {
		if e.Message == "bad" {
			return http.StatusBadRequest
		}
		return http.StatusOK
	}}
	c := newClient(t, g, nil)

	c.Info("good", Metadata{})
	c.Info("bad", Metadata{})
	c.Info("also good", Metadata{})

	res := c.Flush(context.Background())
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("Unexpected result %+v", res)
	}
	if g.requests.Load() != 3 {
		t.Errorf("Expected one request per event, got %d", g.requests.Load())
	}

	var sendErr *SendError
	if !errors.As(res.Errors[0], &sendErr) || sendErr.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 SendError, got %v", res.Errors[0])
	}

	// Failed events are discarded by default
	if c.Pending() != 0 {
		t.Errorf("Expected failed event to be dropped, got %d pending", c.Pending())
	}
}

func TestFlush_RetriesServerErrors(t *testing.T) {
	g := &gateway{status: func(n int32, e types.LogEvent) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}}
	c := newClient(t, g, nil)

	c.Info("eventually", Metadata{})
	res := c.Flush(context.Background())
	if res.Sent != 1 {
		t.Fatalf("Expected event to be delivered after retries, got %+v", res)
	}
	if g.requests.Load() != 3 {
		t.Errorf("Expected 3 requests, got %d", g.requests.Load())
	}
}

func TestFlush_RetriesExhausted(t *testing.T) {
	g := &gateway{status: func(n int32, e types.LogEvent) int { return http.StatusTooManyRequests }}
	c := newClient(t, g, nil)

	c.Info("throttled", Metadata{})
	res := c.Flush(context.Background())
	if res.Failed != 1 {
		t.Fatalf("Expected failure, got %+v", res)
	}
	if g.requests.Load() != 3 {
		t.Errorf("Expected MaxRetries+1 = 3 requests, got %d", g.requests.Load())
	}
}

func TestFlush_RequeueFailed(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	g := &gateway{status: func(n int32, e types.LogEvent) int {
		if down.Load() {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}}
	c := newClient(t, g, func(cfg *Config) {
		cfg.RequeueFailed = true
		cfg.Retry = RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond}
	})

	c.Info("first", Metadata{})
	c.Info("second", Metadata{})
	if res := c.Flush(context.Background()); res.Failed != 2 {
		t.Fatalf("Expected 2 failures, got %+v", res)
	}
	if c.Pending() != 2 {
		t.Fatalf("Expected failed events requeued, got %d pending", c.Pending())
	}

	c.Info("third", Metadata{})
	down.Store(false)
	if res := c.Flush(context.Background()); res.Sent != 3 {
		t.Fatalf("Expected 3 sent, got %+v", res)
	}

	events := g.received()
	for i, want := range []string{"first", "second", "third"} {
		if events[i].Message != want {
			t.Errorf("Event %d = %s, want %s", i, events[i].Message, want)
		}
	}
}

func TestFlush_RequeueBoundedByMaxPending(t *testing.T) {
	var (
		c    *Client
		once sync.Once
	)
	g := &gateway{status: func(n int32, e types.LogEvent) int {
		// two more events arrive while the first flush is failing
		once.Do(func() {
			c.Info("3", Metadata{})
			c.Info("4", Metadata{})
		})
		return http.StatusServiceUnavailable
	}}
	c = newClient(t, g, func(cfg *Config) {
		cfg.BatchSize = 3
		cfg.RequeueFailed = true
		cfg.Retry = RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond}
	})
	if c.cfg.MaxPending != 3 {
		t.Fatalf("Expected MaxPending to default to BatchSize, got %d", c.cfg.MaxPending)
	}

	c.Info("1", Metadata{})
	c.Info("2", Metadata{})
	res := c.Flush(context.Background())
	if res.Failed != 2 || res.Dropped != 1 {
		t.Fatalf("Expected 2 failed and 1 dropped, got %+v", res)
	}

	c.mu.Lock()
	var pending []string
	for _, e := range c.batch {
		pending = append(pending, e.Message)
	}
	c.mu.Unlock()
	want := []string{"2", "3", "4"}
	if len(pending) != len(want) {
		t.Fatalf("Pending = %v, want %v", pending, want)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Errorf("Pending = %v, want %v", pending, want)
			break
		}
	}

	// a gateway that stays down never grows the batch past MaxPending
	for i := 0; i < 5; i++ {
		c.Flush(context.Background())
		if p := c.Pending(); p > c.cfg.MaxPending {
			t.Fatalf("Pending %d exceeds MaxPending %d", p, c.cfg.MaxPending)
		}
	}
}

func TestLog_DuringInflightFlushGoesToNextBatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	g := &gateway{status: func(n int32, e types.LogEvent) int {
		if n == 1 {
			once.Do(func() { close(started) })
			<-release
		}
		return http.StatusOK
	}}
	flushes := make(chan FlushResult, 4)
	c := newClient(t, g, func(cfg *Config) {
		cfg.BatchSize = 3
		cfg.OnFlush = func(r FlushResult) { flushes <- r }
	})

	c.Info("1", Metadata{})
	c.Info("2", Metadata{})
	c.Info("3", Metadata{})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Background flush did not start")
	}

	c.Info("4", Metadata{})
	c.Info("5", Metadata{})
	if c.Pending() != 2 {
		t.Fatalf("Expected 2 pending while flush is in flight, got %d", c.Pending())
	}
	close(release)

	select {
	case res := <-flushes:
		if res.Sent != 3 {
			t.Fatalf("Expected first flush to send 3, got %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Background flush did not finish")
	}

	if res := c.Flush(context.Background()); res.Sent != 2 {
		t.Fatalf("Expected second flush to send 2, got %+v", res)
	}

	events := g.received()
	want := []string{"1", "2", "3", "4", "5"}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	seen := make(map[string]bool)
	for i, e := range events {
		if seen[e.Message] {
			t.Errorf("Event %s delivered twice", e.Message)
		}
		seen[e.Message] = true
		if e.Message != want[i] {
			t.Errorf("Event %d = %s, want %s", i, e.Message, want[i])
		}
	}
}

func TestClose_ConcurrentLog(t *testing.T) {
	g := &gateway{}
	c := newClient(t, g, func(cfg *Config) { cfg.BatchSize = 2 })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Info("busy", Metadata{})
			}
		}()
	}

	time.Sleep(time.Millisecond)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	delivered := g.requests.Load()
	if c.Pending() != 0 {
		t.Errorf("Expected nothing pending after Close, got %d", c.Pending())
	}

	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	if got := g.requests.Load(); got != delivered {
		t.Errorf("Deliveries continued after Close: %d then %d", delivered, got)
	}
	if c.Pending() != 0 {
		t.Errorf("Events appended after Close: %d pending", c.Pending())
	}
}

func TestFlushInterval(t *testing.T) {
	g := &gateway{}
	flushed := make(chan FlushResult, 8)
	c := newClient(t, g, func(cfg *Config) {
		cfg.FlushInterval = 10 * time.Millisecond
		cfg.OnFlush = func(r FlushResult) { flushed <- r }
	})
	defer c.Close(context.Background())

	c.Debug("low volume", Metadata{})

	select {
	case res := <-flushed:
		if res.Sent != 1 {
			t.Errorf("Unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timer flush did not happen")
	}
}

func TestCompress(t *testing.T) {
	g := &gateway{}
	c := newClient(t, g, func(cfg *Config) { cfg.Compress = true })

	c.Info("zipped", Metadata{})
	if res := c.Flush(context.Background()); res.Sent != 1 {
		t.Fatalf("Expected delivery, got %+v", res)
	}
	if events := g.received(); len(events) != 1 || events[0].Message != "zipped" {
		t.Errorf("Unexpected events %+v", events)
	}
}

func TestClose(t *testing.T) {
	g := &gateway{}
	c := newClient(t, g, func(cfg *Config) { cfg.BatchSize = 2 })

	c.Info("a", Metadata{})
	c.Info("b", Metadata{}) // background flush
	c.Info("c", Metadata{}) // left for Close

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(g.received()); got != 3 {
		t.Errorf("Expected 3 delivered, got %d", got)
	}

	if err := c.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}

	c.Info("late", Metadata{})
	if c.Pending() != 0 {
		t.Error("Events logged after Close should be dropped")
	}
}

func TestClose_ReportsLoss(t *testing.T) {
	g := &gateway{status: func(n int32, e types.LogEvent) int { return http.StatusBadRequest }}
	c := newClient(t, g, nil)

	c.Info("rejected", Metadata{})
	if err := c.Close(context.Background()); err == nil {
		t.Error("Expected Close to report undelivered events")
	}
}

func TestSendError_Retryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		if got := (&SendError{StatusCode: tt.code}).Retryable(); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
