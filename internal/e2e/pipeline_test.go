// Package e2e runs the whole pipeline in process: SDK, gateway, Kafka
// producer (mocked broker), processor, storage and query API.
package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/gateway"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/processor"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/query"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/queue"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/storage"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/client"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

const token = "pipeline-token"

func init() {
	gin.SetMode(gin.TestMode)
}

// broker records what the producer sent, in order
type broker struct {
	mu   sync.Mutex
	sent []queue.Message
}

func (b *broker) capture(pm *sarama.ProducerMessage) error {
	key, err := pm.Key.Encode()
	if err != nil {
		return err
	}
	value, err := pm.Value.Encode()
	if err != nil {
		return err
	}
	headers := make(map[string]string, len(pm.Headers))
	for _, h := range pm.Headers {
		headers[string(h.Key)] = string(h.Value)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, queue.Message{
		Topic:   pm.Topic,
		Offset:  int64(len(b.sent)),
		Key:     key,
		Value:   value,
		Headers: headers,
	})
	return nil
}

func (b *broker) messages() []queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.Message(nil), b.sent...)
}

type pipeline struct {
	broker    *broker
	producer  *queue.Producer
	gateway   *httptest.Server
	store     *storage.MemoryStore
	processor *processor.Processor
	query     *query.API
}

// newPipeline expects exactly sends successful publishes
func newPipeline(t *testing.T, sends int) *pipeline {
	t.Helper()

	b := &broker{}
	sp := mocks.NewSyncProducer(t, nil)
	for i := 0; i < sends; i++ {
		sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(b.capture)
	}
	producer := queue.NewProducerFrom(sp, "logs", queue.ProducerOptions{})
	t.Cleanup(func() {
		if err := producer.Close(); err != nil {
			t.Errorf("producer Close() error = %v", err)
		}
	})

	gw, err := gateway.New(config.GatewayConfig{Token: token}, producer, gateway.Options{})
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	store := storage.NewMemoryStore()
	proc, err := processor.New(config.ProcessorConfig{}, store, processor.Options{Backend: store.Name()})
	if err != nil {
		t.Fatalf("processor.New() error = %v", err)
	}

	api, err := query.New(config.QueryConfig{Token: token}, store, query.Options{})
	if err != nil {
		t.Fatalf("query.New() error = %v", err)
	}

	return &pipeline{broker: b, producer: producer, gateway: srv, store: store, processor: proc, query: api}
}

func (p *pipeline) client(t *testing.T, service string, batch int) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{URL: p.gateway.URL, Token: token, Service: service, BatchSize: batch})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return c
}

// consume hands every published message to the processor times times
func (p *pipeline) consume(t *testing.T, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		for _, msg := range p.broker.messages() {
			if err := p.processor.Handle(context.Background(), msg); err != nil {
				t.Fatalf("Handle(offset %d) error = %v", msg.Offset, err)
			}
		}
	}
}

func (p *pipeline) get(t *testing.T, path string, v any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	p.query.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s = %d: %s", path, w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestPipeline_RedeliveryStoresOnce(t *testing.T) {
	p := newPipeline(t, 3)
	c := p.client(t, "checkout", 3)

	c.Info("cart created", client.Metadata{UserID: types.Int64(7)})
	c.Warn("inventory low", client.Metadata{})
	c.Error("payment step failed", client.Metadata{LatencyMS: types.Float64(250)})
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("client Close() error = %v", err)
	}

	msgs := p.broker.messages()
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 published messages, got %d", len(msgs))
	}
	for _, msg := range msgs {
		if string(msg.Key) != "checkout" {
			t.Errorf("Expected partition key checkout, got %q", msg.Key)
		}
		if msg.Headers[queue.HeaderIdempotencyKey] == "" {
			t.Error("Expected idempotency key header")
		}
	}

	// At-least-once delivery: every message arrives three times
	p.consume(t, 3)

	if p.store.Len() != 3 {
		t.Fatalf("Expected 3 stored records, got %d", p.store.Len())
	}

	var logs struct {
		Logs  []types.PersistedLogRecord `json:"logs"`
		Count int                        `json:"count"`
	}
	p.get(t, "/api/logs?service=checkout", &logs)
	if logs.Count != 3 {
		t.Errorf("Expected 3 logs from query API, got %d", logs.Count)
	}

	var stats storage.Summary
	p.get(t, "/api/stats", &stats)
	if stats.Total != 3 || stats.Errors != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestPipeline_InvalidEventNeverPublished(t *testing.T) {
	p := newPipeline(t, 0)

	req, _ := http.NewRequest(http.MethodPost, p.gateway.URL+gateway.IngestPath,
		strings.NewReader(`{"service":"auth","message":"no level"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
	if n := len(p.broker.messages()); n != 0 {
		t.Errorf("Expected nothing published, got %d", n)
	}
}

func TestPipeline_LatencySpikeFlagged(t *testing.T) {
	p := newPipeline(t, 26)
	c := p.client(t, "payment", 100)

	for i := 0; i < 25; i++ {
		c.Info("charge", client.Metadata{LatencyMS: types.Float64(100)})
	}
	c.Info("charge", client.Metadata{LatencyMS: types.Float64(5000)})
	if res := c.Flush(context.Background()); res.Sent != 26 {
		t.Fatalf("Expected 26 delivered, got %+v", res)
	}

	p.consume(t, 1)

	records := p.store.All()
	if len(records) != 26 {
		t.Fatalf("Expected 26 records, got %d", len(records))
	}
	for i, rec := range records[:20] {
		if rec.IsAnomaly {
			t.Errorf("Record %d flagged during warm-up", i)
		}
	}
	if last := records[25]; !last.IsAnomaly || *last.LatencyMS != 5000 {
		t.Errorf("Expected the 5000ms record to be anomalous, got %+v", last)
	}

	var stats storage.Summary
	p.get(t, "/api/stats", &stats)
	if stats.Anomalies < 1 {
		t.Errorf("Expected at least one anomaly in stats, got %+v", stats)
	}
}
