package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	dto "github.com/prometheus/client_model/go"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/metrics"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/reliability"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

func testMessage() types.QueuedMessage {
	return types.NewQueuedMessage(types.LogEvent{
		Service:   "payment",
		Level:     types.LevelInfo,
		Message:   "charged",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
}

func fastRetry(n int) reliability.RetryConfig {
	return reliability.RetryConfig{MaxRetries: n, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestProducer_PublishSetsKeyValueAndHeaders(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	msg := testMessage()

	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "logs" {
			return fmt.Errorf("topic = %s", pm.Topic)
		}
		key, _ := pm.Key.Encode()
		if string(key) != "payment" {
			return fmt.Errorf("key = %s, want service name", key)
		}
		value, _ := pm.Value.Encode()
		var ev types.LogEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("value is not a LogEvent: %w", err)
		}
		if ev.Message != "charged" || ev.Level != types.LevelInfo {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		for _, h := range pm.Headers {
			if string(h.Key) == HeaderIdempotencyKey && string(h.Value) == msg.IdempotencyKey {
				return nil
			}
		}
		return errors.New("missing idempotency-key header")
	})

	p := NewProducerFrom(sp, "logs", ProducerOptions{Retry: fastRetry(2)})
	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestProducer_RetriesTransientFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	sp.ExpectSendMessageAndSucceed()

	m := metrics.NewCollector()
	p := NewProducerFrom(sp, "logs", ProducerOptions{Retry: fastRetry(2), Metrics: m})
	defer p.Close()

	if err := p.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	metric := &dto.Metric{}
	m.QueuePublishAttempts.WithLabelValues("logs").Write(metric)
	if metric.Counter.GetValue() != 2 {
		t.Errorf("expected 2 attempts, got %f", metric.Counter.GetValue())
	}
}

func TestProducer_PersistentFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	p := NewProducerFrom(sp, "logs", ProducerOptions{Retry: fastRetry(2)})
	defer p.Close()

	err := p.Publish(context.Background(), testMessage())
	var perr *PublishError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PublishError, got %v", err)
	}
	if perr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", perr.Attempts)
	}
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("expected error to wrap the broker error: %v", err)
	}
	if !errors.Is(err, reliability.ErrMaxRetriesExceeded) {
		t.Errorf("expected ErrMaxRetriesExceeded: %v", err)
	}
}

func TestProducer_CircuitBreakerFailsFast(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerFrom(sp, "logs", ProducerOptions{
		Retry: fastRetry(0),
		CircuitBreaker: &reliability.CircuitBreakerConfig{
			FailureThreshold: 2,
			Timeout:          time.Minute,
		},
	})
	defer p.Close()

	for i := 0; i < 2; i++ {
		if err := p.Publish(context.Background(), testMessage()); err == nil {
			t.Fatalf("publish %d unexpectedly succeeded", i)
		}
	}

	if ok, _ := p.Healthy(); ok {
		t.Error("expected producer to be unhealthy while breaker is open")
	}

	// no third expectation: an open breaker must not reach the broker
	err := p.Publish(context.Background(), testMessage())
	if !errors.Is(err, reliability.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestProducer_Closed(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := NewProducerFrom(sp, "logs", ProducerOptions{})
	p.Close()

	if err := p.Publish(context.Background(), testMessage()); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
	if ok, _ := p.Healthy(); ok {
		t.Error("closed producer reported healthy")
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestProducerConfig(t *testing.T) {
	tests := []struct {
		codec string
		want  sarama.CompressionCodec
	}{
		{"gzip", sarama.CompressionGZIP},
		{"snappy", sarama.CompressionSnappy},
		{"lz4", sarama.CompressionLZ4},
		{"zstd", sarama.CompressionZSTD},
		{"", sarama.CompressionNone},
	}

	for _, tt := range tests {
		t.Run(tt.codec, func(t *testing.T) {
			sc, err := ProducerConfig(kafkaConfig(func(c *kafkaCfg) { c.CompressionCodec = tt.codec }))
			if err != nil {
				t.Fatalf("ProducerConfig() error = %v", err)
			}
			if sc.Producer.Compression != tt.want {
				t.Errorf("Compression = %v, want %v", sc.Producer.Compression, tt.want)
			}
			if !sc.Producer.Return.Successes {
				t.Error("sync producer requires Return.Successes")
			}
			if sc.ClientID != "insighthub-ingestion" {
				t.Errorf("ClientID = %s", sc.ClientID)
			}
		})
	}
}

func TestProducerConfig_InvalidVersion(t *testing.T) {
	if _, err := ProducerConfig(kafkaConfig(func(c *kafkaCfg) { c.Version = "not-a-version" })); err == nil {
		t.Error("expected error for invalid version")
	}
}

func TestHeaderCarrier(t *testing.T) {
	var headers []sarama.RecordHeader
	c := headerCarrier{headers: &headers}

	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("baggage", "x=1")

	if got := c.Get("traceparent"); got != "b" {
		t.Errorf("Get() = %s, want b", got)
	}
	if len(c.Keys()) != 2 {
		t.Errorf("Keys() = %v", c.Keys())
	}
	if c.Get("missing") != "" {
		t.Error("expected empty value for missing key")
	}
}
