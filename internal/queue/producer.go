package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/metrics"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/reliability"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/tracing"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrProducerClosed is returned by Publish after Close
var ErrProducerClosed = errors.New("producer is closed")

// PublishError reports an event that could not be handed to the broker
type PublishError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ProducerOptions tune a Producer
type ProducerOptions struct {
	Retry          reliability.RetryConfig
	CircuitBreaker *reliability.CircuitBreakerConfig
	Logger         *logging.Logger
	Metrics        *metrics.Collector
	Tracer         trace.Tracer
}

// Producer publishes QueuedMessages. It is safe for concurrent use.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	retry    reliability.RetryConfig
	breaker  *reliability.CircuitBreaker
	logger   *logging.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	closed   atomic.Bool
}

// NewProducer connects a synchronous producer to the configured brokers
func NewProducer(cfg config.KafkaConfig, opts ProducerOptions) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	sc, err := ProducerConfig(cfg)
	if err != nil {
		return nil, err
	}

	sp, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return NewProducerFrom(sp, cfg.Topic, opts), nil
}

// NewProducerFrom wraps an existing sarama producer
func NewProducerFrom(sp sarama.SyncProducer, topic string, opts ProducerOptions) *Producer {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}

	p := &Producer{
		producer: sp,
		topic:    topic,
		retry:    opts.Retry,
		logger:   opts.Logger.WithComponent("producer"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}

	if opts.CircuitBreaker != nil {
		cbCfg := *opts.CircuitBreaker
		userHook := cbCfg.OnStateChange
		cbCfg.OnStateChange = func(from, to reliability.State) {
			p.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Kafka circuit breaker changed state")
			if p.metrics != nil {
				p.metrics.CircuitBreakerState.WithLabelValues("kafka").Set(float64(to))
			}
			if userHook != nil {
				userHook(from, to)
			}
		}
		p.breaker = reliability.NewCircuitBreaker(cbCfg)
	}

	return p
}

// Publish sends msg, retrying transient failures. It returns a *PublishError
// when the message could not be delivered.
func (p *Producer) Publish(ctx context.Context, msg types.QueuedMessage) error {
	if p.closed.Load() {
		return &PublishError{Topic: p.topic, Err: ErrProducerClosed}
	}

	ctx, span := tracing.TracePublish(ctx, p.tracer, p.topic, msg.PartitionKey)
	defer span.End()

	value, err := json.Marshal(msg.Event)
	if err != nil {
		span.RecordError(err)
		return &PublishError{Topic: p.topic, Err: fmt.Errorf("failed to marshal event: %w", err)}
	}

	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderIdempotencyKey), Value: []byte(msg.IdempotencyKey)},
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &headers})

	attempts := 0
	send := func(ctx context.Context) error {
		attempts++
		if p.metrics != nil {
			p.metrics.QueuePublishAttempts.WithLabelValues(p.topic).Inc()
		}

		pm := &sarama.ProducerMessage{
			Topic:   p.topic,
			Key:     sarama.StringEncoder(msg.PartitionKey),
			Value:   sarama.ByteEncoder(value),
			Headers: headers,
		}

		if p.breaker == nil {
			_, _, err := p.producer.SendMessage(pm)
			return err
		}

		err := p.breaker.Execute(ctx, func() error {
			_, _, err := p.producer.SendMessage(pm)
			return err
		})
		if errors.Is(err, reliability.ErrCircuitOpen) || errors.Is(err, reliability.ErrTooManyRequests) {
			return reliability.Permanent(err)
		}
		return err
	}

	retry := p.retry
	retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
		p.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Str("service", msg.PartitionKey).
			Msg("Publish failed, retrying")
	}

	if err := reliability.Retry(ctx, retry, send); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		if p.metrics != nil {
			p.metrics.QueuePublishFailures.WithLabelValues(p.topic).Inc()
		}
		return &PublishError{Topic: p.topic, Attempts: attempts, Err: err}
	}

	if p.metrics != nil {
		p.metrics.QueuePublished.WithLabelValues(p.topic).Inc()
	}
	return nil
}

// Healthy reports whether the producer can currently accept messages
func (p *Producer) Healthy() (bool, string) {
	if p.closed.Load() {
		return false, "producer closed"
	}
	if p.breaker != nil && p.breaker.State() == reliability.StateOpen {
		return false, "circuit breaker open"
	}
	return true, "producer ready"
}

// Topic returns the topic messages are published to
func (p *Producer) Topic() string {
	return p.topic
}

// Close flushes and closes the underlying producer
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.producer.Close()
}
