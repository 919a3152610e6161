package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/metrics"
)

// Message is one consumed record
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes messages from a single partition in order. Returning
// nil acknowledges the message. Returning an error leaves it unacknowledged
// and stops the partition loop so later offsets are not committed past it.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Rebalancer is implemented by handlers that keep per-partition state
type Rebalancer interface {
	// Assigned is called at the start of each session with the partitions
	// this member now owns
	Assigned(partitions []int32)
}

// ConsumerOptions tune a Consumer
type ConsumerOptions struct {
	// GracePeriod bounds how long in-flight handling may continue after
	// Run's context is cancelled
	GracePeriod time.Duration
	Logger      *logging.Logger
	Metrics     *metrics.Collector
}

// Consumer drives a Handler from a Kafka consumer group
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler Handler
	grace   time.Duration
	logger  *logging.Logger
	metrics *metrics.Collector

	running   atomic.Bool
	closeOnce sync.Once
}

// NewConsumer joins the configured consumer group
func NewConsumer(cfg config.KafkaConfig, handler Handler, opts ConsumerOptions) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}

	sc, err := ConsumerConfig(cfg)
	if err != nil {
		return nil, err
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return NewConsumerFrom(group, cfg.Topic, handler, opts), nil
}

// NewConsumerFrom wraps an existing consumer group
func NewConsumerFrom(group sarama.ConsumerGroup, topic string, handler Handler, opts ConsumerOptions) *Consumer {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Consumer{
		group:   group,
		topic:   topic,
		handler: handler,
		grace:   opts.GracePeriod,
		logger:  opts.Logger.WithComponent("consumer"),
		metrics: opts.Metrics,
	}
}

// Run consumes until ctx is cancelled or the group is closed. Once ctx is
// done no new messages are started; the message in flight on each partition
// keeps running until it finishes or the grace period expires.
func (c *Consumer) Run(ctx context.Context) error {
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.logger.Warn().Dur("grace_period", c.grace).Msg("Grace period expired, cancelling in-flight messages")
			cancelProc()
		case <-done:
		}
	}()

	go func() {
		for {
			select {
			case err, ok := <-c.group.Errors():
				if !ok {
					return
				}
				c.logger.Error().Err(err).Msg("Consumer group error")
			case <-done:
				return
			}
		}
	}()

	h := &groupHandler{consumer: c, procCtx: procCtx}
	c.running.Store(true)
	defer c.running.Store(false)

	c.logger.Info().Str("topic", c.topic).Msg("Consumer started")
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume %s: %w", c.topic, err)
		}
		if ctx.Err() != nil {
			c.logger.Info().Msg("Consumer stopped")
			return nil
		}
	}
}

// Healthy reports whether the consume loop is running
func (c *Consumer) Healthy() (bool, string) {
	if c.running.Load() {
		return true, "consuming " + c.topic
	}
	return false, "consumer not running"
}

// Close leaves the group, releasing claimed partitions
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.group.Close()
	})
	return err
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	consumer *Consumer
	procCtx  context.Context
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	partitions := sess.Claims()[h.consumer.topic]
	h.consumer.logger.Info().
		Str("member", sess.MemberID()).
		Int32("generation", sess.GenerationID()).
		Interface("partitions", partitions).
		Msg("Partitions assigned")

	if r, ok := h.consumer.handler.(Rebalancer); ok {
		r.Assigned(partitions)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes one partition sequentially
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.consumer
	partition := strconv.Itoa(int(claim.Partition()))

	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			// select picks randomly when both cases are ready
			if sess.Context().Err() != nil {
				return nil
			}
			if c.metrics != nil {
				c.metrics.QueueConsumed.WithLabelValues(msg.Topic, partition).Inc()
			}

			if err := c.handler.Handle(h.procCtx, toMessage(msg)); err != nil {
				c.logger.Warn().
					Err(err).
					Int32("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("Message left unacknowledged, stopping partition")
				return nil
			}
			sess.MarkMessage(msg, "")
		}
	}
}

func toMessage(msg *sarama.ConsumerMessage) Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			headers[string(h.Key)] = string(h.Value)
		}
	}
	return Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: msg.Timestamp,
	}
}
