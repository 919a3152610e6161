// Package processor turns queued log events into scored, stored records.
//
// Each message goes through parse, dedup, score, persist and acknowledge.
// Poison messages and records that storage keeps rejecting are acknowledged
// so a partition never stalls; the latter are parked for operators first.
// A message whose handling is cancelled is left unacknowledged and will be
// redelivered.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/anomaly"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/dedup"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/dlq"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/metrics"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/queue"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/reliability"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/storage"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/tracing"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

// Parker stores messages that could not be persisted
type Parker interface {
	Park(ctx context.Context, entry dlq.Entry) error
}

// Options wire a Processor to its collaborators
type Options struct {
	Parker  Parker
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
	// Backend labels storage spans
	Backend string
	// Now overrides the wall clock behind created_at
	Now func() time.Time
}

// Processor implements queue.Handler and queue.Rebalancer
type Processor struct {
	store   storage.Writer
	scorer  *anomaly.Scorer
	windows *dedup.Partitions
	retry   reliability.RetryConfig
	clock   *clock

	parker  Parker
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	backend string
}

// New creates a Processor writing to store
func New(cfg config.ProcessorConfig, store storage.Writer, opts Options) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("storage writer is required")
	}

	size := cfg.DedupWindow
	if size == 0 {
		size = config.DefaultDedupWindow
	}
	windows, err := dedup.NewPartitions(size)
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	if opts.Backend == "" {
		opts.Backend = "unknown"
	}

	return &Processor{
		store:   store,
		scorer:  anomaly.NewScorer(anomaly.Config(cfg.Anomaly)),
		windows: windows,
		retry:   reliability.RetryFromConfig(cfg.PersistRetry),
		clock:   newClock(opts.Now),
		parker:  opts.Parker,
		logger:  opts.Logger.WithComponent("processor"),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		backend: opts.Backend,
	}, nil
}

// Scorer exposes the running per-service statistics
func (p *Processor) Scorer() *anomaly.Scorer {
	return p.scorer
}

// Assigned drops dedup state for partitions this member no longer owns
func (p *Processor) Assigned(partitions []int32) {
	p.windows.Retain(partitions)
}

// Handle processes one message. A nil return means the message may be
// acknowledged; an error means it must be redelivered.
func (p *Processor) Handle(ctx context.Context, msg queue.Message) error {
	start := time.Now()

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := tracing.TraceHandle(ctx, p.tracer, msg.Topic, msg.Partition, msg.Offset)
	defer span.End()

	outcome, err := p.handle(ctx, msg)

	span.SetAttributes(attribute.String("processor.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if p.metrics != nil {
		p.metrics.ProcessorMessages.WithLabelValues(outcome).Inc()
		p.metrics.ProcessorHandleDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

func (p *Processor) handle(ctx context.Context, msg queue.Message) (string, error) {
	event, perr := decode(msg)
	if perr != nil {
		p.logger.Warn().
			Err(perr).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Dropping poison message")
		return metrics.OutcomePoison, nil
	}

	key := types.IdempotencyKey(event)
	if sent := msg.Headers[queue.HeaderIdempotencyKey]; sent != "" && sent != key {
		p.logger.Debug().
			Str("header_key", sent).
			Str("computed_key", key).
			Msg("Idempotency header does not match payload")
	}

	window := p.windows.For(msg.Partition)
	if window.Seen(key) {
		return metrics.OutcomeDuplicate, nil
	}

	// stats only move once the store confirms a new row, so duplicates and
	// parked or aborted writes leave the service baseline untouched
	result, update := p.scorer.Evaluate(event)

	rec := types.PersistedLogRecord{
		IdempotencyKey: key,
		Service:        event.Service,
		Level:          event.Level,
		Message:        event.Message,
		LatencyMS:      event.LatencyMS,
		UserID:         event.UserID,
		Timestamp:      event.Timestamp,
		AnomalyScore:   result.Score,
		IsAnomaly:      result.IsAnomaly,
		CreatedAt:      p.clock.Next(),
	}

	inserted, err := p.persist(ctx, rec)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, reliability.ErrRetryAborted) {
			p.logger.Warn().
				Err(err).
				Str("idempotency_key", key).
				Int64("offset", msg.Offset).
				Msg("Persist aborted, message will be redelivered")
			return metrics.OutcomeAborted, err
		}
		p.park(ctx, msg, event, err)
		return metrics.OutcomeParked, nil
	}

	window.Add(key)
	if !inserted {
		return metrics.OutcomeDuplicate, nil
	}
	p.scorer.Commit(update)
	p.observeScore(event, result)
	if p.metrics != nil {
		p.metrics.ProcessorEventsByLevel.WithLabelValues(string(event.Level)).Inc()
	}
	return metrics.OutcomePersisted, nil
}

// decode parses a queued payload, rejecting anything the gateway would not have accepted
func decode(msg queue.Message) (types.LogEvent, error) {
	var event types.LogEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return event, &ProcessingError{Partition: msg.Partition, Offset: msg.Offset, Reason: "invalid JSON", Err: err}
	}
	if event.Service == "" {
		return event, &ProcessingError{Partition: msg.Partition, Offset: msg.Offset, Reason: "missing service"}
	}
	if !event.Level.Valid() {
		return event, &ProcessingError{Partition: msg.Partition, Offset: msg.Offset, Reason: "missing level"}
	}
	return event, nil
}

func (p *Processor) persist(ctx context.Context, rec types.PersistedLogRecord) (bool, error) {
	retry := p.retry
	retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
		p.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Str("idempotency_key", rec.IdempotencyKey).
			Msg("Storage write failed, retrying")
		if p.metrics != nil {
			p.metrics.ProcessorPersistRetries.Inc()
		}
	}

	attempts := 0
	var inserted bool
	err := reliability.Retry(ctx, retry, func(ctx context.Context) error {
		attempts++
		ctx, span := tracing.TraceUpsert(ctx, p.tracer, p.backend)
		defer span.End()

		ok, err := p.store.Upsert(ctx, rec)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		inserted = ok
		return nil
	})
	if err != nil {
		return false, &PersistenceError{IdempotencyKey: rec.IdempotencyKey, Attempts: attempts, Err: err}
	}
	return inserted, nil
}

// park hands a failed record to the DLQ. Parking is best effort: the
// message is acknowledged either way, and the error log carries the payload.
func (p *Processor) park(ctx context.Context, msg queue.Message, event types.LogEvent, cause error) {
	var perr *PersistenceError
	attempts := 0
	if errors.As(cause, &perr) {
		attempts = perr.Attempts
	}

	logger := p.logger.WithService(event.Service)
	logger.Error().
		Err(cause).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("payload", string(msg.Value)).
		Msg("Storage rejected record after retries, parking message")

	if p.parker == nil {
		return
	}
	entry := dlq.Entry{
		Topic:          msg.Topic,
		Partition:      msg.Partition,
		Offset:         msg.Offset,
		Service:        event.Service,
		IdempotencyKey: types.IdempotencyKey(event),
		Payload:        string(msg.Value),
		Error:          cause.Error(),
		Attempts:       attempts,
	}
	if err := p.parker.Park(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to park message")
	}
}

func (p *Processor) observeScore(event types.LogEvent, result anomaly.Result) {
	if result.IsAnomaly {
		p.logger.WithService(event.Service).Info().
			Str("signal", string(result.Signal)).
			Float64("score", result.Score).
			Float64("latency_z", result.LatencyZ).
			Float64("error_ratio", result.ErrorRatio).
			Msg("Anomaly detected")
	}
	if p.metrics == nil {
		return
	}
	p.metrics.AnomalyScore.Observe(result.Score)
	if result.IsAnomaly {
		p.metrics.AnomaliesDetected.WithLabelValues(string(result.Signal)).Inc()
	}
	p.metrics.TrackedServices.Set(float64(p.scorer.Services()))
}
