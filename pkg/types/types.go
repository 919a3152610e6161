package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level is the severity of a log event. Only the four declared values are valid.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelDebug Level = "DEBUG"
)

// Levels lists every valid level in display order
var Levels = []Level{LevelInfo, LevelWarn, LevelError, LevelDebug}

// ParseLevel converts a string to a Level. Matching is case-sensitive.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelInfo, LevelWarn, LevelError, LevelDebug:
		return Level(s), nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// Valid reports whether l is one of the declared levels
func (l Level) Valid() bool {
	_, err := ParseLevel(string(l))
	return err == nil
}

func (l Level) String() string {
	return string(l)
}

// UnmarshalJSON rejects levels outside the closed set
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("level must be a string: %w", err)
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// LogEvent is the wire and queue representation of a single log event
type LogEvent struct {
	Service   string    `json:"service"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	LatencyMS *float64  `json:"latency_ms,omitempty"`
	UserID    *int64    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QueuedMessage is a LogEvent in transit through the durable queue
type QueuedMessage struct {
	Event          LogEvent
	PartitionKey   string
	IdempotencyKey string
}

// NewQueuedMessage derives the routing and idempotency keys for an event
func NewQueuedMessage(event LogEvent) QueuedMessage {
	return QueuedMessage{
		Event:          event,
		PartitionKey:   event.Service,
		IdempotencyKey: IdempotencyKey(event),
	}
}

// PersistedLogRecord is a scored event as written to storage
type PersistedLogRecord struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Service        string    `json:"service"`
	Level          Level     `json:"level"`
	Message        string    `json:"message"`
	LatencyMS      *float64  `json:"latency_ms,omitempty"`
	UserID         *int64    `json:"userId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	AnomalyScore   float64   `json:"anomaly_score"`
	IsAnomaly      bool      `json:"is_anomaly"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event returns the LogEvent fields of the record
func (r PersistedLogRecord) Event() LogEvent {
	return LogEvent{
		Service:   r.Service,
		Level:     r.Level,
		Message:   r.Message,
		LatencyMS: r.LatencyMS,
		UserID:    r.UserID,
		Timestamp: r.Timestamp,
	}
}

// Float64 returns a pointer to v
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v
func Int64(v int64) *int64 { return &v }
