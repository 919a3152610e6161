// Package storage persists scored log records and answers read-only queries
// over them. Writes are upserts keyed by the idempotency key: the first write
// wins and later writes are no-ops.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

// DefaultLimit bounds Recent when the filter sets no limit
const DefaultLimit = 100

// Writer is the only write path into storage
type Writer interface {
	// Upsert stores rec unless a record with the same idempotency key exists.
	// It reports whether a new row was written.
	Upsert(ctx context.Context, rec types.PersistedLogRecord) (bool, error)
}

// Querier answers read-only queries
type Querier interface {
	Recent(ctx context.Context, filter Filter) ([]types.PersistedLogRecord, error)
	Summary(ctx context.Context, since time.Time) (Summary, error)
	ErrorBuckets(ctx context.Context, since time.Time, bucket time.Duration) ([]Bucket, error)
	LatencyByService(ctx context.Context, since time.Time) ([]ServiceLatency, error)
}

// Store is a complete storage backend
type Store interface {
	Writer
	Querier
	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// Filter narrows Recent
type Filter struct {
	Service string
	Level   types.Level
	Limit   int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

func (f Filter) matches(rec types.PersistedLogRecord) bool {
	if f.Service != "" && rec.Service != f.Service {
		return false
	}
	if f.Level != "" && rec.Level != f.Level {
		return false
	}
	return true
}

// Summary counts records in a window
type Summary struct {
	Total     int64 `json:"total"`
	Errors    int64 `json:"errors"`
	Anomalies int64 `json:"anomalies"`
}

// Bucket is the ERROR count for one time bucket
type Bucket struct {
	Start time.Time `json:"start"`
	Count int64     `json:"count"`
}

// ServiceLatency is the average latency reported by one service
type ServiceLatency struct {
	Service      string  `json:"service"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	Samples      int64   `json:"samples"`
}

// bucketStart floors t to a multiple of size since the Unix epoch
func bucketStart(t time.Time, size time.Duration) time.Time {
	sec := bucketSeconds(size)
	return time.Unix(t.Unix()/sec*sec, 0).UTC()
}

func bucketSeconds(size time.Duration) int64 {
	sec := int64(size / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

// New creates the backend selected by cfg.Type
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "duckdb":
		return NewDuckDBStore(cfg.DuckDB.Path, cfg.DuckDB.QueryTimeout)
	case "elasticsearch":
		if cfg.Elasticsearch == nil {
			return nil, fmt.Errorf("elasticsearch storage is not configured")
		}
		return NewElasticsearchStore(ctx, *cfg.Elasticsearch)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
