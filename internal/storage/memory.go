package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

// MemoryStore keeps records in process. It backs tests and single-node trials.
type MemoryStore struct {
	mu      sync.RWMutex
	records []types.PersistedLogRecord
	byKey   map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]struct{})}
}

// Upsert implements Writer
func (m *MemoryStore) Upsert(ctx context.Context, rec types.PersistedLogRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[rec.IdempotencyKey]; ok {
		return false, nil
	}
	m.byKey[rec.IdempotencyKey] = struct{}{}
	m.records = append(m.records, rec)
	return true, nil
}

// Len returns the number of stored records
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// All returns every record in insertion order
func (m *MemoryStore) All() []types.PersistedLogRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.PersistedLogRecord, len(m.records))
	copy(out, m.records)
	return out
}

// Recent implements Querier
func (m *MemoryStore) Recent(ctx context.Context, filter Filter) ([]types.PersistedLogRecord, error) {
	m.mu.RLock()
	var out []types.PersistedLogRecord
	for _, rec := range m.records {
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Summary implements Querier
func (m *MemoryStore) Summary(ctx context.Context, since time.Time) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Summary
	for _, rec := range m.records {
		if rec.Timestamp.Before(since) {
			continue
		}
		s.Total++
		if rec.Level == types.LevelError {
			s.Errors++
		}
		if rec.IsAnomaly {
			s.Anomalies++
		}
	}
	return s, nil
}

// ErrorBuckets implements Querier
func (m *MemoryStore) ErrorBuckets(ctx context.Context, since time.Time, bucket time.Duration) ([]Bucket, error) {
	m.mu.RLock()
	counts := make(map[int64]int64)
	for _, rec := range m.records {
		if rec.Level != types.LevelError || rec.Timestamp.Before(since) {
			continue
		}
		counts[bucketStart(rec.Timestamp, bucket).Unix()]++
	}
	m.mu.RUnlock()

	out := make([]Bucket, 0, len(counts))
	for start, n := range counts {
		out = append(out, Bucket{Start: time.Unix(start, 0).UTC(), Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// LatencyByService implements Querier
func (m *MemoryStore) LatencyByService(ctx context.Context, since time.Time) ([]ServiceLatency, error) {
	type acc struct {
		sum float64
		n   int64
	}

	m.mu.RLock()
	byService := make(map[string]*acc)
	for _, rec := range m.records {
		if rec.LatencyMS == nil || rec.Timestamp.Before(since) {
			continue
		}
		a, ok := byService[rec.Service]
		if !ok {
			a = &acc{}
			byService[rec.Service] = a
		}
		a.sum += *rec.LatencyMS
		a.n++
	}
	m.mu.RUnlock()

	out := make([]ServiceLatency, 0, len(byService))
	for svc, a := range byService {
		out = append(out, ServiceLatency{Service: svc, AvgLatencyMS: a.sum / float64(a.n), Samples: a.n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// Ping implements Store
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}

// Name implements Store
func (m *MemoryStore) Name() string {
	return "memory"
}
