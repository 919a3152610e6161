// Package dlq parks messages the processor could not persist so operators
// can inspect or replay them. Entries are kept in memory and flushed to a
// JSON-lines file; an optional archiver copies them to S3.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/metrics"
)

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

const fileName = "parked.jsonl"

// Config holds configuration for the parked-message store
type Config struct {
	Dir           string
	MaxSize       int64 // Maximum number of entries
	MaxAge        time.Duration
	FlushInterval time.Duration
	Logger        *logging.Logger
	Metrics       *metrics.Collector
}

// Entry is one parked message
type Entry struct {
	Seq            uint64    `json:"seq"`
	Topic          string    `json:"topic"`
	Partition      int32     `json:"partition"`
	Offset         int64     `json:"offset"`
	Service        string    `json:"service,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Payload        string    `json:"payload"`
	Error          string    `json:"error"`
	Attempts       int       `json:"attempts"`
	ParkedAt       time.Time `json:"parked_at"`
}

// Queue stores parked messages
type Queue struct {
	config Config
	logger *logging.Logger

	mu      sync.RWMutex
	entries []Entry
	seq     uint64
	dirty   bool
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	parked  atomic.Uint64
	dropped atomic.Uint64
	bytes   atomic.Int64
}

// New opens the store in cfg.Dir, loading previously parked entries
func New(cfg Config) (*Queue, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 10000
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	q := &Queue{
		config:  cfg,
		logger:  cfg.Logger.WithComponent("dlq"),
		closeCh: make(chan struct{}),
	}

	if err := q.load(); err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}
	q.updateGauges()

	q.wg.Add(2)
	go q.flushLoop()
	go q.cleanupLoop()

	return q, nil
}

// Park stores entry, assigning its sequence number and timestamp
func (q *Queue) Park(ctx context.Context, entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrDLQClosed
	}
	if int64(len(q.entries)) >= q.config.MaxSize {
		q.dropped.Add(1)
		return ErrDLQFull
	}

	q.seq++
	entry.Seq = q.seq
	if entry.ParkedAt.IsZero() {
		entry.ParkedAt = time.Now().UTC()
	}

	q.entries = append(q.entries, entry)
	q.dirty = true
	q.parked.Add(1)

	if q.config.Metrics != nil {
		q.config.Metrics.DLQEventsWritten.Inc()
		q.config.Metrics.DLQEntries.Set(float64(len(q.entries)))
	}

	q.logger.Error().
		Str("topic", entry.Topic).
		Int32("partition", entry.Partition).
		Int64("offset", entry.Offset).
		Str("service", entry.Service).
		Str("idempotency_key", entry.IdempotencyKey).
		Int("attempts", entry.Attempts).
		Str("error", entry.Error).
		Msg("Message parked")

	return nil
}

// Entries returns a copy of all parked entries, oldest first
func (q *Queue) Entries() []Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Since returns entries with a sequence number greater than seq
func (q *Queue) Since(seq uint64) []Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []Entry
	for _, e := range q.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Remove deletes the entry with the given sequence number after a replay
func (q *Queue) Remove(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.Seq == seq {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.dirty = true
			return true
		}
	}
	return false
}

// Size returns the number of parked entries
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Flush persists all entries to disk
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flush()
}

// Close stops background work and flushes remaining entries
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrDLQClosed
	}
	q.closed = true
	close(q.closeCh)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.dirty = true
	return q.flush()
}

// Healthy reports whether the store has room for more entries
func (q *Queue) Healthy() (bool, string) {
	m := q.Metrics()
	if m.Utilization() >= 90 {
		return false, fmt.Sprintf("DLQ %.0f%% full", m.Utilization())
	}
	return true, fmt.Sprintf("%d parked", m.CurrentSize)
}

// Metrics returns DLQ statistics
func (q *Queue) Metrics() Metrics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return Metrics{
		Parked:      q.parked.Load(),
		Dropped:     q.dropped.Load(),
		CurrentSize: len(q.entries),
		MaxSize:     q.config.MaxSize,
		SizeBytes:   q.bytes.Load(),
	}
}

// writeEntries encodes entries as JSON lines
func writeEntries(w io.Writer, entries []Entry) error {
	encoder := json.NewEncoder(w)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}
	return nil
}

// flush persists entries to disk (must be called with lock held)
func (q *Queue) flush() error {
	if !q.dirty {
		return nil
	}

	filename := filepath.Join(q.config.Dir, fileName)
	tempFile := filename + ".tmp"

	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := writeEntries(file, q.entries); err != nil {
		file.Close()
		os.Remove(tempFile)
		return err
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	info, _ := file.Stat()
	file.Close()

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	q.dirty = false
	if info != nil {
		q.bytes.Store(info.Size())
	}
	q.updateGaugesLocked()
	return nil
}

// load reads entries from disk
func (q *Queue) load() error {
	filename := filepath.Join(q.config.Dir, fileName)

	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		q.entries = append(q.entries, entry)
		if entry.Seq > q.seq {
			q.seq = entry.Seq
		}
	}

	if info, err := file.Stat(); err == nil {
		q.bytes.Store(info.Size())
	}
	return nil
}

func (q *Queue) updateGauges() {
	q.mu.RLock()
	defer q.mu.RUnlock()
	q.updateGaugesLocked()
}

func (q *Queue) updateGaugesLocked() {
	if q.config.Metrics == nil {
		return
	}
	q.config.Metrics.DLQEntries.Set(float64(len(q.entries)))
	q.config.Metrics.DLQSize.Set(float64(q.bytes.Load()))
}

// flushLoop periodically flushes entries to disk
func (q *Queue) flushLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := q.Flush(); err != nil {
				q.logger.Error().Err(err).Msg("Failed to flush DLQ")
			}
		case <-q.closeCh:
			return
		}
	}
}

// cleanupLoop periodically removes old entries
func (q *Queue) cleanupLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.cleanup(time.Now())
		case <-q.closeCh:
			return
		}
	}
}

// cleanup removes entries older than MaxAge
func (q *Queue) cleanup(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-q.config.MaxAge)
	remaining := q.entries[:0]
	for _, entry := range q.entries {
		if entry.ParkedAt.After(cutoff) {
			remaining = append(remaining, entry)
		}
	}

	removed := len(q.entries) - len(remaining)
	q.entries = remaining
	if removed > 0 {
		q.dirty = true
		q.logger.Info().Int("removed", removed).Msg("Expired parked messages")
	}
	return removed
}

// Metrics holds DLQ statistics
type Metrics struct {
	Parked      uint64
	Dropped     uint64
	CurrentSize int
	MaxSize     int64
	SizeBytes   int64
}

// Utilization returns the DLQ utilization percentage (0-100)
func (m Metrics) Utilization() float64 {
	if m.MaxSize == 0 {
		return 0
	}
	return (float64(m.CurrentSize) / float64(m.MaxSize)) * 100.0
}
