package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

const recordColumns = `idempotency_key, service, level, message, latency_ms, user_id, timestamp, anomaly_score, is_anomaly, created_at`

// DuckDBStore is the default durable backend
type DuckDBStore struct {
	db           *sql.DB
	path         string
	queryTimeout time.Duration
}

// NewDuckDBStore opens or creates a DuckDB database and applies pending
// migrations. An empty path opens an in-memory database.
func NewDuckDBStore(path string, queryTimeout time.Duration) (*DuckDBStore, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}

	return &DuckDBStore{db: db, path: path, queryTimeout: queryTimeout}, nil
}

type migration struct {
	version int
	name    string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var migs []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("parsing version from %s: %w", e.Name(), err)
		}
		data, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		migs = append(migs, migration{version: ver, name: e.Name(), sql: string(data)})
	}

	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}

// migrate applies each pending migration in its own transaction
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`); err != nil {
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("reading applied version: %w", err)
	}

	migs, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migs {
		if int64(m.version) <= current.Int64 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing %s: %w", m.name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *DuckDBStore) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// Upsert implements Writer
func (s *DuckDBStore) Upsert(ctx context.Context, rec types.PersistedLogRecord) (bool, error) {
	var latency, userID any
	if rec.LatencyMS != nil {
		latency = *rec.LatencyMS
	}
	if rec.UserID != nil {
		userID = *rec.UserID
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		rec.IdempotencyKey, rec.Service, string(rec.Level), rec.Message, latency, userID,
		rec.Timestamp.UTC(), rec.AnomalyScore, rec.IsAnomaly, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record insert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record insert: %w", err)
	}
	return n > 0, nil
}

// Recent implements Querier
func (s *DuckDBStore) Recent(ctx context.Context, filter Filter) ([]types.PersistedLogRecord, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.Service != "" {
		where = append(where, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(filter.Level))
	}

	query := `SELECT ` + recordColumns + ` FROM logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, created_at DESC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	defer rows.Close()

	var out []types.PersistedLogRecord
	for rows.Next() {
		var (
			rec     types.PersistedLogRecord
			level   string
			latency sql.NullFloat64
			userID  sql.NullInt64
		)
		if err := rows.Scan(&rec.IdempotencyKey, &rec.Service, &level, &rec.Message, &latency, &userID,
			&rec.Timestamp, &rec.AnomalyScore, &rec.IsAnomaly, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		rec.Level = types.Level(level)
		if latency.Valid {
			rec.LatencyMS = types.Float64(latency.Float64)
		}
		if userID.Valid {
			rec.UserID = types.Int64(userID.Int64)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary implements Querier
func (s *DuckDBStore) Summary(ctx context.Context, since time.Time) (Summary, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE level = 'ERROR'),
			COUNT(*) FILTER (WHERE is_anomaly)
		FROM logs
		WHERE timestamp >= ?`, since.UTC()).Scan(&sum.Total, &sum.Errors, &sum.Anomalies)
	if err != nil {
		return Summary{}, fmt.Errorf("summary: %w", err)
	}
	return sum, nil
}

// ErrorBuckets implements Querier
func (s *DuckDBStore) ErrorBuckets(ctx context.Context, since time.Time, bucket time.Duration) ([]Bucket, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	sec := bucketSeconds(bucket)
	rows, err := s.db.QueryContext(ctx, `
		SELECT CAST(floor(epoch(timestamp) / ?) AS BIGINT) AS bucket, COUNT(*)
		FROM logs
		WHERE level = 'ERROR' AND timestamp >= ?
		GROUP BY bucket ORDER BY bucket`, float64(sec), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("error buckets: %w", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var idx, count int64
		if err := rows.Scan(&idx, &count); err != nil {
			return nil, fmt.Errorf("scan bucket row: %w", err)
		}
		out = append(out, Bucket{Start: time.Unix(idx*sec, 0).UTC(), Count: count})
	}
	return out, rows.Err()
}

// LatencyByService implements Querier
func (s *DuckDBStore) LatencyByService(ctx context.Context, since time.Time) ([]ServiceLatency, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT service, AVG(latency_ms), COUNT(latency_ms)
		FROM logs
		WHERE latency_ms IS NOT NULL AND timestamp >= ?
		GROUP BY service ORDER BY service`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("latency by service: %w", err)
	}
	defer rows.Close()

	var out []ServiceLatency
	for rows.Next() {
		var sl ServiceLatency
		if err := rows.Scan(&sl.Service, &sl.AvgLatencyMS, &sl.Samples); err != nil {
			return nil, fmt.Errorf("scan latency row: %w", err)
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// Ping implements Store
func (s *DuckDBStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}

// Name implements Store
func (s *DuckDBStore) Name() string {
	return "duckdb"
}

// Path returns the database file, empty for in-memory databases
func (s *DuckDBStore) Path() string {
	return s.path
}
