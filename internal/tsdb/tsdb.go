// Package tsdb is a small embedded time-series store on SQLite used by the
// dashboard for historical charts. Writes are buffered and flushed in
// batches; reads force a flush first so callers always see their own
// writes.
package tsdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

const (
	defaultRetention = 7 * 24 * time.Hour
	defaultBufMax    = 100
)

// Point is a single time-series data point.
type Point struct {
	Timestamp   time.Time `json:"timestamp"`
	Metric      string    `json:"metric"`
	Org         string    `json:"org,omitempty"`
	ProviderKey string    `json:"provider_key,omitempty"`
	Model       string    `json:"model,omitempty"`
	Value       float64   `json:"value"`
}

// Series represents a named time series with its data points.
type Series struct {
	Metric      string   `json:"metric"`
	Org         string   `json:"org,omitempty"`
	ProviderKey string   `json:"provider_key,omitempty"`
	Model       string   `json:"model,omitempty"`
	Points      []DataPt `json:"points"`
}

// DataPt is a timestamp+value pair for JSON output.
type DataPt struct {
	T     time.Time `json:"t"`
	Value float64   `json:"v"`
}

// QueryParams controls which data is returned.
type QueryParams struct {
	Metric      string
	Org         string
	ProviderKey string
	Model       string
	Start       time.Time
	End         time.Time
	StepMs      int64 // downsample to this bucket size (0 = raw)
}

// Store buffers points in memory and persists them to SQLite.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	buf       []Point
	bufMax    int
	retention time.Duration
}

// New creates a store over the given SQLite handle and ensures the schema
// exists.
func New(db *sql.DB) (*Store, error) {
	s := &Store{
		db:        db,
		retention: defaultRetention,
		bufMax:    defaultBufMax,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRetention sets the data retention period.
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

// Retention returns the current retention period.
func (s *Store) Retention() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retention
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tsdb_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			metric TEXT NOT NULL,
			org TEXT NOT NULL DEFAULT '',
			provider_key TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_ts ON tsdb_points(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_metric ON tsdb_points(metric, ts)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("tsdb migrate: %w", err)
		}
	}
	return nil
}

// Write buffers a single data point, flushing when the buffer fills.
func (s *Store) Write(p Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.buf = append(s.buf, p)
	if len(s.buf) < s.bufMax {
		s.mu.Unlock()
		return
	}
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	s.flush(buf)
}

// Flush forces all buffered points to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(buf) > 0 {
		s.flush(buf)
	}
}

func (s *Store) flush(points []Point) {
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO tsdb_points (ts, metric, org, provider_key, model, value) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		_, _ = stmt.Exec(p.Timestamp.UnixMilli(), p.Metric, p.Org, p.ProviderKey, p.Model, p.Value)
	}
	_ = tx.Commit()
}

// buildFilter assembles the WHERE clause and bind args for a query.
func buildFilter(q QueryParams) (string, []any) {
	where := "WHERE metric = ?"
	args := []any{q.Metric}

	if q.Org != "" {
		where += " AND org = ?"
		args = append(args, q.Org)
	}
	if q.ProviderKey != "" {
		where += " AND provider_key = ?"
		args = append(args, q.ProviderKey)
	}
	if q.Model != "" {
		where += " AND model = ?"
		args = append(args, q.Model)
	}
	if !q.Start.IsZero() {
		where += " AND ts >= ?"
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		where += " AND ts <= ?"
		args = append(args, q.End.UnixMilli())
	}
	return where, args
}

// Query returns series matching q, grouped by (org, provider, model).
func (s *Store) Query(ctx context.Context, q QueryParams) ([]Series, error) {
	s.Flush()

	where, args := buildFilter(q)

	var query string
	if q.StepMs > 0 {
		// Downsample: bucket timestamps by step and average each bucket.
		query = fmt.Sprintf(
			`SELECT (ts / %d) * %d AS bucket, org, provider_key, model, AVG(value)
			 FROM tsdb_points %s
			 GROUP BY bucket, org, provider_key, model
			 ORDER BY bucket ASC`, q.StepMs, q.StepMs, where)
	} else {
		query = fmt.Sprintf(
			`SELECT ts, org, provider_key, model, value
			 FROM tsdb_points %s
			 ORDER BY ts ASC`, where)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type seriesKey struct{ org, provider, model string }
	grouped := make(map[seriesKey][]DataPt)
	var order []seriesKey

	for rows.Next() {
		var tsMs int64
		var org, providerKey, model string
		var value float64
		if err := rows.Scan(&tsMs, &org, &providerKey, &model, &value); err != nil {
			return nil, err
		}
		k := seriesKey{org, providerKey, model}
		if _, exists := grouped[k]; !exists {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], DataPt{
			T:     time.UnixMilli(tsMs),
			Value: value,
		})
	}

	result := make([]Series, 0, len(order))
	for _, k := range order {
		result = append(result, Series{
			Metric:      q.Metric,
			Org:         k.org,
			ProviderKey: k.provider,
			Model:       k.model,
			Points:      grouped[k],
		})
	}
	return result, rows.Err()
}

// Prune removes data points older than the retention period and returns
// how many were deleted.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.Flush()
	cutoff := time.Now().Add(-s.Retention()).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM tsdb_points WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Metrics returns the list of distinct metric names.
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	s.Flush()
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT metric FROM tsdb_points ORDER BY metric`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var metrics []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
