// Package query answers questions about recorded runs by querying the
// parquet index with DuckDB.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/fnetdaq/internal/storage/index"
)

// Service provides query capabilities over the index directory.
// Ad-hoc SQL sees the index as a view named events.
type Service struct {
	mu sync.Mutex

	dir  string
	db   *sql.DB
	view bool

	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// Options configures the query service.
type Options struct {
	// Dir is the index directory written by the correlator.
	Dir string

	// MemoryLimit caps DuckDB memory, e.g. "512MB". Empty keeps the default.
	MemoryLimit string
}

// RunSummary aggregates the index rows of one run.
type RunSummary struct {
	Run        int64
	Events     int64
	Complete   int64
	Incomplete int64
	FirstEvent int64
	LastEvent  int64
	Bytes      int64
	MaxSkew    int64
	AvgSkew    float64
	P99Skew    float64
}

// EventQuery selects index rows.
type EventQuery struct {
	Run    int64
	AnyRun bool
	FromID int64
	ToID   int64
	Status string
	Limit  int
}

// New opens an in-memory DuckDB database over the index in opts.Dir.
func New(opts Options) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if opts.MemoryLimit != "" {
		_, err = db.Exec(fmt.Sprintf("SET memory_limit=%s", quote(opts.MemoryLimit)))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{dir: opts.Dir, db: db}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// source returns the FROM clause over the finished index files, or false
// when there are none yet.
func (s *Service) source() (string, bool, error) {
	files, err := index.Files(s.dir)
	if err != nil {
		return "", false, err
	}
	if len(files) == 0 {
		return "", false, nil
	}
	return "read_parquet(" + quote(index.Glob(s.dir)) + ")", true, nil
}

// RunSummaries returns one summary per run, ordered by run.
func (s *Service) RunSummaries(ctx context.Context) ([]RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok, err := s.source()
	if err != nil || !ok {
		return nil, err
	}

	query := `
		SELECT
			run,
			count(*),
			count(*) FILTER (WHERE status = 'complete'),
			count(*) FILTER (WHERE status = 'incomplete'),
			min(event_id),
			max(event_id),
			sum(size)::BIGINT,
			max(skew),
			avg(skew)::DOUBLE,
			quantile_cont(skew, 0.99)::DOUBLE
		FROM ` + src + `
		GROUP BY run
		ORDER BY run
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("summarize runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(
			&r.Run, &r.Events, &r.Complete, &r.Incomplete,
			&r.FirstEvent, &r.LastEvent, &r.Bytes,
			&r.MaxSkew, &r.AvgSkew, &r.P99Skew,
		); err != nil {
			s.stats.Errors++
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(out))
	return out, rows.Err()
}

// Events returns the index rows matching q, ordered by run and event id.
func (s *Service) Events(ctx context.Context, q EventQuery) ([]index.EventRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok, err := s.source()
	if err != nil || !ok {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if !q.AnyRun {
		where = append(where, "run = ?")
		args = append(args, q.Run)
	}
	if q.FromID > 0 {
		where = append(where, "event_id >= ?")
		args = append(args, q.FromID)
	}
	if q.ToID > 0 {
		where = append(where, "event_id <= ?")
		args = append(args, q.ToID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}

	query := `
		SELECT
			run, sub_run, event_id, status, mask, devices,
			segment, "offset", size, clock_min, clock_max, skew,
			digest, written_at_ms
		FROM ` + src
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY run, event_id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []index.EventRow
	for rows.Next() {
		var r index.EventRow
		if err := rows.Scan(
			&r.Run, &r.SubRun, &r.EventID, &r.Status, &r.Mask, &r.Devices,
			&r.Segment, &r.Offset, &r.Size, &r.ClockMin, &r.ClockMax, &r.Skew,
			&r.Digest, &r.WrittenAtMs,
		); err != nil {
			s.stats.Errors++
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(out))
	return out, rows.Err()
}

// ExecuteSQL executes a raw SQL query using DuckDB.
// This is useful for ad-hoc queries and debugging.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureViewUnlocked(ctx); err != nil {
		s.stats.Errors++
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any

	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any)
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))

	return results, rows.Err()
}

// ensureViewUnlocked creates the events view once index files exist. The
// view re-expands the glob on every query, so later files are picked up.
func (s *Service) ensureViewUnlocked(ctx context.Context) error {
	if s.view {
		return nil
	}
	src, ok, err := s.source()
	if err != nil || !ok {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "CREATE OR REPLACE VIEW events AS SELECT * FROM "+src); err != nil {
		return fmt.Errorf("create events view: %w", err)
	}
	s.view = true
	return nil
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
