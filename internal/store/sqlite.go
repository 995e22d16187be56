package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/neboloop/glance/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultSearchLimit caps a search without an explicit limit.
const DefaultSearchLimit = 200

// SQLite is the SummaryStore backed by the capture database.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The capture loop writes from another process; one connection here
	// keeps our side serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	logging.Infof("SQLite summary store initialized at %s", path)
	return s, nil
}

// New wraps an open database and runs the embedded migrations.
func New(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLite{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		logging.Debugf("applied migration %s in %s", r.Source.Path, r.Duration)
	}
	return nil
}

// DB exposes the underlying handle.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

// Insert stores rec and returns its id.
func (s *SQLite) Insert(ctx context.Context, rec Record) (int64, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	keywords, err := json.Marshal(nonNil(rec.Keywords))
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (timestamp, app, action, summary, keywords, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(rec.Timestamp), rec.App, rec.Action, rec.Summary, string(keywords), rec.Detail)
	if err != nil {
		return 0, fmt.Errorf("insert summary: %w", err)
	}
	return res.LastInsertId()
}

// RecentRecords implements SummaryStore.
func (s *SQLite) RecentRecords(ctx context.Context, limit, retentionDays int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT id, timestamp, app, action, summary, keywords, detail FROM summaries`
	var args []any
	if retentionDays > 0 {
		query += ` WHERE timestamp >= ?`
		args = append(args, formatTime(time.Now().AddDate(0, 0, -retentionDays)))
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent records: %w", err)
	}
	reverse(records)
	return records, nil
}

// Search implements SummaryStore. Keywords match the summary, app or
// keyword list, case-insensitively for ASCII.
func (s *SQLite) Search(ctx context.Context, q Query) (*SearchResult, error) {
	where, args := q.filter()
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	records, err := s.queryRecords(ctx,
		`SELECT id, timestamp, app, action, summary, keywords, detail FROM summaries`+where+
			` ORDER BY timestamp DESC, id DESC LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("search summaries: %w", err)
	}
	reverse(records)

	rows, err := s.db.QueryContext(ctx,
		`SELECT app, COUNT(*), SUM(CASE WHEN action = 'error' THEN 1 ELSE 0 END), MIN(timestamp), MAX(timestamp)
		 FROM summaries`+where+` GROUP BY app ORDER BY COUNT(*) DESC, app`, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate summaries: %w", err)
	}
	defer rows.Close()

	var agg []AppActivity
	for rows.Next() {
		var a AppActivity
		var first, last string
		if err := rows.Scan(&a.App, &a.Records, &a.Errors, &first, &last); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		a.First, a.Last = parseTime(first), parseTime(last)
		agg = append(agg, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &SearchResult{Records: records, Aggregated: agg}, nil
}

func (q Query) filter() (string, []any) {
	var clauses []string
	var args []any
	if !q.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, formatTime(q.Since))
	}
	until := q.Until
	if until.IsZero() {
		until = time.Now()
	}
	clauses = append(clauses, "timestamp <= ?")
	args = append(args, formatTime(until))

	var matches []string
	for _, kw := range q.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		pattern := "%" + escapeLike(kw) + "%"
		matches = append(matches, `(summary LIKE ? ESCAPE '\' OR app LIKE ? ESCAPE '\' OR keywords LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	if len(matches) > 0 {
		clauses = append(clauses, "("+strings.Join(matches, " OR ")+")")
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLite) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts, keywords string
		if err := rows.Scan(&r.ID, &ts, &r.App, &r.Action, &r.Summary, &keywords, &r.Detail); err != nil {
			return nil, err
		}
		r.Timestamp = parseTime(ts)
		if keywords != "" {
			if err := json.Unmarshal([]byte(keywords), &r.Keywords); err != nil {
				r.Keywords = strings.FieldsFunc(keywords, func(c rune) bool { return c == ',' })
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// parseTime accepts the stored layout and plain RFC 3339 from older writers.
func parseTime(s string) time.Time {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func reverse(records []Record) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
