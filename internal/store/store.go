// Package store reads the screen-activity summaries written by the capture
// loop. The agent only queries them; Insert exists for importers and tests.
package store

import (
	"context"
	"time"
)

// TimeLayout is the fixed-width UTC layout timestamps are stored in, so
// string comparison orders them chronologically.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Record is one summarized screen capture.
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	App       string    `json:"app"`
	Action    string    `json:"action"` // "active" or "error"
	Summary   string    `json:"summary"`
	Keywords  []string  `json:"keywords,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Query selects records in [Since, Until] matching any keyword. Empty
// Keywords match everything; a zero Until means now.
type Query struct {
	Since    time.Time
	Until    time.Time
	Keywords []string
	Limit    int
}

// AppActivity aggregates the records of one app within a query.
type AppActivity struct {
	App     string    `json:"app"`
	Records int       `json:"records"`
	Errors  int       `json:"errors"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
}

// SearchResult holds the matching records, oldest first, and a per-app
// breakdown of every match regardless of Limit.
type SearchResult struct {
	Records    []Record      `json:"records"`
	Aggregated []AppActivity `json:"aggregated"`
}

// Empty reports whether nothing matched.
func (r *SearchResult) Empty() bool {
	return r == nil || (len(r.Records) == 0 && len(r.Aggregated) == 0)
}

// SummaryStore is the read side used by screen-activity retrieval.
type SummaryStore interface {
	// RecentRecords returns the newest limit records within retentionDays,
	// oldest first.
	RecentRecords(ctx context.Context, limit, retentionDays int) ([]Record, error)
	Search(ctx context.Context, q Query) (*SearchResult, error)
}
