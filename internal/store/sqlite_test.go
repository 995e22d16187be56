package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := New(context.Background(), db)
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s *SQLite, now time.Time) {
	t.Helper()
	records := []Record{
		{Timestamp: now.Add(-3 * 24 * time.Hour), App: "Chrome", Action: "active", Summary: "Reading Go docs"},
		{Timestamp: now.Add(-30 * time.Minute), App: "VS Code", Action: "active", Summary: "Editing main.go", Keywords: []string{"代码", "main.go"}},
		{Timestamp: now.Add(-8 * time.Minute), App: "Terminal", Action: "error", Summary: "go build failed: undefined: Foo", Keywords: []string{"error"}, Detail: "main.go:12: undefined: Foo"},
		{Timestamp: now.Add(-2 * time.Minute), App: "VS Code", Action: "active", Summary: "Fixing 100%_done flag"},
	}
	for _, r := range records {
		_, err := s.Insert(context.Background(), r)
		require.NoError(t, err)
	}
}

func TestSearchByTimeRange(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	seed(t, s, now)

	res, err := s.Search(context.Background(), Query{Since: now.Add(-10 * time.Minute), Until: now})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "Terminal", res.Records[0].App, "records are oldest first")
	assert.Equal(t, "VS Code", res.Records[1].App)
	assert.Equal(t, []string{"error"}, res.Records[0].Keywords)
	assert.Equal(t, "main.go:12: undefined: Foo", res.Records[0].Detail)
	assert.WithinDuration(t, now.Add(-8*time.Minute), res.Records[0].Timestamp, time.Millisecond)

	require.Len(t, res.Aggregated, 2)
}

func TestSearchByKeyword(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	seed(t, s, now)
	ctx := context.Background()

	res, err := s.Search(ctx, Query{Since: now.Add(-time.Hour), Keywords: []string{"ERROR"}})
	require.NoError(t, err)
	require.Len(t, res.Records, 1, "LIKE matches keywords case-insensitively")
	assert.Equal(t, "Terminal", res.Records[0].App)

	res, err = s.Search(ctx, Query{Since: now.Add(-time.Hour), Keywords: []string{"代码", "Terminal"}})
	require.NoError(t, err)
	assert.Len(t, res.Records, 2, "any keyword matches")

	res, err = s.Search(ctx, Query{Since: now.Add(-time.Hour), Keywords: []string{"%_"}})
	require.NoError(t, err)
	require.Len(t, res.Records, 1, "wildcards are matched literally")
	assert.Contains(t, res.Records[0].Summary, "100%_done")

	res, err = s.Search(ctx, Query{Since: now.Add(-time.Hour), Keywords: []string{"nothing like this"}})
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestSearchAggregates(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	seed(t, s, now)

	res, err := s.Search(context.Background(), Query{Since: now.Add(-time.Hour), Limit: 1})
	require.NoError(t, err)
	assert.Len(t, res.Records, 1, "limit keeps the newest")
	assert.Equal(t, "Fixing 100%_done flag", res.Records[0].Summary)

	require.Len(t, res.Aggregated, 2)
	vscode := res.Aggregated[0]
	assert.Equal(t, "VS Code", vscode.App)
	assert.Equal(t, 2, vscode.Records)
	assert.Equal(t, 0, vscode.Errors)
	assert.True(t, vscode.First.Before(vscode.Last))
	assert.Equal(t, 1, res.Aggregated[1].Errors)
}

func TestRecentRecords(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	seed(t, s, now)
	ctx := context.Background()

	recent, err := s.RecentRecords(ctx, 2, 7)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "go build failed: undefined: Foo", recent[0].Summary)
	assert.Equal(t, "Fixing 100%_done flag", recent[1].Summary)

	all, err := s.RecentRecords(ctx, 10, 1)
	require.NoError(t, err)
	assert.Len(t, all, 3, "retention excludes the three-day-old record")

	none, err := s.RecentRecords(ctx, 0, 7)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpenMigratesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "glance.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Insert(context.Background(), Record{App: "Finder", Summary: "Browsing Downloads"})
	require.NoError(t, err)

	// A second open finds the schema already applied.
	s2, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer s2.Close()
	recent, err := s2.RecentRecords(context.Background(), 5, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "Finder", recent[0].App)
}

func TestParseTimeAcceptsRFC3339(t *testing.T) {
	got := parseTime("2024-05-01T10:00:00+08:00")
	assert.Equal(t, time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC), got)
	assert.True(t, parseTime("garbage").IsZero())
}
