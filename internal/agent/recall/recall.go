package recall

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/neboloop/glance/internal/agent/config"
	"github.com/neboloop/glance/internal/logging"
	"github.com/neboloop/glance/internal/store"
)

// minRecentRecords is how many records a "recent" question is topped up to
// when the search itself finds fewer.
const minRecentRecords = 20

// Retriever answers "what was I doing" questions from the summary store.
type Retriever struct {
	store  store.SummaryStore
	cfg    config.RecallConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewRetriever creates a retriever over s.
func NewRetriever(s store.SummaryStore, cfg config.RecallConfig) *Retriever {
	return &Retriever{
		store:  s,
		cfg:    cfg,
		logger: logging.With("component", "recall"),
		now:    time.Now,
	}
}

// Context returns the activity block for message, or "" when nothing was
// recorded in the requested range.
func (r *Retriever) Context(ctx context.Context, message string) (string, error) {
	q := ParseQuery(message)
	now := r.now()
	search := store.Query{Since: q.Range.Since(now), Until: q.Range.Until(now), Keywords: q.Keywords}

	res, err := r.store.Search(ctx, search)
	if err != nil {
		return "", fmt.Errorf("search summaries: %w", err)
	}

	// Keywords are guesses; fall back to the whole range rather than nothing.
	if len(res.Records) == 0 && len(q.Keywords) > 0 {
		search.Keywords = nil
		relaxed, err := r.store.Search(ctx, search)
		if err != nil {
			return "", fmt.Errorf("search summaries: %w", err)
		}
		if !relaxed.Empty() {
			res = relaxed
		}
	}

	if q.Range.Kind == RangeRecent && len(res.Records) < minRecentRecords {
		recent, err := r.store.RecentRecords(ctx, minRecentRecords, r.cfg.RetentionDays)
		if err != nil {
			r.logger.Warn("recent records lookup failed", "error", err)
		} else if len(recent) > 0 {
			res.Records = mergeRecent(res.Records, recent, minRecentRecords)
		}
	}

	r.logger.Debug("screen context retrieved",
		"range", q.Range.String(), "keywords", q.Keywords, "records", len(res.Records))
	return BuildContext(res, r.cfg.MaxContextChars, q.IncludeDetail), nil
}

// mergeRecent unions two record lists, drops duplicates, sorts by time and
// keeps the newest limit.
func mergeRecent(records, fallback []store.Record, limit int) []store.Record {
	seen := make(map[string]bool, len(records)+len(fallback))
	merged := make([]store.Record, 0, len(records)+len(fallback))
	for _, rec := range append(append([]store.Record{}, records...), fallback...) {
		key := rec.Timestamp.UTC().Format(store.TimeLayout) + "|" + rec.App + "|" + rec.Summary
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, rec)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

// BuildContext renders res as a prompt block of at most maxChars runes. The
// per-app overview comes first; records are then added newest first until
// the cap and printed in time order. Zero maxChars means no cap.
func BuildContext(res *store.SearchResult, maxChars int, includeDetail bool) string {
	if res.Empty() {
		return ""
	}

	var sb strings.Builder
	if len(res.Aggregated) > 0 {
		sb.WriteString("App usage in this period:\n")
		for _, a := range res.Aggregated {
			fmt.Fprintf(&sb, "- %s: %d records", a.App, a.Records)
			if a.Errors > 0 {
				fmt.Fprintf(&sb, ", %d with errors", a.Errors)
			}
			fmt.Fprintf(&sb, " (%s to %s)\n", clock(a.First), clock(a.Last))
		}
	}
	header := sb.String()
	if maxChars > 0 && utf8.RuneCountInString(header) > maxChars {
		header = truncateRunes(header, maxChars)
	}

	used := utf8.RuneCountInString(header)
	var lines []string
	if len(res.Records) > 0 {
		title := "\nActivity records:\n"
		if header == "" {
			title = "Activity records:\n"
		}
		used += utf8.RuneCountInString(title)
		for i := len(res.Records) - 1; i >= 0; i-- {
			line := formatRecord(res.Records[i], includeDetail)
			n := utf8.RuneCountInString(line)
			if maxChars > 0 && used+n > maxChars {
				break
			}
			used += n
			lines = append(lines, line)
		}
		if len(lines) > 0 {
			header += title
		}
	}

	sb.Reset()
	sb.WriteString(header)
	for i := len(lines) - 1; i >= 0; i-- {
		sb.WriteString(lines[i])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatRecord(rec store.Record, includeDetail bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- [%s] %s", stamp(rec.Timestamp), rec.App)
	if rec.Action != "" && rec.Action != "active" {
		fmt.Fprintf(&sb, " (%s)", rec.Action)
	}
	fmt.Fprintf(&sb, ": %s\n", strings.TrimSpace(rec.Summary))
	if includeDetail && strings.TrimSpace(rec.Detail) != "" {
		fmt.Fprintf(&sb, "  detail: %s\n", strings.Join(strings.Fields(rec.Detail), " "))
	}
	return sb.String()
}

func stamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func clock(t time.Time) string {
	return t.Local().Format("15:04")
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
