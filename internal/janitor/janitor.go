// Package janitor removes stale output files left behind by background
// commands.
package janitor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/neboloop/glance/internal/logging"
)

// Janitor deletes files in a directory once they are older than MaxAge.
type Janitor struct {
	dir    string
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	scheduler *cronlib.Cron
}

// New creates a janitor for dir.
func New(dir string, maxAge time.Duration) *Janitor {
	return &Janitor{
		dir:    dir,
		maxAge: maxAge,
		logger: logging.With("component", "janitor"),
		now:    time.Now,
	}
}

// Start runs Sweep on the cron schedule (standard five-field specs and
// descriptors such as "@every 1h").
func (j *Janitor) Start(schedule string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.scheduler != nil {
		return fmt.Errorf("janitor already started")
	}

	scheduler := cronlib.New()
	if _, err := scheduler.AddFunc(schedule, func() {
		if _, err := j.Sweep(); err != nil {
			j.logger.Warn("sweep failed", "dir", j.dir, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	scheduler.Start()
	j.scheduler = scheduler
	j.logger.Debug("janitor started", "dir", j.dir, "schedule", schedule, "max_age", j.maxAge)
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	scheduler := j.scheduler
	j.scheduler = nil
	j.mu.Unlock()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
}

// Sweep deletes regular files older than maxAge and returns how many were
// removed. A missing directory is not an error.
func (j *Janitor) Sweep() (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			j.logger.Warn("failed to remove task output", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logging.Infof("janitor removed %d stale task output files from %s", removed, j.dir)
	}
	return removed, nil
}
