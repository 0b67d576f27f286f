// Package scheduler runs periodic folder scans on clock-aligned
// boundaries. Due-ness is decided by boundary comparison, never by elapsed
// time, so early, late or missed wake-ups cannot cause double or skipped
// runs.
package scheduler

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mkrull/boorud/internal/adapter/fetcher"
	"github.com/mkrull/boorud/internal/config"
	"github.com/mkrull/boorud/internal/domain"
)

// RunStore persists folder scan boundaries. Advancing is compare-and-set:
// a boundary, once consumed, is consumed forever.
type RunStore interface {
	FolderLastRun(ctx context.Context, folderID string) (time.Time, error)
	AdvanceFolderRun(ctx context.Context, folderID string, to time.Time) (bool, error)
}

// FolderSource provides the current scheduled-folder configuration.
type FolderSource interface {
	Folders() []config.Folder
}

// Report are the per-folder counts handed back after a sweep.
type Report struct {
	FolderID  string
	Name      string
	Found     int
	Submitted int
}

// Scheduler triggers job submissions for due folders.
type Scheduler struct {
	svc     *domain.JobService
	store   RunStore
	folders FolderSource
	wake    time.Duration
	now     func() time.Time
}

// New creates a scheduler waking up every wake interval.
func New(svc *domain.JobService, store RunStore, folders FolderSource, wake time.Duration) *Scheduler {
	return &Scheduler{svc: svc, store: store, folders: folders, wake: wake, now: time.Now}
}

// Run wakes up periodically and sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("scheduler: waking every %s", s.wake)
	ticker := time.NewTicker(s.wake)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// BoundaryStart returns the start of the current clock-aligned interval:
// floor(now / interval) * interval. All folders sharing an interval fire
// in lockstep at the same wall-clock boundary.
func BoundaryStart(now time.Time, interval time.Duration) time.Time {
	secs := int64(interval / time.Second)
	return time.Unix(now.Unix()/secs*secs, 0).UTC()
}

// Sweep processes every due folder once and returns per-folder counts.
func (s *Scheduler) Sweep(ctx context.Context) []Report {
	now := s.now()
	var reports []Report
	for _, folder := range s.folders.Folders() {
		if !folder.Enabled {
			continue
		}
		id := folder.ID
		if id == "" {
			id = folder.Path
		}

		boundary := BoundaryStart(now, folder.Interval())
		last, err := s.store.FolderLastRun(ctx, id)
		if err != nil {
			log.Printf("scheduler: folder %s: last run lookup: %v", id, err)
			continue
		}
		// Due iff the folder has not run in the current boundary window.
		// A folder that is not due keeps its last run untouched.
		if !last.Before(boundary) {
			continue
		}

		report := s.scan(ctx, folder, id)
		reports = append(reports, report)

		// The boundary is consumed only after the scan attempt completed;
		// a crash above leaves it unconsumed for the next wake-up.
		advanced, err := s.store.AdvanceFolderRun(ctx, id, boundary)
		if err != nil {
			log.Printf("scheduler: folder %s: advance: %v", id, err)
			continue
		}
		if !advanced {
			log.Printf("scheduler: folder %s: boundary %s already consumed", id, boundary.Format(time.RFC3339))
		}
	}
	return reports
}

// scan submits one file job per media file in the folder. Per-file errors
// are isolated: one failure never aborts the rest of the batch.
func (s *Scheduler) scan(ctx context.Context, folder config.Folder, id string) Report {
	report := Report{FolderID: id, Name: folder.Name}

	dir := config.ExpandPath(folder.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("scheduler: folder %s: read %s: %v", id, dir, err)
		return report
	}

	opt := domain.SubmitOptions{
		Tags:        folder.Tags,
		Safety:      domain.Safety(folder.Safety),
		SkipTagging: folder.SkipTagging,
	}
	for _, entry := range entries {
		if entry.IsDir() || !fetcher.IsMediaFile(entry.Name()) {
			continue
		}
		report.Found++
		if _, err := s.svc.SubmitFile(ctx, entry.Name(), filepath.Join(dir, entry.Name()), opt); err != nil {
			log.Printf("scheduler: folder %s: submit %s: %v", id, entry.Name(), err)
			continue
		}
		report.Submitted++
	}
	log.Printf("scheduler: folder %s: %d found, %d submitted", id, report.Found, report.Submitted)
	return report
}
