package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkrull/boorud/internal/adapter/fetcher"
	"github.com/mkrull/boorud/internal/domain"
)

// SettingsSource provides the live settings snapshot. It is re-read every
// processing iteration so changes apply without restart.
type SettingsSource interface {
	RetryPolicy() domain.Policy
	TagConfidence() float64
}

// Pool runs N workers that claim runnable jobs and drive them through the
// download, tag and upload stages, plus a sweep that re-queues failed jobs
// whose retry window elapsed.
type Pool struct {
	svc      *domain.JobService
	fetch    domain.Fetcher
	tagger   domain.Tagger
	board    domain.Board
	settings SettingsSource

	workers      int
	pollInterval time.Duration
	workRoot     string
}

// New creates a worker pool.
func New(svc *domain.JobService, fetch domain.Fetcher, tagger domain.Tagger, board domain.Board, settings SettingsSource, workers int, pollInterval time.Duration, workRoot string) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		svc:          svc,
		fetch:        fetch,
		tagger:       tagger,
		board:        board,
		settings:     settings,
		workers:      workers,
		pollInterval: pollInterval,
		workRoot:     workRoot,
	}
}

// Run starts the pool and blocks until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	log.Printf("worker pool: %d workers, polling every %s", p.workers, p.pollInterval)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			p.workerLoop(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.requeueLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker %d: shutting down", id)
			return
		case <-ticker.C:
		case <-p.svc.Wake():
		}
		p.drain(ctx, id)
	}
}

// drain claims and processes jobs until no runnable work is left.
func (p *Pool) drain(ctx context.Context, id int) {
	for ctx.Err() == nil {
		job, ok := p.claimOne(ctx, id)
		if !ok {
			return
		}
		p.process(ctx, id, job)
	}
}

func (p *Pool) claimOne(ctx context.Context, id int) (*domain.Job, bool) {
	candidates, err := p.svc.Runnable(ctx, p.workers*2)
	if err != nil {
		log.Printf("worker %d: poll error: %v", id, err)
		return nil, false
	}
	for i := range candidates {
		job, err := p.svc.ClaimJob(ctx, &candidates[i])
		if errors.Is(err, domain.ErrConflict) {
			// Another worker got there first.
			continue
		}
		if err != nil {
			log.Printf("worker %d: claim failed: %v", id, err)
			return nil, false
		}
		return job, true
	}
	return nil, false
}

// process drives a claimed job through its remaining stages. Pause and
// stop are cooperative: they are observed at stage boundaries via
// compare-and-set misses, never mid-stage.
func (p *Pool) process(ctx context.Context, id int, job *domain.Job) {
	log.Printf("worker %d: job %s: %s (%s)", id, job.ID, job.Status, job.Type)
	workDir := job.WorkDir
	if workDir == "" {
		workDir = filepath.Join(p.workRoot, job.ID)
	}

	for job.Status.Active() {
		var stageErr error
		switch job.Status {
		case domain.StatusDownloading:
			stageErr = p.download(ctx, job, workDir)
		case domain.StatusTagging:
			stageErr = p.tag(ctx, job, workDir)
		case domain.StatusUploading:
			res, err := p.upload(ctx, job, workDir)
			if err != nil {
				stageErr = err
				break
			}
			if _, err := p.svc.CompleteJob(ctx, job.ID, *res); err != nil {
				if errors.Is(err, domain.ErrConflict) {
					p.release(ctx, id, job)
					return
				}
				log.Printf("worker %d: job %s: complete failed: %v", id, job.ID, err)
				return
			}
			outcome := "completed"
			if res.Merged {
				outcome = "merged into post " + fmt.Sprint(res.TargetPostID)
			}
			log.Printf("worker %d: job %s: %s", id, job.ID, outcome)
			os.RemoveAll(workDir)
			return
		}

		if stageErr != nil {
			if ctx.Err() != nil {
				// Shutdown mid-stage; the startup recovery pass re-queues.
				return
			}
			p.fail(ctx, id, job, stageErr)
			return
		}

		next := job.NextStage(job.Status)
		if next == "" {
			log.Printf("worker %d: job %s: no stage after %s", id, job.ID, job.Status)
			return
		}
		advanced, err := p.svc.AdvanceStage(ctx, job.ID, next)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// A pause or stop landed mid-stage; honor it here.
				p.release(ctx, id, job)
				return
			}
			log.Printf("worker %d: job %s: advance failed: %v", id, job.ID, err)
			return
		}
		job = advanced
	}
}

func (p *Pool) release(ctx context.Context, id int, job *domain.Job) {
	if err := p.svc.ReleaseJob(ctx, job.ID); err != nil {
		log.Printf("worker %d: job %s: release failed: %v", id, job.ID, err)
		return
	}
	log.Printf("worker %d: job %s: released at checkpoint", id, job.ID)
}

// fail applies the retry policy to a stage failure. A job that was paused
// or stopped in the meantime keeps its state: the failure signal is
// discarded, not reprocessed.
func (p *Pool) fail(ctx context.Context, id int, job *domain.Job, stageErr error) {
	log.Printf("worker %d: job %s: %s error: %v", id, job.ID, job.Status, stageErr)
	fresh, err := p.svc.Get(ctx, job.ID)
	if err != nil {
		log.Printf("worker %d: job %s: refresh failed: %v", id, job.ID, err)
		return
	}
	if !fresh.Status.Active() {
		p.release(ctx, id, fresh)
		return
	}
	if err := p.svc.FailJob(ctx, fresh, stageErr, p.settings.RetryPolicy()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			p.release(ctx, id, fresh)
			return
		}
		log.Printf("worker %d: job %s: fail record error: %v", id, job.ID, err)
	}
}

func (p *Pool) download(ctx context.Context, job *domain.Job, workDir string) error {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	res, err := p.fetch.Fetch(ctx, job, workDir)
	if err != nil {
		return err
	}
	if len(res.Files) == 0 {
		return fmt.Errorf("fetch produced no files")
	}
	return p.svc.RecordDownload(ctx, job.ID, workDir, res.Tags)
}

// tag runs inference. For skip_tagging jobs the stage is still visited but
// performs no work. tag_existing jobs pull the post's content from the
// board first.
func (p *Pool) tag(ctx context.Context, job *domain.Job, workDir string) error {
	if job.SkipTagging {
		return nil
	}

	var path string
	if job.Type == domain.TypeTagExisting {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		fetched, err := p.board.FetchContent(ctx, job.TargetPostID, workDir)
		if err != nil {
			return fmt.Errorf("fetch post %d content: %w", job.TargetPostID, err)
		}
		path = fetched
		if err := p.svc.RecordDownload(ctx, job.ID, workDir, nil); err != nil {
			return err
		}
	} else {
		files, err := fetcher.MediaFiles(workDir)
		if err != nil || len(files) == 0 {
			return fmt.Errorf("no work files for tagging: %v", err)
		}
		path = files[0]
	}

	tags, safety, err := p.tagger.Tag(ctx, path, p.settings.TagConfidence())
	if err != nil {
		return err
	}
	return p.svc.RecordAITags(ctx, job.ID, tags, safety)
}

// upload resolves the job against the board. Tags applied are the
// case-insensitive union of source tags then AI tags; a duplicate signal
// from the board turns the outcome into a merge instead of a new post.
func (p *Pool) upload(ctx context.Context, job *domain.Job, workDir string) (*domain.CompleteResult, error) {
	// Reload for the tag sets recorded by earlier stages.
	fresh, err := p.svc.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	tags := domain.MergeTags(fresh.TagsFromSource, fresh.TagsFromAI)

	if fresh.Type == domain.TypeTagExisting {
		return p.rewriteTags(ctx, fresh, tags)
	}

	files, err := fetcher.MediaFiles(workDir)
	if err != nil || len(files) == 0 {
		return nil, fmt.Errorf("no work files for upload: %v", err)
	}

	res, err := p.board.Upload(ctx, files[0], tags, fresh.Safety)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		existing, err := p.board.PostTags(ctx, res.PostID)
		if err != nil {
			return nil, err
		}
		union := domain.MergeTags(existing, tags)
		if err := p.board.SetPostTags(ctx, res.PostID, union, fresh.Safety); err != nil {
			return nil, err
		}
		return &domain.CompleteResult{Merged: true, TargetPostID: res.PostID, TagsApplied: union}, nil
	}

	related := append([]int64(nil), res.RelatedPostIDs...)
	// Remaining files of a multi-file source become related posts. One
	// file's failure must not abort the rest.
	for _, extra := range files[1:] {
		r, err := p.board.Upload(ctx, extra, tags, fresh.Safety)
		if err != nil {
			log.Printf("job %s: related upload %s failed: %v", job.ID, filepath.Base(extra), err)
			continue
		}
		related = append(related, r.PostID)
	}

	return &domain.CompleteResult{TargetPostID: res.PostID, RelatedPostIDs: related, TagsApplied: tags}, nil
}

// rewriteTags applies the merged tag set to an existing post. Unless the
// job explicitly requests replacement, existing post tags are preserved in
// the union.
func (p *Pool) rewriteTags(ctx context.Context, job *domain.Job, tags []string) (*domain.CompleteResult, error) {
	final := tags
	if !job.ReplaceOriginalTags {
		existing, err := p.board.PostTags(ctx, job.TargetPostID)
		if err != nil {
			return nil, err
		}
		final = domain.MergeTags(existing, tags)
	}
	if err := p.board.SetPostTags(ctx, job.TargetPostID, final, job.Safety); err != nil {
		return nil, err
	}
	return &domain.CompleteResult{Merged: true, TargetPostID: job.TargetPostID, TagsApplied: final}, nil
}

func (p *Pool) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := p.svc.RequeueDueRetries(ctx, p.settings.RetryPolicy())
		if err != nil {
			log.Printf("retry sweep error: %v", err)
			continue
		}
		if n > 0 {
			log.Printf("retry sweep: re-queued %d failed jobs", n)
		}
	}
}
