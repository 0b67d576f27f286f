package domain

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidURL        = errors.New("invalid URL")
	ErrInvalidSafety     = errors.New("invalid safety rating")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict means a compare-and-set update lost a race; the job
	// changed underneath the caller.
	ErrConflict = errors.New("job state changed concurrently")
)

// SubmitOptions are the optional fields common to all submissions.
type SubmitOptions struct {
	Source      string
	Tags        []string
	Safety      Safety
	SkipTagging bool
}

// JobService orchestrates job operations and publishes an update after
// every persisted transition.
type JobService struct {
	repo JobRepository
	pub  Publisher
	wake chan struct{}
}

// NewJobService creates a new JobService.
func NewJobService(repo JobRepository, pub Publisher) *JobService {
	return &JobService{repo: repo, pub: pub, wake: make(chan struct{}, 1)}
}

// Wake returns a channel signalled whenever new work may be runnable,
// letting the worker pool skip the rest of its poll interval.
func (s *JobService) Wake() <-chan struct{} {
	return s.wake
}

func (s *JobService) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SubmitURL creates a new URL job. The URL is validated up front; a
// malformed submission never enters the queue.
func (s *JobService) SubmitURL(ctx context.Context, rawURL string, opt SubmitOptions) (*Job, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, ErrInvalidURL
	}
	job := s.newJob(TypeURL, opt)
	job.URL = rawURL
	return s.create(ctx, job)
}

// SubmitFile creates a job for a local file, either a client upload or a
// folder scan discovery. sourcePath is the stored file the download stage
// ingests.
func (s *JobService) SubmitFile(ctx context.Context, originalName, sourcePath string, opt SubmitOptions) (*Job, error) {
	if sourcePath == "" {
		return nil, fmt.Errorf("source path is required")
	}
	job := s.newJob(TypeFile, opt)
	job.OriginalFilename = originalName
	job.SourcePath = sourcePath
	return s.create(ctx, job)
}

// SubmitTagExisting creates a job that rewrites tags on an existing board
// post, skipping download and upload.
func (s *JobService) SubmitTagExisting(ctx context.Context, postID int64, replaceTags bool, opt SubmitOptions) (*Job, error) {
	if postID <= 0 {
		return nil, fmt.Errorf("post id is required")
	}
	job := s.newJob(TypeTagExisting, opt)
	job.TargetPostID = postID
	job.ReplaceOriginalTags = replaceTags
	return s.create(ctx, job)
}

func (s *JobService) newJob(t Type, opt SubmitOptions) *Job {
	return &Job{
		ID:             uuid.NewString(),
		Type:           t,
		Status:         StatusPending,
		SourceOverride: opt.Source,
		TagsApplied:    nil,
		TagsFromSource: append([]string(nil), opt.Tags...),
		Safety:         opt.Safety,
		SkipTagging:    opt.SkipTagging,
	}
}

func (s *JobService) create(ctx context.Context, job *Job) (*Job, error) {
	if job.Safety != "" && !ValidSafety(job.Safety) {
		return nil, ErrInvalidSafety
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	s.publish(job)
	s.poke()
	return job, nil
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns jobs matching the filter, newest first by default.
func (s *JobService) List(ctx context.Context, f ListFilter) ([]Job, error) {
	return s.repo.List(ctx, f)
}

// Delete removes a job. Jobs held by a worker cannot be deleted until they
// reach a terminal, paused or stopped state.
func (s *JobService) Delete(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Active() {
		return ErrInvalidTransition
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if job.WorkDir != "" {
		os.RemoveAll(job.WorkDir)
	}
	return nil
}

// Stats returns aggregate counts and durations.
func (s *JobService) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx, time.Now())
}

// Start nudges a pending job towards the worker pool. It is rejected for
// jobs in any other state.
func (s *JobService) Start(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	s.poke()
	return job, nil
}

// Pause requests a pause. For a job mid-stage the transition is recorded
// immediately; the worker holding the claim observes it at its next
// checkpoint and releases the job.
func (s *JobService) Pause(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.CanTransition(StatusPaused) {
		return nil, ErrInvalidTransition
	}
	if err := s.repo.Pause(ctx, id); err != nil {
		return nil, err
	}
	return s.refreshAndPublish(ctx, id)
}

// Stop requests a stop. Stopped jobs only resume from scratch.
func (s *JobService) Stop(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.CanTransition(StatusStopped) {
		return nil, ErrInvalidTransition
	}
	if err := s.repo.Stop(ctx, id); err != nil {
		return nil, err
	}
	return s.refreshAndPublish(ctx, id)
}

// Resume returns a paused job to the stage it was paused from, or a
// stopped job to pending.
func (s *JobService) Resume(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var to Status
	switch job.Status {
	case StatusPaused:
		to = job.ResumeStage
		if to == "" {
			to = StatusPending
		}
	case StatusStopped:
		to = StatusPending
	default:
		return nil, ErrInvalidTransition
	}
	if err := s.repo.Resume(ctx, id, to); err != nil {
		return nil, err
	}
	s.poke()
	return s.refreshAndPublish(ctx, id)
}

// Retry is the manual retry action, valid only from failed. It resets the
// retry count and clears the error message before re-entering pending.
func (s *JobService) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusFailed {
		return nil, ErrInvalidTransition
	}
	if err := s.repo.ResetForRetry(ctx, id); err != nil {
		return nil, err
	}
	s.poke()
	return s.refreshAndPublish(ctx, id)
}

// Runnable returns unclaimed work for the pool.
func (s *JobService) Runnable(ctx context.Context, limit int) ([]Job, error) {
	return s.repo.FindRunnable(ctx, limit)
}

// ClaimJob attempts to acquire the job for a worker. Exactly one of two
// concurrent attempts on the same job succeeds; the loser gets ErrConflict.
func (s *JobService) ClaimJob(ctx context.Context, job *Job) (*Job, error) {
	to := job.Status
	if job.Status == StatusPending {
		to = job.FirstStage()
	}
	if err := s.repo.Claim(ctx, job.ID, job.Status, to); err != nil {
		return nil, err
	}
	return s.refreshAndPublish(ctx, job.ID)
}

// AdvanceStage moves a claimed job to the next stage. ErrConflict means a
// pause or stop intervened.
func (s *JobService) AdvanceStage(ctx context.Context, id string, stage Status) (*Job, error) {
	if err := s.repo.SetStage(ctx, id, stage); err != nil {
		return nil, err
	}
	return s.refreshAndPublish(ctx, id)
}

// RecordDownload persists the download stage output: the work directory
// holding fetched files plus any source-site tags, appended to the job's
// source tag set.
func (s *JobService) RecordDownload(ctx context.Context, id, workDir string, tags []string) error {
	return s.repo.SetDownloadResult(ctx, id, workDir, tags)
}

// RecordAITags persists the tagging stage output. An inferred safety
// rating overwrites the submitted one.
func (s *JobService) RecordAITags(ctx context.Context, id string, tags []string, safety Safety) error {
	return s.repo.SetAITags(ctx, id, tags, safety)
}

// CompleteJob resolves the upload stage into completed or merged and
// publishes an update carrying the result fields.
func (s *JobService) CompleteJob(ctx context.Context, id string, res CompleteResult) (*Job, error) {
	if err := s.repo.Complete(ctx, id, res); err != nil {
		return nil, err
	}
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u := s.update(job)
	u.TargetPostID = job.TargetPostID
	u.RelatedPostIDs = job.RelatedPostIDs
	u.TagsApplied = job.TagsApplied
	u.CompletedAt = job.CompletedAt
	u.DurationSeconds = job.ActiveSeconds
	s.pub.Publish(u)
	return job, nil
}

// FailJob records a stage failure and applies the retry policy. Exhaustion
// is flagged on the published update exactly once, so clients notify only
// when manual intervention is needed.
func (s *JobService) FailJob(ctx context.Context, job *Job, stageErr error, pol Policy) error {
	d := pol.Decide(job)
	if !d.Retry && !d.Exhausted {
		// Failure signal for a job no longer active; discard.
		return nil
	}
	var nextRetry time.Time
	if d.Retry {
		nextRetry = time.Now().Add(d.Wait)
	}
	if err := s.repo.Fail(ctx, job.ID, stageErr.Error(), nextRetry); err != nil {
		return err
	}
	fresh, err := s.repo.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	u := s.update(fresh)
	u.RetryCount = fresh.RetryCount
	u.RetriesExhausted = d.Exhausted
	s.pub.Publish(u)
	return nil
}

// ReleaseJob drops a worker's claim after a pause or stop took effect.
func (s *JobService) ReleaseJob(ctx context.Context, id string) error {
	return s.repo.Release(ctx, id)
}

// RequeueDueRetries moves failed jobs whose wait window elapsed back to
// pending and publishes an update for each.
func (s *JobService) RequeueDueRetries(ctx context.Context, pol Policy) (int, error) {
	jobs, err := s.repo.RequeueDueRetries(ctx, time.Now(), pol.MaxRetries)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		s.publish(&jobs[i])
	}
	if len(jobs) > 0 {
		s.poke()
	}
	return len(jobs), nil
}

// RecoverStale resets jobs stranded mid-stage by an unclean shutdown.
func (s *JobService) RecoverStale(ctx context.Context) (int64, error) {
	return s.repo.RecoverStale(ctx)
}

func (s *JobService) refreshAndPublish(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(job)
	return job, nil
}

func (s *JobService) update(job *Job) Update {
	return Update{
		JobID:     job.ID,
		Status:    job.Status,
		Error:     job.ErrorMessage,
		Timestamp: time.Now(),
	}
}

func (s *JobService) publish(job *Job) {
	s.pub.Publish(s.update(job))
}
