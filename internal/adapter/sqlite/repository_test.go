package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mkrull/boorud/internal/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func createJob(t *testing.T, repo *Repository, mut func(*domain.Job)) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:     uuid.NewString(),
		Type:   domain.TypeURL,
		Status: domain.StatusPending,
		URL:    "https://example.com/a.jpg",
	}
	if mut != nil {
		mut(job)
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func mustGet(t *testing.T, repo *Repository, id string) *domain.Job {
	t.Helper()
	job, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func TestCreateGetRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	job := createJob(t, repo, func(j *domain.Job) {
		j.TagsFromSource = []string{"sky", "tree"}
		j.Safety = domain.SafetySafe
		j.SkipTagging = true
	})

	got := mustGet(t, repo, job.ID)
	if got.ID != job.ID || got.Type != domain.TypeURL || got.Status != domain.StatusPending {
		t.Errorf("round trip job = %+v", got)
	}
	if !reflect.DeepEqual(got.TagsFromSource, []string{"sky", "tree"}) {
		t.Errorf("TagsFromSource = %v", got.TagsFromSource)
	}
	if !got.SkipTagging || got.Safety != domain.SafetySafe {
		t.Errorf("flags lost: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Delete(context.Background(), "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestListFilterAndOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := createJob(t, repo, nil)
	createJob(t, repo, nil)

	if err := repo.Claim(ctx, a.ID, domain.StatusPending, domain.StatusDownloading); err != nil {
		t.Fatal(err)
	}

	pending, err := repo.List(ctx, domain.ListFilter{Status: domain.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("pending jobs = %d, want 1", len(pending))
	}

	all, err := repo.List(ctx, domain.ListFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("limited list = %d, want 1", len(all))
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	repo := newTestRepo(t)
	job := createJob(t, repo, nil)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.Claim(context.Background(), job.ID, domain.StatusPending, domain.StatusDownloading)
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("claim wins = %d, want exactly 1", wins)
	}

	got := mustGet(t, repo, job.ID)
	if got.Status != domain.StatusDownloading || got.StartedAt.IsZero() {
		t.Errorf("claimed job = %+v", got)
	}
}

func TestSetStageConflictAfterPause(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := createJob(t, repo, nil)

	if err := repo.Claim(ctx, job.ID, domain.StatusPending, domain.StatusDownloading); err != nil {
		t.Fatal(err)
	}
	if err := repo.Pause(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	// Worker reaches its checkpoint after the pause landed.
	if err := repo.SetStage(ctx, job.ID, domain.StatusTagging); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("SetStage after pause error = %v, want ErrConflict", err)
	}

	got := mustGet(t, repo, job.ID)
	if got.Status != domain.StatusPaused || got.ResumeStage != domain.StatusDownloading {
		t.Errorf("paused job = status %s, resume %s", got.Status, got.ResumeStage)
	}
}

func TestPausePendingKeepsNoResumeStage(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := createJob(t, repo, nil)

	if err := repo.Pause(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	got := mustGet(t, repo, job.ID)
	if got.ResumeStage != "" {
		t.Errorf("pending pause resume stage = %q, want empty", got.ResumeStage)
	}

	if err := repo.Pause(ctx, job.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("double pause error = %v, want ErrConflict", err)
	}
}

func TestResumeMakesJobRunnableAgain(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := createJob(t, repo, nil)

	if err := repo.Claim(ctx, job.ID, domain.StatusPending, domain.StatusTagging); err != nil {
		t.Fatal(err)
	}
	if err := repo.Pause(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := repo.Release(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := repo.Resume(ctx, job.ID, domain.StatusTagging); err != nil {
		t.Fatal(err)
	}

	runnable, err := repo.FindRunnable(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runnable) != 1 || runnable[0].ID != job.ID || runnable[0].Status != domain.StatusTagging {
		t.Errorf("runnable = %+v, want resumed job in tagging", runnable)
	}

	// Claiming a resumed job keeps its stage.
	if err := repo.Claim(ctx, job.ID, domain.StatusTagging, domain.StatusTagging); err != nil {
		t.Errorf("re-claim resumed job: %v", err)
	}
}

func TestSetDownloadResultAppendsTags(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := createJob(t, repo, func(j *domain.Job) {
		j.TagsFromSource = []string{"Sky"}
	})

	if err := repo.SetDownloadResult(ctx, job.ID, "/tmp/work/x", []string{"sky", "water"}); err != nil {
		t.Fatal(err)
	}
	got := mustGet(t, repo, job.ID)
	if got.WorkDir != "/tmp/work/x" {
		t.Errorf("WorkDir = %q", got.WorkDir)
	}
	if !reflect.DeepEqual(got.TagsFromSource, []string{"Sky", "water"}) {
		t.Errorf("TagsFromSource = %v, want case-insensitive append", got.TagsFromSource)
	}
}

func TestCompleteAndMerge(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	advance := func(job *domain.Job) {
		t.Helper()
		if err := repo.Claim(ctx, job.ID, domain.StatusPending, domain.StatusDownloading); err != nil {
			t.Fatal(err)
		}
		for _, stage := range []domain.Status{domain.StatusTagging, domain.StatusUploading} {
			if err := repo.SetStage(ctx, job.ID, stage); err != nil {
				t.Fatal(err)
			}
		}
	}

	done := createJob(t, repo, nil)
	advance(done)
	err := repo.Complete(ctx, done.ID, domain.CompleteResult{
		TargetPostID: 101,
		TagsApplied:  []string{"sky"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := mustGet(t, repo, done.ID)
	if got.Status != domain.StatusCompleted || got.TargetPostID != 101 || got.CompletedAt.IsZero() {
		t.Errorf("completed job = %+v", got)
	}

	dup := createJob(t, repo, nil)
	advance(dup)
	err = repo.Complete(ctx, dup.ID, domain.CompleteResult{Merged: true, TargetPostID: 55})
	if err != nil {
		t.Fatalf("Complete(merged): %v", err)
	}
	if got := mustGet(t, repo, dup.ID); got.Status != domain.StatusMerged {
		t.Errorf("merged job status = %s", got.Status)
	}

	// Completing twice misses the predicate.
	err = repo.Complete(ctx, done.ID, domain.CompleteResult{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("double complete error = %v, want ErrConflict", err)
	}
}

func TestFailBumpsRetryCountOnlyWhenScheduled(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	withRetry := createJob(t, repo, nil)
	if err := repo.Claim(ctx, withRetry.ID, domain.StatusPending, domain.StatusDownloading); err != nil {
		t.Fatal(err)
	}
	if err := repo.Fail(ctx, withRetry.ID, "boom", time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got := mustGet(t, repo, withRetry.ID)
	if got.Status != domain.StatusFailed || got.RetryCount != 1 || got.NextRetryAt.IsZero() {
		t.Errorf("failed job = status %s, retries %d, next %v", got.Status, got.RetryCount, got.NextRetryAt)
	}
	if got.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}

	exhausted := createJob(t, repo, nil)
	if err := repo.Claim(ctx, exhausted.ID, domain.StatusPending, domain.StatusDownloading); err != nil {
		t.Fatal(err)
	}
	if err := repo.Fail(ctx, exhausted.ID, "boom", time.Time{}); err != nil {
		t.Fatal(err)
	}
	got = mustGet(t, repo, exhausted.ID)
	if got.RetryCount != 0 || !got.NextRetryAt.IsZero() {
		t.Errorf("terminal failure = retries %d, next %v", got.RetryCount, got.NextRetryAt)
	}
}

func TestRequeueDueRetries(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	failAt := func(next time.Time) *domain.Job {
		t.Helper()
		job := createJob(t, repo, nil)
		if err := repo.Claim(ctx, job.ID, domain.StatusPending, domain.StatusDownloading); err != nil {
			t.Fatal(err)
		}
		if err := repo.Fail(ctx, job.ID, "boom", next); err != nil {
			t.Fatal(err)
		}
		return job
	}

	due := failAt(time.Now().Add(-time.Minute))
	waiting := failAt(time.Now().Add(time.Hour))

	requeued, err := repo.RequeueDueRetries(ctx, time.Now(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(requeued) != 1 || requeued[0].ID != due.ID {
		t.Fatalf("requeued = %+v, want only the due job", requeued)
	}
	if requeued[0].Status != domain.StatusPending {
		t.Errorf("requeued status = %s", requeued[0].Status)
	}
	if got := mustGet(t, repo, waiting.ID); got.Status != domain.StatusFailed {
		t.Errorf("waiting job status = %s, want failed", got.Status)
	}

	// Over-budget jobs stay failed even when due.
	over := failAt(time.Now().Add(-time.Minute))
	requeued, err = repo.RequeueDueRetries(ctx, time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range requeued {
		if j.ID == over.ID {
			t.Error("over-budget job was requeued")
		}
	}
}

func TestRecoverStalePreservesRetryCount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := createJob(t, repo, nil)
	if err := repo.Claim(ctx, job.ID, domain.StatusPending, domain.StatusDownloading); err != nil {
		t.Fatal(err)
	}
	if err := repo.Fail(ctx, job.ID, "boom", time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.RequeueDueRetries(ctx, time.Now(), 3); err != nil {
		t.Fatal(err)
	}
	if err := repo.Claim(ctx, job.ID, domain.StatusPending, domain.StatusDownloading); err != nil {
		t.Fatal(err)
	}

	// Simulated crash: job stranded mid-stage with its claim set.
	n, err := repo.RecoverStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d jobs, want 1", n)
	}
	got := mustGet(t, repo, job.ID)
	if got.Status != domain.StatusPending {
		t.Errorf("recovered status = %s, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("recovered retry count = %d, want 1", got.RetryCount)
	}
}

func TestStats(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	createJob(t, repo, nil)
	done := createJob(t, repo, nil)
	if err := repo.Claim(ctx, done.ID, domain.StatusPending, domain.StatusDownloading); err != nil {
		t.Fatal(err)
	}
	for _, stage := range []domain.Status{domain.StatusTagging, domain.StatusUploading} {
		if err := repo.SetStage(ctx, done.ID, stage); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.Complete(ctx, done.ID, domain.CompleteResult{TargetPostID: 1}); err != nil {
		t.Fatal(err)
	}

	stats, err := repo.Stats(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Last24h != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByStatus[domain.StatusPending] != 1 || stats.ByStatus[domain.StatusCompleted] != 1 {
		t.Errorf("by status = %v", stats.ByStatus)
	}
}

func TestAdvanceFolderRunNeverMovesBackwards(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	last, err := repo.FolderLastRun(ctx, "inbox")
	if err != nil {
		t.Fatal(err)
	}
	if !last.IsZero() {
		t.Errorf("fresh folder last run = %v, want zero", last)
	}

	boundary := time.Date(2026, 2, 1, 14, 0, 0, 0, time.UTC)
	ok, err := repo.AdvanceFolderRun(ctx, "inbox", boundary)
	if err != nil || !ok {
		t.Fatalf("first advance = %v, %v", ok, err)
	}
	// Second pass on the same boundary loses the compare-and-set.
	if ok, _ := repo.AdvanceFolderRun(ctx, "inbox", boundary); ok {
		t.Error("same boundary advanced twice")
	}
	if ok, _ := repo.AdvanceFolderRun(ctx, "inbox", boundary.Add(-time.Hour)); ok {
		t.Error("last run moved backwards")
	}

	last, err = repo.FolderLastRun(ctx, "inbox")
	if err != nil {
		t.Fatal(err)
	}
	if !last.Equal(boundary) {
		t.Errorf("last run = %v, want %v", last, boundary)
	}
}
