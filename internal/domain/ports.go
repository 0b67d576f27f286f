package domain

import (
	"context"
	"time"
)

// ListFilter narrows and orders job listings.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
	// Sort is one of "created" (default, newest first), "completed",
	// "duration".
	Sort string
}

// CompleteResult carries the upload stage outcome into persistence.
type CompleteResult struct {
	Merged         bool
	TargetPostID   int64
	RelatedPostIDs []int64
	TagsApplied    []string
}

// JobRepository is the driven port for job persistence. Claim, SetStage and
// the transition methods are compare-and-set operations: they fail with
// ErrConflict when the row no longer matches the expected state.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f ListFilter) ([]Job, error)
	Delete(ctx context.Context, id string) error

	// FindRunnable returns unclaimed jobs a worker may pick up: pending
	// ones plus resumed jobs sitting in an active stage without a claim.
	FindRunnable(ctx context.Context, limit int) ([]Job, error)
	// Claim atomically acquires the job for one worker, moving it from the
	// expected status into the given stage.
	Claim(ctx context.Context, id string, from, to Status) error
	// SetStage advances a claimed job to the next stage. It fails with
	// ErrConflict when the job left the active pipeline, which is how a
	// worker observes a pause or stop requested mid-stage.
	SetStage(ctx context.Context, id string, stage Status) error
	SetDownloadResult(ctx context.Context, id, workDir string, tags []string) error
	SetAITags(ctx context.Context, id string, tags []string, safety Safety) error
	Complete(ctx context.Context, id string, res CompleteResult) error
	// Fail records a failure on a claimed job. A zero nextRetryAt means no
	// automatic retry is scheduled; otherwise the retry count advances.
	Fail(ctx context.Context, id, message string, nextRetryAt time.Time) error
	// Release drops the claim after a pause or stop took effect, folding
	// the elapsed segment into the job's active duration.
	Release(ctx context.Context, id string) error

	Pause(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Resume(ctx context.Context, id string, to Status) error
	// ResetForRetry is the manual retry action: failed back to pending with
	// the retry count zeroed and the error message cleared.
	ResetForRetry(ctx context.Context, id string) error
	// RequeueDueRetries moves failed jobs whose wait window elapsed back to
	// pending, honoring the retry budget, and returns them.
	RequeueDueRetries(ctx context.Context, now time.Time, maxRetries int) ([]Job, error)
	// RecoverStale resets jobs left mid-stage by an unclean shutdown back
	// to pending so they are re-claimed. Retry counts are preserved.
	RecoverStale(ctx context.Context) (int64, error)

	Stats(ctx context.Context, now time.Time) (*Stats, error)

	// FolderLastRun returns the recorded last scan boundary for a folder,
	// or the zero time when the folder never ran.
	FolderLastRun(ctx context.Context, folderID string) (time.Time, error)
	// AdvanceFolderRun moves a folder's last run forward to the given
	// boundary. It never moves backwards; false means another scheduler
	// pass already consumed the boundary.
	AdvanceFolderRun(ctx context.Context, folderID string, to time.Time) (bool, error)
}

// Publisher is the driven port for the push notification channel. Publishing
// is fire-and-forget: a slow subscriber must never block the caller.
type Publisher interface {
	Publish(u Update)
}

// FetchResult is what the downloader returns for one job.
type FetchResult struct {
	// Files are the fetched media files, primary first.
	Files []string
	// Tags are source-site tags extracted alongside the download.
	Tags []string
}

// Fetcher is the driven port for the download stage. Failure is a single
// error outcome, there is no partial-extraction contract.
type Fetcher interface {
	Fetch(ctx context.Context, job *Job, workDir string) (*FetchResult, error)
}

// Tagger is the driven port for AI tag inference, treated as a pure,
// possibly slow function.
type Tagger interface {
	Tag(ctx context.Context, path string, threshold float64) ([]string, Safety, error)
}

// UploadResult is the board's answer to an upload attempt.
type UploadResult struct {
	PostID int64
	// Duplicate signals the content already existed; PostID then refers to
	// the existing post and tags were merged into it.
	Duplicate      bool
	RelatedPostIDs []int64
}

// Board is the driven port for the image board.
type Board interface {
	Upload(ctx context.Context, path string, tags []string, safety Safety) (*UploadResult, error)
	PostTags(ctx context.Context, postID int64) ([]string, error)
	SetPostTags(ctx context.Context, postID int64, tags []string, safety Safety) error
	// FetchContent downloads a post's media into destDir and returns the
	// local path, used by tag_existing jobs.
	FetchContent(ctx context.Context, postID int64, destDir string) (string, error)
}
