package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/mkrull/boorud/internal/domain"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as unix seconds (0 = unset) so claim and retry
// predicates stay plain integer comparisons.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                    TEXT PRIMARY KEY,
    job_type              TEXT NOT NULL,
    status                TEXT NOT NULL DEFAULT 'pending',
    claimed               INTEGER NOT NULL DEFAULT 0,
    url                   TEXT NOT NULL DEFAULT '',
    original_filename     TEXT NOT NULL DEFAULT '',
    source_override       TEXT NOT NULL DEFAULT '',
    source_path           TEXT NOT NULL DEFAULT '',
    safety                TEXT NOT NULL DEFAULT '',
    skip_tagging          INTEGER NOT NULL DEFAULT 0,
    replace_original_tags INTEGER NOT NULL DEFAULT 0,
    target_post_id        INTEGER NOT NULL DEFAULT 0,
    related_post_ids      TEXT NOT NULL DEFAULT '[]',
    error_message         TEXT NOT NULL DEFAULT '',
    tags_applied          TEXT NOT NULL DEFAULT '[]',
    tags_from_source      TEXT NOT NULL DEFAULT '[]',
    tags_from_ai          TEXT NOT NULL DEFAULT '[]',
    retry_count           INTEGER NOT NULL DEFAULT 0,
    next_retry_at         INTEGER NOT NULL DEFAULT 0,
    resume_stage          TEXT NOT NULL DEFAULT '',
    work_dir              TEXT NOT NULL DEFAULT '',
    active_seconds        REAL NOT NULL DEFAULT 0,
    started_at            INTEGER NOT NULL DEFAULT 0,
    completed_at          INTEGER NOT NULL DEFAULT 0,
    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(claimed, status, created_at);
CREATE TABLE IF NOT EXISTS folder_runs (
    folder_id TEXT PRIMARY KEY,
    last_run  INTEGER NOT NULL
);
`

const jobColumns = `id, job_type, status, claimed, url, original_filename, source_override,
    source_path, safety, skip_tagging, replace_original_tags, target_post_id,
    related_post_ids, error_message, tags_applied, tags_from_source, tags_from_ai,
    retry_count, next_retry_at, resume_stage, work_dir, active_seconds,
    started_at, completed_at, created_at, updated_at`

const activeStatuses = `'downloading', 'tagging', 'uploading'`

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Claims race across workers; serialize writes instead of failing on
	// a locked database.
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new job.
func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.StatusPending
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, job_type, status, url, original_filename, source_override,
		    source_path, safety, skip_tagging, replace_original_tags, target_post_id,
		    related_post_ids, tags_applied, tags_from_source, tags_from_ai,
		    work_dir, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.Status, job.URL, job.OriginalFilename, job.SourceOverride,
		job.SourcePath, job.Safety, job.SkipTagging, job.ReplaceOriginalTags, job.TargetPostID,
		marshalInts(job.RelatedPostIDs), marshalTags(job.TagsApplied),
		marshalTags(job.TagsFromSource), marshalTags(job.TagsFromAI),
		job.WorkDir, ts(now), ts(now),
	)
	return err
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// List returns jobs matching the filter, newest first by default.
func (r *Repository) List(ctx context.Context, f domain.ListFilter) ([]domain.Job, error) {
	order := "created_at DESC"
	switch f.Sort {
	case "completed":
		order = "completed_at DESC"
	case "duration":
		order = "active_seconds DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Delete removes a job row.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrJobNotFound)
}

// FindRunnable returns unclaimed jobs a worker may pick up: fresh pending
// jobs plus resumed jobs parked in an active stage.
func (r *Repository) FindRunnable(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE claimed = 0 AND status IN ('pending', `+activeStatuses+`)
		 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Claim atomically acquires a job for one worker. The predicate re-checks
// status and claim flag, so exactly one of two concurrent attempts wins.
func (r *Repository) Claim(ctx context.Context, id string, from, to domain.Status) error {
	now := time.Now()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, claimed = 1, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed = 0`,
		to, ts(now), ts(now), id, from,
	)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrConflict)
}

// SetStage advances a claimed job to the next stage. A pause or stop that
// landed in the meantime makes the predicate miss.
func (r *Repository) SetStage(ctx context.Context, id string, stage domain.Status) error {
	now := ts(time.Now())
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND claimed = 1 AND status IN (`+activeStatuses+`)`,
		stage, now, id,
	)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrConflict)
}

// SetDownloadResult stores the work directory and appends source-site tags.
// Source tags are only ever appended, never overwritten.
func (r *Repository) SetDownloadResult(ctx context.Context, id, workDir string, tags []string) error {
	return r.appendTags(ctx, id, "tags_from_source", tags, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET work_dir = ?, updated_at = ? WHERE id = ?`,
			workDir, ts(time.Now()), id)
		return err
	})
}

// SetAITags appends inferred tags and applies the inferred safety rating.
func (r *Repository) SetAITags(ctx context.Context, id string, tags []string, safety domain.Safety) error {
	return r.appendTags(ctx, id, "tags_from_ai", tags, func(tx *sql.Tx) error {
		if safety == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET safety = ?, updated_at = ? WHERE id = ?`,
			safety, ts(time.Now()), id)
		return err
	})
}

func (r *Repository) appendTags(ctx context.Context, id, column string, tags []string, extra func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT `+column+` FROM jobs WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	existing := unmarshalTags(raw)
	merged := domain.MergeTags(existing, tags)
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		marshalTags(merged), ts(time.Now()), id); err != nil {
		return err
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Complete resolves the upload stage into completed or merged, folding the
// final active segment into the duration and releasing the claim.
func (r *Repository) Complete(ctx context.Context, id string, res domain.CompleteResult) error {
	status := domain.StatusCompleted
	if res.Merged {
		status = domain.StatusMerged
	}
	now := ts(time.Now())
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, claimed = 0, target_post_id = ?, related_post_ids = ?,
		    tags_applied = ?, error_message = '', completed_at = ?,
		    active_seconds = active_seconds + CASE WHEN started_at > 0 THEN ? - started_at ELSE 0 END,
		    started_at = 0, resume_stage = '', updated_at = ?
		 WHERE id = ? AND claimed = 1 AND status = 'uploading'`,
		status, res.TargetPostID, marshalInts(res.RelatedPostIDs),
		marshalTags(res.TagsApplied), now, now, now, id,
	)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrConflict)
}

// Fail records a failure on a claimed job. When a retry is scheduled the
// retry count advances and the job waits in failed, visibly, until the
// re-queue sweep picks it up.
func (r *Repository) Fail(ctx context.Context, id, message string, nextRetryAt time.Time) error {
	now := ts(time.Now())
	bump := 0
	if !nextRetryAt.IsZero() {
		bump = 1
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', claimed = 0, error_message = ?,
		    retry_count = retry_count + ?, next_retry_at = ?,
		    active_seconds = active_seconds + CASE WHEN started_at > 0 THEN ? - started_at ELSE 0 END,
		    started_at = 0, resume_stage = '', updated_at = ?
		 WHERE id = ? AND claimed = 1 AND status IN (`+activeStatuses+`)`,
		message, bump, ts(nextRetryAt), now, now, id,
	)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrConflict)
}

// Release drops a worker's claim after a pause or stop took effect,
// folding the elapsed segment into the active duration.
func (r *Repository) Release(ctx context.Context, id string) error {
	now := ts(time.Now())
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET claimed = 0,
		    active_seconds = active_seconds + CASE WHEN started_at > 0 THEN ? - started_at ELSE 0 END,
		    started_at = 0, updated_at = ?
		 WHERE id = ? AND claimed = 1`,
		now, now, id,
	)
	return err
}

// Pause parks a job. For a job mid-stage the stage is recorded so resume
// returns to it; a pending job pauses with no stage and resumes to pending.
func (r *Repository) Pause(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET resume_stage = CASE WHEN status = 'pending' THEN '' ELSE status END,
		    status = 'paused', next_retry_at = 0, updated_at = ?
		 WHERE id = ? AND status IN ('pending', `+activeStatuses+`)`,
		ts(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrConflict)
}

// Stop parks a job terminally-until-resume. Stopped jobs never keep a
// resume stage; they restart from scratch.
func (r *Repository) Stop(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'stopped', resume_stage = '', next_retry_at = 0, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'paused', `+activeStatuses+`)`,
		ts(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrConflict)
}

// Resume moves a paused or stopped job to the given status. Re-entering an
// active stage resets started_at so paused wall-clock time never counts.
func (r *Repository) Resume(ctx context.Context, id string, to domain.Status) error {
	var started int64
	if to.Active() {
		started = ts(time.Now())
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, resume_stage = '', claimed = 0, started_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('paused', 'stopped')`,
		to, started, ts(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrConflict)
}

// ResetForRetry is the manual retry action: retry count zeroed, error
// cleared, back to pending.
func (r *Repository) ResetForRetry(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', claimed = 0, retry_count = 0,
		    error_message = '', next_retry_at = 0, updated_at = ?
		 WHERE id = ? AND status = 'failed'`,
		ts(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrConflict)
}

// RequeueDueRetries moves failed jobs whose wait window elapsed back to
// pending and returns them. Each flip is its own compare-and-set so a
// concurrent manual retry or stop is never overridden.
func (r *Repository) RequeueDueRetries(ctx context.Context, now time.Time, maxRetries int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM jobs
		 WHERE status = 'failed' AND next_retry_at > 0 AND next_retry_at <= ? AND retry_count <= ?`,
		ts(now), maxRetries)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var requeued []domain.Job
	for _, id := range ids {
		result, err := r.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'pending', claimed = 0, next_retry_at = 0, updated_at = ?
			 WHERE id = ? AND status = 'failed' AND next_retry_at > 0`,
			ts(time.Now()), id)
		if err != nil {
			return requeued, err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue
		}
		job, err := r.Get(ctx, id)
		if err != nil {
			return requeued, err
		}
		requeued = append(requeued, *job)
	}
	return requeued, nil
}

// RecoverStale resets jobs stranded in an active stage by an unclean
// shutdown back to pending. Retry counts are preserved.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', claimed = 0, resume_stage = '',
		    started_at = 0, updated_at = ?
		 WHERE status IN (`+activeStatuses+`)`,
		ts(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats aggregates counts by status, average active-processing duration
// and the number of jobs created in the last 24 hours.
func (r *Repository) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	stats := &domain.Stats{ByStatus: make(map[domain.Status]int)}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[domain.Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cutoff := ts(now.Add(-24 * time.Hour))
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE created_at >= ?`, cutoff).Scan(&stats.Last24h); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := r.db.QueryRowContext(ctx,
		`SELECT AVG(active_seconds) FROM jobs WHERE status IN ('completed', 'merged')`).Scan(&avg); err != nil {
		return nil, err
	}
	stats.AvgDurationSeconds = avg.Float64
	return stats, nil
}

// FolderLastRun returns the recorded last scan boundary for a folder.
func (r *Repository) FolderLastRun(ctx context.Context, folderID string) (time.Time, error) {
	var last int64
	err := r.db.QueryRowContext(ctx,
		`SELECT last_run FROM folder_runs WHERE folder_id = ?`, folderID).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromTS(last), nil
}

// AdvanceFolderRun moves a folder's last run forward, never backwards.
// A false return means another pass already consumed the boundary.
func (r *Repository) AdvanceFolderRun(ctx context.Context, folderID string, to time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO folder_runs (folder_id, last_run) VALUES (?, ?)
		 ON CONFLICT(folder_id) DO UPDATE SET last_run = excluded.last_run
		 WHERE excluded.last_run > folder_runs.last_run`,
		folderID, ts(to),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func expectRow(result sql.Result, miss error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return miss
	}
	return nil
}

func ts(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromTS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

func unmarshalTags(raw string) []string {
	var tags []string
	if raw != "" {
		json.Unmarshal([]byte(raw), &tags)
	}
	return tags
}

func marshalInts(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func unmarshalInts(raw string) []int64 {
	var ids []int64
	if raw != "" {
		json.Unmarshal([]byte(raw), &ids)
	}
	return ids
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var (
		jobType, status, safety, resumeStage      string
		related, applied, fromSource, fromAI      string
		nextRetry, started, completed, crtd, updt int64
	)
	err := row.Scan(
		&job.ID, &jobType, &status, new(int), &job.URL, &job.OriginalFilename,
		&job.SourceOverride, &job.SourcePath, &safety, &job.SkipTagging,
		&job.ReplaceOriginalTags, &job.TargetPostID, &related, &job.ErrorMessage,
		&applied, &fromSource, &fromAI, &job.RetryCount, &nextRetry, &resumeStage,
		&job.WorkDir, &job.ActiveSeconds, &started, &completed, &crtd, &updt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Type = domain.Type(jobType)
	job.Status = domain.Status(status)
	job.Safety = domain.Safety(safety)
	job.ResumeStage = domain.Status(resumeStage)
	job.RelatedPostIDs = unmarshalInts(related)
	job.TagsApplied = unmarshalTags(applied)
	job.TagsFromSource = unmarshalTags(fromSource)
	job.TagsFromAI = unmarshalTags(fromAI)
	job.NextRetryAt = fromTS(nextRetry)
	job.StartedAt = fromTS(started)
	job.CompletedAt = fromTS(completed)
	job.CreatedAt = fromTS(crtd)
	job.UpdatedAt = fromTS(updt)
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
