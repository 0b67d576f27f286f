package domain

import (
	"strings"
	"time"
)

// Status represents the processing state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusTagging     Status = "tagging"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusMerged      Status = "merged"
	StatusFailed      Status = "failed"
	StatusPaused      Status = "paused"
	StatusStopped     Status = "stopped"
)

// Active reports whether the status is an in-flight pipeline stage.
func (s Status) Active() bool {
	return s == StatusDownloading || s == StatusTagging || s == StatusUploading
}

// Terminal reports whether the status is a successful end state.
// Failed, paused and stopped jobs can still re-enter the pipeline.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusMerged
}

// Type determines which pipeline stages apply to a job.
type Type string

const (
	TypeURL         Type = "url"
	TypeFile        Type = "file"
	TypeTagExisting Type = "tag_existing"
)

// Safety is the content rating attached to a job and its board post.
type Safety string

const (
	SafetySafe    Safety = "safe"
	SafetySketchy Safety = "sketchy"
	SafetyUnsafe  Safety = "unsafe"
)

// ValidSafety reports whether the given rating is one of the known values.
func ValidSafety(s Safety) bool {
	return s == SafetySafe || s == SafetySketchy || s == SafetyUnsafe
}

// Job is one unit of work, from intake to terminal state.
type Job struct {
	ID                  string
	Type                Type
	Status              Status
	URL                 string
	OriginalFilename    string
	SourceOverride      string
	Safety              Safety
	SkipTagging         bool
	ReplaceOriginalTags bool
	TargetPostID        int64
	RelatedPostIDs      []int64
	ErrorMessage        string
	// SourcePath is the stored local file a file job ingests.
	SourcePath     string
	TagsApplied    []string
	TagsFromSource []string
	TagsFromAI     []string
	RetryCount     int
	NextRetryAt    time.Time
	// ResumeStage records the stage a paused job returns to. Empty means
	// the job was paused before it ever started.
	ResumeStage Status
	WorkDir     string
	// ActiveSeconds accumulates processing time from earlier run segments,
	// so paused intervals never count towards the reported duration.
	ActiveSeconds float64
	StartedAt     time.Time
	CompletedAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// transitions is the set of allowed status changes. Stage skipping for
// tag_existing jobs is handled in CanTransition.
var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusPaused, StatusStopped},
	StatusDownloading: {StatusTagging, StatusFailed, StatusPaused, StatusStopped},
	StatusTagging:     {StatusUploading, StatusFailed, StatusPaused, StatusStopped},
	StatusUploading:   {StatusCompleted, StatusMerged, StatusFailed, StatusPaused, StatusStopped},
	StatusFailed:      {StatusPending},
	StatusPaused:      {StatusPending, StatusDownloading, StatusTagging, StatusUploading, StatusStopped},
	StatusStopped:     {StatusPending},
}

// CanTransition reports whether the job may move from its current status
// to the given one. tag_existing jobs never visit downloading: they enter
// the pipeline at tagging and leave uploading as merged.
func (j *Job) CanTransition(to Status) bool {
	if j.Type == TypeTagExisting {
		switch {
		case to == StatusDownloading:
			return false
		case j.Status == StatusPending && to == StatusTagging:
			return true
		}
	}
	for _, allowed := range transitions[j.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// FirstStage returns the stage a freshly claimed job enters.
func (j *Job) FirstStage() Status {
	if j.Type == TypeTagExisting {
		return StatusTagging
	}
	return StatusDownloading
}

// NextStage returns the stage following the given one for this job's
// pipeline, or "" when upload resolution is next.
func (j *Job) NextStage(stage Status) Status {
	switch stage {
	case StatusDownloading:
		return StatusTagging
	case StatusTagging:
		return StatusUploading
	}
	return ""
}

// Source returns the display origin of the job. A source override always
// wins over the submitted URL.
func (j *Job) Source() string {
	if j.SourceOverride != "" {
		return j.SourceOverride
	}
	return j.URL
}

// Duration returns the total active processing time in seconds, excluding
// paused and stopped intervals. For running jobs it includes the current
// segment.
func (j *Job) Duration(now time.Time) float64 {
	d := j.ActiveSeconds
	if j.Status.Active() && !j.StartedAt.IsZero() {
		d += now.Sub(j.StartedAt).Seconds()
	}
	return d
}

// MergeTags unions tag sets case-insensitively, preserving order of first
// occurrence. The casing of the first occurrence wins.
func MergeTags(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var merged []string
	for _, set := range sets {
		for _, tag := range set {
			key := strings.ToLower(tag)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, tag)
		}
	}
	return merged
}
