package domain

import "time"

// Update is the transient event broadcast once per persisted transition.
// It is a thin delta: receivers re-fetch the full record when the payload
// carries results, rather than trusting the partial fields.
type Update struct {
	JobID            string    `json:"job_id"`
	Status           Status    `json:"status"`
	Error            string    `json:"error,omitempty"`
	TargetPostID     int64     `json:"target_post_id,omitempty"`
	RelatedPostIDs   []int64   `json:"related_post_ids,omitempty"`
	TagsApplied      []string  `json:"tags_applied,omitempty"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
	DurationSeconds  float64   `json:"duration_seconds,omitempty"`
	RetryCount       int       `json:"retry_count,omitempty"`
	RetriesExhausted bool      `json:"retries_exhausted,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// HasResult reports whether the update signals a terminal-ish condition
// that should make the receiver re-fetch the full job record.
func (u Update) HasResult() bool {
	return u.Status.Terminal() || u.Status == StatusFailed ||
		u.TargetPostID != 0 || len(u.TagsApplied) > 0
}

// Stats are aggregate job counts served as ground truth to clients.
type Stats struct {
	ByStatus           map[Status]int `json:"by_status"`
	Total              int            `json:"total"`
	Last24h            int            `json:"last_24h"`
	AvgDurationSeconds float64        `json:"avg_duration_seconds"`
}
