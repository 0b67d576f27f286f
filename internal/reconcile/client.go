package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mkrull/boorud/internal/domain"
)

// Client fetches full records from the engine's HTTP API.
type Client struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

// NewClient creates an API client for the given engine.
func NewClient(baseURL, token string) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	return &Client{baseURL: baseURL, token: token, client: client}
}

// jobPayload mirrors the engine's job JSON.
type jobPayload struct {
	ID               string   `json:"id"`
	Type             string   `json:"job_type"`
	Status           string   `json:"status"`
	URL              string   `json:"url"`
	OriginalFilename string   `json:"original_filename"`
	Source           string   `json:"source"`
	Safety           string   `json:"safety"`
	SkipTagging      bool     `json:"skip_tagging"`
	TargetPostID     int64    `json:"target_post_id"`
	RelatedPostIDs   []int64  `json:"related_post_ids"`
	ErrorMessage     string   `json:"error_message"`
	TagsApplied      []string `json:"tags_applied"`
	TagsFromSource   []string `json:"tags_from_source"`
	TagsFromAI       []string `json:"tags_from_ai"`
	RetryCount       int      `json:"retry_count"`
	DurationSeconds  float64  `json:"duration_seconds"`
	CompletedAt      string   `json:"completed_at"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

func (p *jobPayload) toJob() domain.Job {
	job := domain.Job{
		ID:               p.ID,
		Type:             domain.Type(p.Type),
		Status:           domain.Status(p.Status),
		URL:              p.URL,
		OriginalFilename: p.OriginalFilename,
		SourceOverride:   p.Source,
		Safety:           domain.Safety(p.Safety),
		SkipTagging:      p.SkipTagging,
		TargetPostID:     p.TargetPostID,
		RelatedPostIDs:   p.RelatedPostIDs,
		ErrorMessage:     p.ErrorMessage,
		TagsApplied:      p.TagsApplied,
		TagsFromSource:   p.TagsFromSource,
		TagsFromAI:       p.TagsFromAI,
		RetryCount:       p.RetryCount,
		ActiveSeconds:    p.DurationSeconds,
	}
	job.CompletedAt, _ = time.Parse(time.RFC3339, p.CompletedAt)
	job.CreatedAt, _ = time.Parse(time.RFC3339, p.CreatedAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, p.UpdatedAt)
	return job
}

// Job fetches one full record. Absent and unauthorized records both come
// back as domain.ErrJobNotFound; the server never distinguishes them.
func (c *Client) Job(ctx context.Context, id string) (*domain.Job, error) {
	var payload jobPayload
	if err := c.get(ctx, "/jobs/"+id, &payload); err != nil {
		return nil, err
	}
	job := payload.toJob()
	return &job, nil
}

// Jobs fetches the full job list.
func (c *Client) Jobs(ctx context.Context) ([]domain.Job, error) {
	var payloads []jobPayload
	if err := c.get(ctx, "/jobs", &payloads); err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, len(payloads))
	for i := range payloads {
		jobs[i] = payloads[i].toJob()
	}
	return jobs, nil
}

// Stats fetches server-side aggregate counts.
func (c *Client) Stats(ctx context.Context) (*domain.Stats, error) {
	var stats domain.Stats
	if err := c.get(ctx, "/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrJobNotFound
	}
	return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
}
