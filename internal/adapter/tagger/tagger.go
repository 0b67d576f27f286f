// Package tagger calls the AI tagging service over HTTP. The model runtime
// is an external collaborator; this adapter only ships a file and filters
// the answer by confidence.
package tagger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mkrull/boorud/internal/domain"
)

// Client implements domain.Tagger against a tagger HTTP service.
type Client struct {
	baseURL string
	client  *retryablehttp.Client
}

// New creates a tagger client.
func New(baseURL string) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	return &Client{baseURL: baseURL, client: client}
}

// inferResponse is the tagger service answer.
type inferResponse struct {
	Tags []struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"tags"`
	Safety string `json:"safety"`
}

// Tag runs inference on the file and returns tags scoring at or above the
// threshold, plus the inferred safety rating when the service provides one.
func (c *Client) Tag(ctx context.Context, path string, threshold float64) ([]string, domain.Safety, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", c.baseURL+"/infer", body.Bytes())
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tagger: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, "", fmt.Errorf("tagger: status %d", resp.StatusCode)
	}

	var parsed inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, "", fmt.Errorf("tagger: decode: %w", err)
	}

	var tags []string
	for _, t := range parsed.Tags {
		if t.Score >= threshold {
			tags = append(tags, t.Name)
		}
	}
	safety := domain.Safety(parsed.Safety)
	if !domain.ValidSafety(safety) {
		safety = ""
	}
	return tags, safety, nil
}
