// Package board is the image-board client. Duplicate content is consumed
// as an opaque signal: a conflict answer naming the existing post.
package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mkrull/boorud/internal/domain"
)

// Client implements domain.Board against the board's HTTP API.
type Client struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

// New creates a board client.
func New(baseURL, token string) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	// A 409 is a duplicate answer, not a transient failure.
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return &Client{baseURL: baseURL, token: token, client: client}
}

type postResponse struct {
	ID             int64    `json:"id"`
	Tags           []string `json:"tags"`
	ContentURL     string   `json:"content_url"`
	RelatedPostIDs []int64  `json:"related_post_ids"`
}

type conflictResponse struct {
	ExistingPostID int64 `json:"existing_post_id"`
}

// Upload posts a media file with its tags. A conflict answer means the
// content already exists; the existing post id is returned with the
// duplicate flag set and no new post is created.
func (c *Client) Upload(ctx context.Context, filePath string, tags []string, safety domain.Safety) (*domain.UploadResult, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("content", filepath.Base(filePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	meta := map[string]any{"tags": tags, "safety": safety}
	metaJSON, _ := json.Marshal(meta)
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/posts", body.Bytes())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("board upload: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		var post postResponse
		if err := json.NewDecoder(resp.Body).Decode(&post); err != nil {
			return nil, fmt.Errorf("board upload: decode: %w", err)
		}
		return &domain.UploadResult{PostID: post.ID, RelatedPostIDs: post.RelatedPostIDs}, nil
	case http.StatusConflict:
		var conflict conflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, fmt.Errorf("board upload: decode conflict: %w", err)
		}
		return &domain.UploadResult{PostID: conflict.ExistingPostID, Duplicate: true}, nil
	}
	return nil, fmt.Errorf("board upload: status %d", resp.StatusCode)
}

// PostTags returns the tag set of an existing post.
func (c *Client) PostTags(ctx context.Context, postID int64) ([]string, error) {
	post, err := c.getPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	return post.Tags, nil
}

// SetPostTags replaces the post's tag set. Callers union beforehand unless
// replacement was explicitly requested.
func (c *Client) SetPostTags(ctx context.Context, postID int64, tags []string, safety domain.Safety) error {
	payload := map[string]any{"tags": tags}
	if safety != "" {
		payload["safety"] = safety
	}
	data, _ := json.Marshal(payload)

	req, err := retryablehttp.NewRequestWithContext(ctx, "PUT",
		fmt.Sprintf("%s/api/posts/%d", c.baseURL, postID), data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("board update post %d: %w", postID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("board update post %d: status %d", postID, resp.StatusCode)
	}
	return nil
}

// FetchContent downloads a post's media into destDir and returns the local
// path.
func (c *Client) FetchContent(ctx context.Context, postID int64, destDir string) (string, error) {
	post, err := c.getPost(ctx, postID)
	if err != nil {
		return "", err
	}
	if post.ContentURL == "" {
		return "", fmt.Errorf("post %d has no content", postID)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", c.resolve(post.ContentURL), nil)
	if err != nil {
		return "", err
	}
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("board content %d: %w", postID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("board content %d: status %d", postID, resp.StatusCode)
	}

	name := path.Base(post.ContentURL)
	dest := filepath.Join(destDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", err
	}
	return dest, nil
}

func (c *Client) getPost(ctx context.Context, postID int64) (*postResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/api/posts/%d", c.baseURL, postID), nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("board get post %d: %w", postID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("board get post %d: status %d", postID, resp.StatusCode)
	}

	var post postResponse
	if err := json.NewDecoder(resp.Body).Decode(&post); err != nil {
		return nil, fmt.Errorf("board get post %d: decode: %w", postID, err)
	}
	return &post, nil
}

func (c *Client) resolve(contentURL string) string {
	if len(contentURL) > 0 && contentURL[0] == '/' {
		return c.baseURL + contentURL
	}
	return contentURL
}

func (c *Client) auth(req *retryablehttp.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
