// Package fetcher implements the download stage: external fetch tools for
// matching URLs, a plain HTTP download as fallback, and local-file ingest
// for uploads and folder scans.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mkrull/boorud/internal/domain"
)

// Fetcher implements domain.Fetcher.
type Fetcher struct {
	registry *Registry
	client   *retryablehttp.Client
}

// New creates a Fetcher using the given rule registry.
func New(registry *Registry) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	return &Fetcher{registry: registry, client: client}
}

// Fetch materializes the job's media in workDir and returns the files plus
// any source-site tags. Failure is a single error outcome.
func (f *Fetcher) Fetch(ctx context.Context, job *domain.Job, workDir string) (*domain.FetchResult, error) {
	switch job.Type {
	case domain.TypeFile:
		return f.ingestFile(job, workDir)
	case domain.TypeURL:
		return f.fetchURL(ctx, job, workDir)
	}
	return nil, fmt.Errorf("job type %s has no download stage", job.Type)
}

// ingestFile copies the stored source file into the work directory.
func (f *Fetcher) ingestFile(job *domain.Job, workDir string) (*domain.FetchResult, error) {
	name := job.OriginalFilename
	if name == "" {
		name = filepath.Base(job.SourcePath)
	}
	if !IsMediaFile(name) {
		return nil, fmt.Errorf("unsupported media file %q", name)
	}
	dst := filepath.Join(workDir, filepath.Base(name))
	if err := copyFile(job.SourcePath, dst); err != nil {
		return nil, fmt.Errorf("ingest %s: %w", job.SourcePath, err)
	}
	return &domain.FetchResult{Files: []string{dst}}, nil
}

func (f *Fetcher) fetchURL(ctx context.Context, job *domain.Job, workDir string) (*domain.FetchResult, error) {
	if r := f.registry.Match(job.URL); r != nil {
		if err := runCommand(ctx, r, job.URL, workDir); err != nil {
			return nil, err
		}
	} else if err := f.download(ctx, job.URL, workDir); err != nil {
		return nil, err
	}

	files, err := MediaFiles(workDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no media files fetched for %s", job.URL)
	}
	return &domain.FetchResult{Files: files, Tags: readSidecarTags(workDir)}, nil
}

// download is the fallback for URLs no rule matches: a direct HTTP fetch
// of the resource itself.
func (f *Fetcher) download(ctx context.Context, rawURL, workDir string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	u, _ := url.Parse(rawURL)
	name := path.Base(u.Path)
	if !IsMediaFile(name) {
		return fmt.Errorf("unsupported media URL %s", rawURL)
	}

	out, err := os.Create(filepath.Join(workDir, name))
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	return nil
}
