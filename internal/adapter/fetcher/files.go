package fetcher

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TagSidecar is the optional file an external fetch command may leave in
// the work directory with one source-site tag per line.
const TagSidecar = "tags.txt"

var mediaExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".webm": true,
	".mp4":  true,
	".avif": true,
}

// IsMediaFile reports whether the filename carries a supported media
// extension.
func IsMediaFile(name string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(name))]
}

// MediaFiles returns the media files in dir, sorted by name.
func MediaFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !IsMediaFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// readSidecarTags parses the tag sidecar in dir, returning nil when the
// fetch tool left none.
func readSidecarTags(dir string) []string {
	f, err := os.Open(filepath.Join(dir, TagSidecar))
	if err != nil {
		return nil
	}
	defer f.Close()

	var tags []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tag := strings.TrimSpace(scanner.Text())
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
