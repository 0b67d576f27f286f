package fetcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runCommand executes a fetch rule in an isolated temp dir and moves the
// results into workDir on success, so a failed tool never leaves partial
// files behind.
func runCommand(ctx context.Context, r *rule, url, workDir string) error {
	tempDir, err := os.MkdirTemp("", "boorud-fetch-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	args := make([]string, len(r.args))
	for i, arg := range r.args {
		arg = strings.ReplaceAll(arg, "{url}", url)
		arg = strings.ReplaceAll(arg, "{dir}", tempDir)
		args[i] = arg
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = tempDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", r.command, err, string(output))
	}

	return moveFiles(tempDir, workDir)
}

// moveFiles moves files from src to dst, skipping existing ones.
func moveFiles(srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}

	var moved int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())

		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			// Cross-device fallback
			if err := copyFile(src, dst); err != nil {
				return err
			}
			os.Remove(src)
		}
		moved++
	}
	log.Printf("fetch: moved %d file(s) to %s", moved, dstDir)
	return nil
}
