package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/atomic"

	"github.com/mkrull/boorud/internal/domain"
)

// Folder interval bounds: 15 minutes to 7 days.
const (
	MinFolderInterval = 900
	MaxFolderInterval = 604800
)

// Settings are the live-reloadable knobs read fresh by every processing
// iteration.
type Settings struct {
	MaxRetries        int     `toml:"max_retries"`
	RetryDelaySeconds int     `toml:"retry_delay_seconds"`
	TagConfidence     float64 `toml:"tag_confidence"`
}

// FetchRule maps a URL pattern to an external fetch command. {url} and
// {dir} placeholders in args are substituted at run time.
type FetchRule struct {
	Name    string   `toml:"name"`
	Pattern string   `toml:"pattern"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// Folder is a recurring upload source scanned on clock-aligned boundaries.
type Folder struct {
	ID              string   `toml:"id"`
	Name            string   `toml:"name"`
	Path            string   `toml:"path"`
	IntervalSeconds int64    `toml:"interval_seconds"`
	Enabled         bool     `toml:"enabled"`
	Tags            []string `toml:"tags"`
	Safety          string   `toml:"safety"`
	SkipTagging     bool     `toml:"skip_tagging"`
}

// Interval returns the scan interval clamped to the allowed bounds.
func (f Folder) Interval() time.Duration {
	secs := f.IntervalSeconds
	if secs < MinFolderInterval {
		secs = MinFolderInterval
	}
	if secs > MaxFolderInterval {
		secs = MaxFolderInterval
	}
	return time.Duration(secs) * time.Second
}

// FileConfig is the TOML document.
type FileConfig struct {
	Settings Settings    `toml:"settings"`
	Fetchers []FetchRule `toml:"fetcher"`
	Folders  []Folder    `toml:"folder"`
}

func defaultSettings() Settings {
	return Settings{
		MaxRetries:        3,
		RetryDelaySeconds: 60,
		TagConfidence:     0.5,
	}
}

// Store holds the current file config behind an atomically swapped
// pointer. Readers always see a complete, immutable snapshot.
type Store struct {
	path string
	cur  atomic.Pointer[FileConfig]
}

// NewStore loads the config file and returns a store for it. A missing
// file is not an error: defaults apply until one appears.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the config file and swaps the snapshot in. Called on
// SIGHUP; a parse error keeps the previous snapshot.
func (s *Store) Reload() error {
	fc := &FileConfig{Settings: defaultSettings()}
	if _, err := os.Stat(s.path); err == nil {
		if _, err := toml.DecodeFile(s.path, fc); err != nil {
			return fmt.Errorf("parse %s: %w", s.path, err)
		}
		if fc.Settings.MaxRetries < 0 {
			fc.Settings.MaxRetries = 0
		}
		if fc.Settings.RetryDelaySeconds <= 0 {
			fc.Settings.RetryDelaySeconds = defaultSettings().RetryDelaySeconds
		}
		if fc.Settings.TagConfidence <= 0 || fc.Settings.TagConfidence > 1 {
			fc.Settings.TagConfidence = defaultSettings().TagConfidence
		}
	}
	s.cur.Store(fc)
	return nil
}

// Snapshot returns the current immutable config snapshot.
func (s *Store) Snapshot() *FileConfig {
	return s.cur.Load()
}

// RetryPolicy builds the retry policy from the current settings.
func (s *Store) RetryPolicy() domain.Policy {
	set := s.Snapshot().Settings
	return domain.Policy{
		MaxRetries: set.MaxRetries,
		RetryDelay: time.Duration(set.RetryDelaySeconds) * time.Second,
	}
}

// TagConfidence returns the current inference confidence threshold.
func (s *Store) TagConfidence() float64 {
	return s.Snapshot().Settings.TagConfidence
}

// Folders returns the configured scheduled folders.
func (s *Store) Folders() []Folder {
	return s.Snapshot().Folders
}

// Fetchers returns the configured fetch rules.
func (s *Store) Fetchers() []FetchRule {
	return s.Snapshot().Fetchers
}
