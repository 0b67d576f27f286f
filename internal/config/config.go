package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-lifetime configuration. Values that may change
// while the engine runs live in the TOML file behind Store instead.
type Config struct {
	Port         int
	DBPath       string
	WorkDir      string
	ConfigFile   string
	APIToken     string
	Workers      int
	PollInterval time.Duration
	// ScanWake is how often the folder scheduler wakes up. Due-ness is
	// decided by clock boundaries, not by this frequency.
	ScanWake   time.Duration
	BoardURL   string
	BoardToken string
	TaggerURL  string
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	return filepath.Join(cacheDir(), "boorud", "jobs.db")
}

// DefaultWorkDir returns the default root for per-job work directories.
func DefaultWorkDir() string {
	return filepath.Join(cacheDir(), "boorud", "work")
}

// DefaultConfigFile returns the default TOML config path using
// XDG_CONFIG_HOME.
func DefaultConfigFile() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "boorud", "config.toml")
}

func cacheDir() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return cacheDir
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || len(path) > 1 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// Load parses flags and environment to build Config.
func Load() *Config {
	godotenv.Load()

	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 8080, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", DefaultDBPath(), "SQLite database path")
	flag.StringVar(&cfg.WorkDir, "work-dir", DefaultWorkDir(), "Root for per-job work directories")
	flag.StringVar(&cfg.ConfigFile, "config", DefaultConfigFile(), "TOML config file (settings, fetchers, folders)")
	flag.StringVar(&cfg.APIToken, "token", "", "API bearer token (empty disables auth)")
	flag.IntVar(&cfg.Workers, "workers", 2, "Worker concurrency")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", 5*time.Second, "Worker poll interval")
	flag.DurationVar(&cfg.ScanWake, "scan-wake", time.Minute, "Folder scheduler wake-up interval")
	flag.StringVar(&cfg.BoardURL, "board-url", "", "Image board base URL")
	flag.StringVar(&cfg.BoardToken, "board-token", "", "Image board API token")
	flag.StringVar(&cfg.TaggerURL, "tagger-url", "", "AI tagger base URL")
	flag.Parse()

	// Env overrides
	if port := os.Getenv("BOORUD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if db := os.Getenv("BOORUD_DB"); db != "" {
		cfg.DBPath = db
	}
	if dir := os.Getenv("BOORUD_WORK_DIR"); dir != "" {
		cfg.WorkDir = dir
	}
	if file := os.Getenv("BOORUD_CONFIG"); file != "" {
		cfg.ConfigFile = file
	}
	if token := os.Getenv("BOORUD_TOKEN"); token != "" {
		cfg.APIToken = token
	}
	if workers := os.Getenv("WORKER_CONCURRENCY"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil && w > 0 {
			cfg.Workers = w
		}
	}
	if u := os.Getenv("BOORUD_BOARD_URL"); u != "" {
		cfg.BoardURL = u
	}
	if t := os.Getenv("BOORUD_BOARD_TOKEN"); t != "" {
		cfg.BoardToken = t
	}
	if u := os.Getenv("BOORUD_TAGGER_URL"); u != "" {
		cfg.TaggerURL = u
	}

	return cfg
}
