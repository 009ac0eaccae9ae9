// Package config loads and validates fusedbd configuration.
//
// Precedence, lowest to highest: built-in defaults, YAML config file,
// FUSEDB_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete worker configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Search SearchConfig `yaml:"search"`
	Queue  QueueConfig  `yaml:"queue"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig configures the embedded database.
type StoreConfig struct {
	// Path is the database file path. ":memory:" opens a transient store.
	Path string `yaml:"path"`

	// Dimensions is the default embedding dimension for new collections.
	Dimensions int `yaml:"dimensions"`

	// DistanceMetric is "cos" or "l2".
	DistanceMetric string `yaml:"distance_metric"`

	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// SearchConfig configures the hybrid search pipeline.
type SearchConfig struct {
	// DefaultLimit is the result count when the request omits one.
	DefaultLimit int `yaml:"default_limit"`

	// MaxLimit caps the result count.
	MaxLimit int `yaml:"max_limit"`

	// CandidateK is the per-signal candidate pool size.
	CandidateK int `yaml:"candidate_k"`

	// RRFConstant is the K in 1/(K+rank).
	RRFConstant int `yaml:"rrf_constant"`

	// FTSWeight, VecWeight, LikeWeight are the default fusion weights.
	FTSWeight  float64 `yaml:"fts_weight"`
	VecWeight  float64 `yaml:"vec_weight"`
	LikeWeight float64 `yaml:"like_weight"`
}

// QueueConfig configures the embedding queue.
type QueueConfig struct {
	// MaxDepth is the pending-job count beyond which inserts are rejected.
	MaxDepth int `yaml:"max_depth"`

	// Retention is how long terminal (completed/failed) jobs are kept.
	Retention time.Duration `yaml:"retention"`

	// PruneSchedule is the cron expression for the retention janitor.
	PruneSchedule string `yaml:"prune_schedule"`

	// MaxRetries bounds per-job retry attempts before a job is failed.
	MaxRetries int `yaml:"max_retries"`
}

// ServerConfig configures the RPC boundary.
type ServerConfig struct {
	// SocketPath is the unix socket the worker listens on.
	SocketPath string `yaml:"socket_path"`

	// RequestTimeout is the per-call deadline.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	FilePath  string `yaml:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:           defaultDBPath(),
			Dimensions:     384,
			DistanceMetric: "cos",
			BusyTimeout:    5 * time.Second,
		},
		Search: SearchConfig{
			DefaultLimit: 10,
			MaxLimit:     100,
			CandidateK:   50,
			RRFConstant:  60,
			FTSWeight:    1.0,
			VecWeight:    1.0,
			LikeWeight:   0.5,
		},
		Queue: QueueConfig{
			MaxDepth:      10000,
			Retention:     24 * time.Hour,
			PruneSchedule: "@every 1h",
			MaxRetries:    3,
		},
		Server: ServerConfig{
			SocketPath:     defaultSocketPath(),
			RequestTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values from FUSEDB_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("FUSEDB_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FUSEDB_SOCKET"); v != "" {
		c.Server.SocketPath = v
	}
	if v := os.Getenv("FUSEDB_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FUSEDB_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Store.Dimensions = n
		}
	}
	if v := os.Getenv("FUSEDB_QUEUE_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.MaxDepth = n
		}
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Store.Dimensions <= 0 {
		return fmt.Errorf("store.dimensions must be positive, got %d", c.Store.Dimensions)
	}
	if c.Store.DistanceMetric != "cos" && c.Store.DistanceMetric != "l2" {
		return fmt.Errorf("store.distance_metric must be cos or l2, got %q", c.Store.DistanceMetric)
	}
	if c.Search.DefaultLimit <= 0 || c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search.default_limit %d out of range (max %d)", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive, got %d", c.Search.RRFConstant)
	}
	if c.Queue.MaxDepth <= 0 {
		return fmt.Errorf("queue.max_depth must be positive, got %d", c.Queue.MaxDepth)
	}
	return nil
}

func defaultDBPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "fusedb", "store.db")
	}
	return filepath.Join(os.TempDir(), "fusedb", "store.db")
}

func defaultSocketPath() string {
	return filepath.Join(os.TempDir(), "fusedbd.sock")
}
