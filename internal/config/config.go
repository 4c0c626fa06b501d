// Package config provides configuration for the feedsync service and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents how the process runs.
type Mode string

const (
	// ModeServe runs the scheduler and the HTTP API until stopped.
	ModeServe Mode = "serve"
	// ModeOnce runs a single sync pass and exits.
	ModeOnce Mode = "once"
)

// Config holds the configuration of a feedsync process.
type Config struct {
	// Mode specifies how to run: serve or once
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for the manifest, local storage and logs
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Database is the sync target
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Source is the feed location
	Source SourceConfig `json:"source" yaml:"source"`

	Sync      SyncConfig      `json:"sync" yaml:"sync"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`

	// Storage holds archived snapshots
	Storage StorageConfig `json:"storage" yaml:"storage"`

	Archive  ArchiveConfig  `json:"archive" yaml:"archive"`
	Manifest ManifestConfig `json:"manifest" yaml:"manifest"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// DatabaseConfig holds the target database connection.
type DatabaseConfig struct {
	// Driver is the target dialect: postgres or sqlite
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the driver-specific connection string
	DSN string `json:"dsn" yaml:"dsn"`
}

// SourceConfig holds feed source configuration.
type SourceConfig struct {
	// URL is an http(s):// URL, an s3://bucket/key URI or a local path
	URL string `json:"url" yaml:"url"`

	// Root is the container element whose children are groups (default shop)
	Root string `json:"root" yaml:"root"`

	// Timeout bounds one HTTP fetch
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	UserAgent   string `json:"user_agent" yaml:"user_agent"`
	InsecureTLS bool   `json:"insecure_tls" yaml:"insecure_tls"`
}

// SyncConfig controls sync passes.
type SyncConfig struct {
	// Mode is strict or permissive
	Mode string `json:"mode" yaml:"mode"`

	// BatchPolicy is continue or stop
	BatchPolicy string `json:"batch_policy" yaml:"batch_policy"`

	// Tables restricts passes to these tables. Empty syncs every group.
	Tables []string `json:"tables" yaml:"tables"`

	// SkipUnchanged skips a pass when the feed fingerprint matches the last
	// committed pass of every table
	SkipUnchanged bool `json:"skip_unchanged" yaml:"skip_unchanged"`
}

// SchedulerConfig controls the serve-mode scheduler.
type SchedulerConfig struct {
	// Interval between scheduled passes; zero disables the timer
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Watch triggers a pass when a local feed file changes
	Watch bool `json:"watch" yaml:"watch"`

	// Debounce collapses bursts of file events
	Debounce time.Duration `json:"debounce" yaml:"debounce"`

	// RunOnStart runs a pass as soon as the scheduler starts
	RunOnStart bool `json:"run_on_start" yaml:"run_on_start"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address; empty disables the API
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// ArchiveConfig controls snapshot archiving.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Prefix  string `json:"prefix" yaml:"prefix"`

	// Retention prunes snapshots older than this unless the run log still
	// references them; zero keeps everything
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// ManifestConfig controls the run log.
type ManifestConfig struct {
	// Path of manifest.db; defaults to DataDir/manifest.db
	Path string `json:"path" yaml:"path"`

	// Retention prunes run log entries older than this; zero keeps everything
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// LogConfig controls log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeServe,
		DataDir: "./data/feedsync",
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Source: SourceConfig{
			Root:      "shop",
			Timeout:   60 * time.Second,
			UserAgent: "feedsync",
		},
		Sync: SyncConfig{
			Mode:        "permissive",
			BatchPolicy: "continue",
		},
		Scheduler: SchedulerConfig{
			Interval:   15 * time.Minute,
			Debounce:   500 * time.Millisecond,
			RunOnStart: true,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Prefix:  "snapshots",
		},
		Manifest: ManifestConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/feedsync"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Manifest.Path == "" {
		c.Manifest.Path = filepath.Join(c.DataDir, "manifest.db")
	}
	if c.Database.DSN == "" && isSQLite(c.Database.Driver) {
		c.Database.DSN = filepath.Join(c.DataDir, "target.db")
	}
	if c.Source.Root == "" {
		c.Source.Root = "shop"
	}
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}

// ManifestPath returns the path to the manifest database.
func (c *Config) ManifestPath() string {
	if c.Manifest.Path != "" {
		return c.Manifest.Path
	}
	return filepath.Join(c.DataDir, "manifest.db")
}

// WatchPath returns the local feed file to watch, or "" when the source is
// remote or watching is disabled.
func (c *Config) WatchPath() string {
	if !c.Scheduler.Watch {
		return ""
	}
	u := c.Source.URL
	if u == "" || (strings.Contains(u, "://") && !strings.HasPrefix(u, "file://")) {
		return ""
	}
	return strings.TrimPrefix(u, "file://")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServe, ModeOnce:
	default:
		return fmt.Errorf("invalid mode: %s (must be serve or once)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "pq", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for %s", c.Database.Driver)
	}

	switch c.Sync.Mode {
	case "strict", "permissive", "":
	default:
		return fmt.Errorf("invalid sync mode: %s (must be strict or permissive)", c.Sync.Mode)
	}
	switch c.Sync.BatchPolicy {
	case "continue", "stop", "abort", "":
	default:
		return fmt.Errorf("invalid batch policy: %s (must be continue or stop)", c.Sync.BatchPolicy)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Scheduler.Interval < 0 {
		return fmt.Errorf("scheduler.interval must not be negative")
	}
	if c.Mode == ModeServe && c.Scheduler.Interval == 0 && !c.Scheduler.Watch && c.HTTP.Addr == "" {
		return fmt.Errorf("serve mode needs scheduler.interval, scheduler.watch or http.addr")
	}
	if c.Scheduler.Watch && c.WatchPath() == "" {
		return fmt.Errorf("scheduler.watch requires a local source.url")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the FEEDSYNC_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FEEDSYNC_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("FEEDSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Database configuration
	if v := os.Getenv("FEEDSYNC_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("FEEDSYNC_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Source configuration
	if v := os.Getenv("FEEDSYNC_SOURCE_URL"); v != "" {
		cfg.Source.URL = v
	}
	if v := os.Getenv("FEEDSYNC_SOURCE_ROOT"); v != "" {
		cfg.Source.Root = v
	}
	if v := os.Getenv("FEEDSYNC_SOURCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Source.Timeout = d
		}
	}
	if v := os.Getenv("FEEDSYNC_SOURCE_INSECURE_TLS"); v != "" {
		cfg.Source.InsecureTLS = parseBool(v)
	}

	// Sync configuration
	if v := os.Getenv("FEEDSYNC_SYNC_MODE"); v != "" {
		cfg.Sync.Mode = v
	}
	if v := os.Getenv("FEEDSYNC_SYNC_BATCH_POLICY"); v != "" {
		cfg.Sync.BatchPolicy = v
	}
	if v := os.Getenv("FEEDSYNC_SYNC_TABLES"); v != "" {
		cfg.Sync.Tables = splitList(v)
	}
	if v := os.Getenv("FEEDSYNC_SYNC_SKIP_UNCHANGED"); v != "" {
		cfg.Sync.SkipUnchanged = parseBool(v)
	}

	// Scheduler configuration
	if v := os.Getenv("FEEDSYNC_SCHEDULER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Interval = d
		}
	}
	if v := os.Getenv("FEEDSYNC_SCHEDULER_WATCH"); v != "" {
		cfg.Scheduler.Watch = parseBool(v)
	}

	// HTTP configuration
	if v, ok := os.LookupEnv("FEEDSYNC_HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}

	// Storage configuration
	if v := os.Getenv("FEEDSYNC_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("FEEDSYNC_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FEEDSYNC_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("FEEDSYNC_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("FEEDSYNC_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("FEEDSYNC_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = parseBool(v)
	}

	// Archive configuration
	if v := os.Getenv("FEEDSYNC_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = parseBool(v)
	}
	if v := os.Getenv("FEEDSYNC_ARCHIVE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.Retention = d
		}
	}

	// Log configuration
	if v := os.Getenv("FEEDSYNC_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("FEEDSYNC_LOG_MAX_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Log.MaxSizeMB = n
		}
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.ManifestPath()),
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
