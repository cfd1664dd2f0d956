package sensorlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config groups the configuration for every component of the pipeline.
type Config struct {
	// Store holds the record store settings.
	Store StoreConfig

	// Server holds the TCP ingestion server settings.
	Server ServerConfig

	// Client holds the sending-side transport settings.
	Client ClientConfig

	// Feed holds the live subscription feed settings.
	Feed FeedConfig

	// ColdStore holds the optional archive upload settings.
	// If nil or Enabled is false, sealed archives stay local only.
	ColdStore *ColdStoreConfig
}

// StoreConfig groups record store settings.
type StoreConfig struct {
	// LogDir is the directory holding the active segment and the archive
	// subdirectory. Required.
	LogDir string

	// FilenamePattern names the active segment from the current time,
	// in strftime form. Default: "%Y-%m-%d.csv".
	FilenamePattern string

	// BufferSize is the number of readings buffered before a flush.
	// Default: 100.
	BufferSize int

	// RotateEvery is the maximum age of the active segment before rotation.
	// Default: 24 hours.
	RotateEvery time.Duration

	// MaxSegmentBytes is the maximum active segment size before rotation.
	// Default: 10MB.
	MaxSegmentBytes int64

	// RotateAfterLines is the cumulative line count triggering rotation.
	// Default: 100,000.
	RotateAfterLines int

	// Retention is how long sealed archives are kept before deletion.
	// Default: 30 days.
	Retention time.Duration

	// CatalogPath is the SQLite archive catalog file. Empty disables the
	// catalog; queries then scan every archive.
	CatalogPath string
}

// ServerConfig groups ingestion server settings.
type ServerConfig struct {
	// Address to listen on. Default: ":5555".
	Address string

	// MaxConnections caps concurrent handlers. 0 means unlimited.
	MaxConnections int

	// ReadTimeout bounds the wait for a frame on an accepted connection.
	// 0 means no deadline.
	ReadTimeout time.Duration
}

// ClientConfig groups client transport settings.
type ClientConfig struct {
	// Host of the ingestion server. Default: "localhost".
	Host string

	// Port of the ingestion server. Default: 5555.
	Port int

	// DialTimeout bounds connection establishment. Default: 5 seconds.
	DialTimeout time.Duration

	// AckTimeout bounds the wait for an acknowledgment. Default: 5 seconds.
	AckTimeout time.Duration

	// Retries is the number of send attempts before giving up. Default: 3.
	Retries int

	// RetryDelay is the fixed delay between attempts. Default: 1 second.
	RetryDelay time.Duration
}

// FeedConfig groups live feed settings.
type FeedConfig struct {
	// BufferSize is the channel buffer per subscription. Default: 1000.
	BufferSize int

	// WriteTimeout bounds WebSocket writes. Default: 10 seconds.
	WriteTimeout time.Duration
}

// ColdStoreConfig configures archive upload to S3-compatible storage.
type ColdStoreConfig struct {
	Enabled  bool
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles or the standard
	// environment variables over setting these directly.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all uploaded archives
	UsePathStyle    bool
	MaxRetries      int // Max retry attempts per operation (default: 3)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(logDir string) Config {
	return Config{
		Store: StoreConfig{
			LogDir:           logDir,
			FilenamePattern:  "%Y-%m-%d.csv",
			BufferSize:       100,
			RotateEvery:      24 * time.Hour,
			MaxSegmentBytes:  10 * 1024 * 1024,
			RotateAfterLines: 100_000,
			Retention:        30 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Address: ":5555",
		},
		Client: ClientConfig{
			Host:        "localhost",
			Port:        5555,
			DialTimeout: 5 * time.Second,
			AckTimeout:  5 * time.Second,
			Retries:     3,
			RetryDelay:  time.Second,
		},
		Feed: FeedConfig{
			BufferSize:   1000,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// fileConfig is the flat on-disk configuration schema. Field names match
// the options recognized by the original deployment files.
type fileConfig struct {
	LogDir           *string  `yaml:"log_dir" json:"log_dir"`
	FilenamePattern  *string  `yaml:"filename_pattern" json:"filename_pattern"`
	BufferSize       *int     `yaml:"buffer_size" json:"buffer_size"`
	RotateEveryHours *float64 `yaml:"rotate_every_hours" json:"rotate_every_hours"`
	MaxSizeMB        *float64 `yaml:"max_size_mb" json:"max_size_mb"`
	RotateAfterLines *int     `yaml:"rotate_after_lines" json:"rotate_after_lines"`
	RetentionDays    *int     `yaml:"retention_days" json:"retention_days"`
	Host             *string  `yaml:"host" json:"host"`
	Port             *int     `yaml:"port" json:"port"`
	Timeout          *float64 `yaml:"timeout" json:"timeout"`
	Retries          *int     `yaml:"retries" json:"retries"`
}

// LoadConfig reads a YAML or JSON configuration file (chosen by extension)
// and overlays it on DefaultConfig. Options absent from the file keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}

	cfg := DefaultConfig("")
	if fc.LogDir != nil {
		cfg.Store.LogDir = *fc.LogDir
	}
	if fc.FilenamePattern != nil {
		cfg.Store.FilenamePattern = *fc.FilenamePattern
	}
	if fc.BufferSize != nil {
		cfg.Store.BufferSize = *fc.BufferSize
	}
	if fc.RotateEveryHours != nil {
		cfg.Store.RotateEvery = time.Duration(*fc.RotateEveryHours * float64(time.Hour))
	}
	if fc.MaxSizeMB != nil {
		cfg.Store.MaxSegmentBytes = int64(*fc.MaxSizeMB * 1024 * 1024)
	}
	if fc.RotateAfterLines != nil {
		cfg.Store.RotateAfterLines = *fc.RotateAfterLines
	}
	if fc.RetentionDays != nil {
		cfg.Store.Retention = time.Duration(*fc.RetentionDays) * 24 * time.Hour
	}
	if fc.Host != nil {
		cfg.Client.Host = *fc.Host
	}
	if fc.Port != nil {
		cfg.Client.Port = *fc.Port
		cfg.Server.Address = fmt.Sprintf(":%d", *fc.Port)
	}
	if fc.Timeout != nil {
		d := time.Duration(*fc.Timeout * float64(time.Second))
		cfg.Client.DialTimeout = d
		cfg.Client.AckTimeout = d
	}
	if fc.Retries != nil {
		cfg.Client.Retries = *fc.Retries
	}
	return cfg, nil
}

// normalize fills zero-valued store settings with defaults.
func (c *StoreConfig) normalize() {
	def := DefaultConfig("").Store
	if c.FilenamePattern == "" {
		c.FilenamePattern = def.FilenamePattern
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.RotateEvery <= 0 {
		c.RotateEvery = def.RotateEvery
	}
	if c.MaxSegmentBytes <= 0 {
		c.MaxSegmentBytes = def.MaxSegmentBytes
	}
	if c.RotateAfterLines <= 0 {
		c.RotateAfterLines = def.RotateAfterLines
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
}
