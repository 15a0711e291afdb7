// Package config provides environment-variable-first configuration loading
// with an optional YAML or TOML file as the base layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// defaultMaxFrameSize is 1 MiB in bytes.
const defaultMaxFrameSize = 1 << 20

// Storage backends.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// Lost-message sinks.
const (
	SinkStore = "store"
	SinkS3    = "s3"
)

// Config holds the complete application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Lost    LostConfig    `yaml:"lost" toml:"lost"`
	Admin   AdminConfig   `yaml:"admin" toml:"admin"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig holds protocol server configuration.
type ServerConfig struct {
	Listen       string        `yaml:"listen" toml:"listen"`
	Domain       string        `yaml:"domain" toml:"domain"`
	MaxFrameSize int           `yaml:"max_frame_size" toml:"max_frame_size"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
}

// StorageConfig selects and locates the mailbox store.
type StorageConfig struct {
	Backend    string `yaml:"backend" toml:"backend"`
	DataDir    string `yaml:"data_dir" toml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

// LostConfig selects where undeliverable messages are kept.
type LostConfig struct {
	Sink string   `yaml:"sink" toml:"sink"`
	S3   S3Config `yaml:"s3" toml:"s3"`
}

// S3Config holds the lost-message bucket settings.
type S3Config struct {
	Bucket          string `yaml:"bucket" toml:"bucket"`
	Region          string `yaml:"region" toml:"region"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	Prefix          string `yaml:"prefix" toml:"prefix"`
}

// AdminConfig holds the admin HTTP server configuration.
type AdminConfig struct {
	// Listen is the admin address. Empty disables the admin server.
	Listen string `yaml:"listen" toml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML or TOML file (chosen by
// extension) as the base layer, then overrides with environment variables.
// Returns an error if the specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables always override file values
	cfg.applyEnvVars()

	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFS, BackendSQLite:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Lost.Sink {
	case SinkStore:
	case SinkS3:
		if c.Lost.S3.Bucket == "" {
			return fmt.Errorf("lost sink %q requires a bucket", SinkS3)
		}
	default:
		return fmt.Errorf("unknown lost sink %q", c.Lost.Sink)
	}
	if c.Server.Domain == "" {
		return fmt.Errorf("server domain must not be empty")
	}
	if c.Server.MaxFrameSize <= 0 {
		return fmt.Errorf("max frame size must be positive, got %d", c.Server.MaxFrameSize)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Server.Listen = ":1400"
	c.Server.Domain = "glo2000.ca"
	c.Server.MaxFrameSize = defaultMaxFrameSize
	c.Server.WriteTimeout = 30 * time.Second
	c.Storage.Backend = BackendFS
	c.Storage.DataDir = "./data"
	c.Storage.SQLitePath = "./glomail.db"
	c.Lost.Sink = SinkStore
	c.Lost.S3.Prefix = "lost"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("GLOMAIL_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("GLOMAIL_DOMAIN"); v != "" {
		c.Server.Domain = v
	}
	if v := os.Getenv("GLOMAIL_MAX_FRAME_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.Server.MaxFrameSize = size
		}
	}
	if v := os.Getenv("GLOMAIL_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.WriteTimeout = d
		}
	}

	if v := os.Getenv("GLOMAIL_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("GLOMAIL_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("GLOMAIL_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}

	if v := os.Getenv("GLOMAIL_LOST_SINK"); v != "" {
		c.Lost.Sink = strings.ToLower(v)
	}
	if v := os.Getenv("GLOMAIL_S3_BUCKET"); v != "" {
		c.Lost.S3.Bucket = v
	}
	if v := os.Getenv("GLOMAIL_S3_REGION"); v != "" {
		c.Lost.S3.Region = v
	}
	if v := os.Getenv("GLOMAIL_S3_ENDPOINT"); v != "" {
		c.Lost.S3.Endpoint = v
	}
	if v := os.Getenv("GLOMAIL_S3_ACCESS_KEY_ID"); v != "" {
		c.Lost.S3.AccessKeyID = v
	}
	if v := os.Getenv("GLOMAIL_S3_SECRET_ACCESS_KEY"); v != "" {
		c.Lost.S3.SecretAccessKey = v
	}
	if v := os.Getenv("GLOMAIL_S3_PREFIX"); v != "" {
		c.Lost.S3.Prefix = v
	}

	if v := os.Getenv("GLOMAIL_ADMIN_LISTEN"); v != "" {
		c.Admin.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
