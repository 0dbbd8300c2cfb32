package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces the override variables, e.g. DOCDB_TRANSFER_DB_NAME.
const envPrefix = "DOCDB_TRANSFER"

// Connection types.
const (
	TypeMongoDB = "mongodb"
	TypeS3      = "s3"
	TypeMemory  = "memory"
)

// Connection is a named endpoint tasks can read from or write to.
type Connection struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`

	// mongodb
	URI string `yaml:"uri" json:"-"`

	// s3
	Bucket    string `yaml:"bucket" json:"bucket,omitempty"`
	Prefix    string `yaml:"prefix" json:"prefix,omitempty"`
	Region    string `yaml:"region" json:"region,omitempty"`
	Endpoint  string `yaml:"endpoint" json:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key" json:"-"`
}

// TransferConfig tunes the copy pipeline.
type TransferConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	MaxBatchMemoryMB    float64       `yaml:"max_batch_memory_mb"`
	ReadBatchSize       int32         `yaml:"read_batch_size"`
	ReadRateLimit       float64       `yaml:"read_rate_limit"`
	MaxConcurrentTasks  int64         `yaml:"max_concurrent_tasks"`
	S3Concurrency       int64         `yaml:"s3_concurrency"`
	StatusFlushInterval time.Duration `yaml:"status_flush_interval"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`
}

type Config struct {
	MongoURI    string         `yaml:"mongo_uri"`
	DBName      string         `yaml:"db_name"`
	ServerPort  string         `yaml:"server_port"`
	LogLevel    string         `yaml:"log_level"`
	Connections []Connection   `yaml:"connections"`
	Transfer    TransferConfig `yaml:"transfer"`
}

// Load reads the YAML file at path, applies .env and environment overrides
// and fills in defaults.
func Load(path string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBName == "" {
		c.DBName = "docdb_transfer"
	}
	if c.ServerPort == "" {
		c.ServerPort = "8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	t := &c.Transfer
	if t.BatchSize <= 0 {
		t.BatchSize = 1000
	}
	if t.MaxBatchMemoryMB <= 0 {
		t.MaxBatchMemoryMB = 16
	}
	if t.ReadBatchSize <= 0 {
		t.ReadBatchSize = 1000
	}
	if t.MaxConcurrentTasks <= 0 {
		t.MaxConcurrentTasks = 4
	}
	if t.S3Concurrency <= 0 {
		t.S3Concurrency = 16
	}
	if t.StatusFlushInterval <= 0 {
		t.StatusFlushInterval = 3 * time.Second
	}
	if t.StopTimeout <= 0 {
		t.StopTimeout = 30 * time.Second
	}

	for i := range c.Connections {
		c.Connections[i].Type = strings.ToLower(c.Connections[i].Type)
		if c.Connections[i].Name == "" {
			c.Connections[i].Name = c.Connections[i].ID
		}
	}
}

func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return errors.New("mongo_uri is required")
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.ID == "" {
			return errors.New("connection without id")
		}
		if seen[conn.ID] {
			return fmt.Errorf("duplicate connection id %q", conn.ID)
		}
		seen[conn.ID] = true

		switch conn.Type {
		case TypeMongoDB:
			if conn.URI == "" {
				return fmt.Errorf("connection %q: uri is required", conn.ID)
			}
		case TypeS3:
			if conn.Bucket == "" {
				return fmt.Errorf("connection %q: bucket is required", conn.ID)
			}
		case TypeMemory:
		default:
			return fmt.Errorf("connection %q: unknown type %q", conn.ID, conn.Type)
		}
	}
	return nil
}

// GetConnection returns the connection with the given id.
func (c *Config) GetConnection(id string) (*Connection, bool) {
	for i := range c.Connections {
		if c.Connections[i].ID == id {
			return &c.Connections[i], true
		}
	}
	return nil, false
}
