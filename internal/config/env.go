package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides are the settings DOCDB_TRANSFER_* variables may override.
// Unset variables leave the file value in place. Field names are split into
// words, so StatusFlushInterval reads DOCDB_TRANSFER_STATUS_FLUSH_INTERVAL.
type envOverrides struct {
	MongoURI   string `split_words:"true"`
	DBName     string `split_words:"true"`
	ServerPort string `split_words:"true"`
	LogLevel   string `split_words:"true"`

	BatchSize           int           `split_words:"true"`
	MaxBatchMemoryMB    float64       `split_words:"true"`
	ReadBatchSize       int32         `split_words:"true"`
	ReadRateLimit       float64       `split_words:"true"`
	MaxConcurrentTasks  int64         `split_words:"true"`
	S3Concurrency       int64         `split_words:"true"`
	StatusFlushInterval time.Duration `split_words:"true"`
	StopTimeout         time.Duration `split_words:"true"`
}

func (c *Config) applyEnv() error {
	t := &c.Transfer
	o := envOverrides{
		MongoURI:            c.MongoURI,
		DBName:              c.DBName,
		ServerPort:          c.ServerPort,
		LogLevel:            c.LogLevel,
		BatchSize:           t.BatchSize,
		MaxBatchMemoryMB:    t.MaxBatchMemoryMB,
		ReadBatchSize:       t.ReadBatchSize,
		ReadRateLimit:       t.ReadRateLimit,
		MaxConcurrentTasks:  t.MaxConcurrentTasks,
		S3Concurrency:       t.S3Concurrency,
		StatusFlushInterval: t.StatusFlushInterval,
		StopTimeout:         t.StopTimeout,
	}
	if err := envconfig.Process(envPrefix, &o); err != nil {
		return err
	}

	c.MongoURI, c.DBName, c.ServerPort, c.LogLevel = o.MongoURI, o.DBName, o.ServerPort, o.LogLevel
	t.BatchSize = o.BatchSize
	t.MaxBatchMemoryMB = o.MaxBatchMemoryMB
	t.ReadBatchSize = o.ReadBatchSize
	t.ReadRateLimit = o.ReadRateLimit
	t.MaxConcurrentTasks = o.MaxConcurrentTasks
	t.S3Concurrency = o.S3Concurrency
	t.StatusFlushInterval = o.StatusFlushInterval
	t.StopTimeout = o.StopTimeout
	return nil
}
