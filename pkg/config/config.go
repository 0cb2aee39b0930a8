// Package config handles configuration loading and validation for contextd.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/illmade-knight/go-contextstore/pkg/contextstore"
	"gopkg.in/yaml.v3"
)

// Config holds the contextd configuration.
type Config struct {
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"` // console or json
	HTTPPort        string        `yaml:"http_port"`
	ProjectID       string        `yaml:"project_id"`
	CredentialsFile string        `yaml:"credentials_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Context   ContextConfig   `yaml:"context"`
	Stream    StreamConfig    `yaml:"stream"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	BigQuery  BigQueryConfig  `yaml:"bigquery"`
	GCS       GCSConfig       `yaml:"gcs"`
}

// ContextConfig mirrors contextstore.Config. Durations are written as Go
// duration strings ("60s", "5m").
type ContextConfig struct {
	StoragePath          string        `yaml:"storage_path"`
	SnapshotFile         string        `yaml:"snapshot_file"`
	EnablePersistence    bool          `yaml:"enable_persistence"`
	PersistenceInterval  time.Duration `yaml:"persistence_interval"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	ErrorBackoff         time.Duration `yaml:"error_backoff"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	MaxCacheSize         int           `yaml:"max_cache_size"`
	ExternalCacheTimeout time.Duration `yaml:"external_cache_timeout"`
	SubscriberBuffer     int           `yaml:"subscriber_buffer"`
}

// StreamConfig tunes the Server-Sent Events endpoint.
type StreamConfig struct {
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
}

// RedisConfig enables the Redis external cache tier.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// FirestoreConfig enables the Firestore external cache tier. It is ignored
// when Redis is enabled.
type FirestoreConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Collection string `yaml:"collection"`
}

// PubSubConfig enables relaying change events to a Pub/Sub topic.
type PubSubConfig struct {
	Enabled    bool     `yaml:"enabled"`
	TopicID    string   `yaml:"topic_id"`
	KeyPrefix  string   `yaml:"key_prefix"`
	EventTypes []string `yaml:"event_types"`
}

// BigQueryConfig enables the audit trail of change events.
type BigQueryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatasetID     string        `yaml:"dataset_id"`
	TableID       string        `yaml:"table_id"`
	KeyPrefix     string        `yaml:"key_prefix"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// GCSConfig enables archiving of snapshots to a bucket.
type GCSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	ObjectPrefix string `yaml:"object_prefix"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "console",
		HTTPPort:        ":8080",
		ShutdownTimeout: 15 * time.Second,
		Context: ContextConfig{
			StoragePath:          "data",
			SnapshotFile:         contextstore.DefaultSnapshotFile,
			PersistenceInterval:  contextstore.DefaultPersistenceInterval,
			SweepInterval:        contextstore.DefaultSweepInterval,
			ErrorBackoff:         contextstore.DefaultErrorBackoff,
			CacheTTL:             contextstore.DefaultCacheTTL,
			MaxCacheSize:         contextstore.DefaultMaxCacheSize,
			ExternalCacheTimeout: contextstore.DefaultExternalTimeout,
			SubscriberBuffer:     contextstore.DefaultSubscriberBuffer,
		},
		Stream: StreamConfig{
			KeepAliveInterval: 30 * time.Second,
			RetryInterval:     3 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "context:",
		},
		Firestore: FirestoreConfig{
			Collection: "context-cache",
		},
		PubSub: PubSubConfig{
			TopicID: "context-events",
		},
		BigQuery: BigQueryConfig{
			DatasetID:     "contextd",
			TableID:       "context_events",
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
		GCS: GCSConfig{
			ObjectPrefix: "snapshots",
		},
	}
}

// Load reads configuration from path. If path is empty or does not exist the
// defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills zero values a partial file may have left behind.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.HTTPPort == "" {
		c.HTTPPort = d.HTTPPort
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Context.StoragePath == "" {
		c.Context.StoragePath = d.Context.StoragePath
	}
	if c.Context.SnapshotFile == "" {
		c.Context.SnapshotFile = d.Context.SnapshotFile
	}
	if c.Stream.KeepAliveInterval == 0 {
		c.Stream.KeepAliveInterval = d.Stream.KeepAliveInterval
	}
	if c.Stream.RetryInterval == 0 {
		c.Stream.RetryInterval = d.Stream.RetryInterval
	}
	if c.BigQuery.BatchSize == 0 {
		c.BigQuery.BatchSize = d.BigQuery.BatchSize
	}
	if c.BigQuery.FlushInterval == 0 {
		c.BigQuery.FlushInterval = d.BigQuery.FlushInterval
	}
}

// Validate checks that the configuration is usable. All problems are reported
// together as criterio field errors.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if !isValidLogFormat(c.LogFormat) {
		errs = errs.Append("log_format", fmt.Errorf("must be console or json, got %q", c.LogFormat))
	}
	if c.HTTPPort == "" {
		errs = errs.Append("http_port", fmt.Errorf("cannot be empty"))
	}

	ctx := c.Context
	if ctx.EnablePersistence && ctx.StoragePath == "" {
		errs = errs.Append("context.storage_path", fmt.Errorf("is required when persistence is enabled"))
	}
	for field, d := range map[string]time.Duration{
		"context.persistence_interval":   ctx.PersistenceInterval,
		"context.sweep_interval":         ctx.SweepInterval,
		"context.error_backoff":          ctx.ErrorBackoff,
		"context.cache_ttl":              ctx.CacheTTL,
		"context.external_cache_timeout": ctx.ExternalCacheTimeout,
	} {
		if d < 0 {
			errs = errs.Append(field, fmt.Errorf("cannot be negative, got %s", d))
		}
	}
	if ctx.MaxCacheSize < 0 {
		errs = errs.Append("context.max_cache_size", fmt.Errorf("cannot be negative, got %d", ctx.MaxCacheSize))
	}
	if ctx.SubscriberBuffer < 0 {
		errs = errs.Append("context.subscriber_buffer", fmt.Errorf("cannot be negative, got %d", ctx.SubscriberBuffer))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = errs.Append("redis.addr", fmt.Errorf("is required when redis is enabled"))
	}

	needsProject := c.Firestore.Enabled || c.PubSub.Enabled || c.BigQuery.Enabled || c.GCS.Enabled
	if needsProject && c.ProjectID == "" {
		errs = errs.Append("project_id", fmt.Errorf("is required when a Google Cloud integration is enabled"))
	}
	if c.Firestore.Enabled && c.Firestore.Collection == "" {
		errs = errs.Append("firestore.collection", fmt.Errorf("is required when firestore is enabled"))
	}
	if c.PubSub.Enabled {
		if c.PubSub.TopicID == "" {
			errs = errs.Append("pubsub.topic_id", fmt.Errorf("is required when pubsub is enabled"))
		}
		for _, t := range c.PubSub.EventTypes {
			if !contextstore.EventType(t).Valid() {
				errs = errs.Append("pubsub.event_types", fmt.Errorf("unknown event type %q", t))
			}
		}
	}
	if c.BigQuery.Enabled {
		if c.BigQuery.DatasetID == "" || c.BigQuery.TableID == "" {
			errs = errs.Append("bigquery", fmt.Errorf("dataset_id and table_id are required when bigquery is enabled"))
		}
		if c.BigQuery.BatchSize < 1 {
			errs = errs.Append("bigquery.batch_size", fmt.Errorf("must be at least 1"))
		}
	}
	if c.GCS.Enabled {
		if c.GCS.Bucket == "" {
			errs = errs.Append("gcs.bucket", fmt.Errorf("is required when gcs is enabled"))
		}
		if !ctx.EnablePersistence {
			errs = errs.Append("gcs.enabled", fmt.Errorf("requires context.enable_persistence"))
		}
	}

	return errs.ToError()
}

// StoreConfig converts the context section for contextstore.NewManager.
func (c *Config) StoreConfig() *contextstore.Config {
	return &contextstore.Config{
		StoragePath:          c.Context.StoragePath,
		SnapshotFile:         c.Context.SnapshotFile,
		EnablePersistence:    c.Context.EnablePersistence,
		PersistenceInterval:  c.Context.PersistenceInterval,
		SweepInterval:        c.Context.SweepInterval,
		ErrorBackoff:         c.Context.ErrorBackoff,
		CacheTTL:             c.Context.CacheTTL,
		MaxCacheSize:         c.Context.MaxCacheSize,
		ExternalCacheTimeout: c.Context.ExternalCacheTimeout,
		SubscriberBuffer:     c.Context.SubscriberBuffer,
	}
}

// RelayEventTypes returns the configured Pub/Sub event filter.
func (c *Config) RelayEventTypes() []contextstore.EventType {
	types := make([]contextstore.EventType, 0, len(c.PubSub.EventTypes))
	for _, t := range c.PubSub.EventTypes {
		types = append(types, contextstore.EventType(t))
	}
	return types
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "console", "json":
		return true
	default:
		return false
	}
}
