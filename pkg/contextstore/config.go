package contextstore

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Config holds the tunables of a Manager. Zero values are replaced by the
// defaults below when the Manager is constructed.
type Config struct {
	// StoragePath is the directory holding the snapshot file.
	StoragePath string
	// SnapshotFile is the snapshot file name inside StoragePath.
	SnapshotFile string
	// EnablePersistence turns on snapshot load, periodic flush and the final
	// flush on shutdown.
	EnablePersistence bool
	// PersistenceInterval is the period between snapshot flushes.
	PersistenceInterval time.Duration
	// SweepInterval is the period between expiry sweeps.
	SweepInterval time.Duration
	// ErrorBackoff is the pause after a failed background iteration.
	ErrorBackoff time.Duration
	// CacheTTL bounds how long a cached value may be served.
	CacheTTL time.Duration
	// MaxCacheSize is the capacity of the local cache.
	MaxCacheSize int
	// ExternalCacheTimeout bounds each external cache call.
	ExternalCacheTimeout time.Duration
	// SubscriberBuffer is the queue length of each subscription.
	SubscriberBuffer int
}

const (
	DefaultSnapshotFile        = "context.json"
	DefaultPersistenceInterval = 60 * time.Second
	DefaultSweepInterval       = 60 * time.Second
	DefaultErrorBackoff        = 5 * time.Second
	DefaultCacheTTL            = 300 * time.Second
	DefaultMaxCacheSize        = 10000
	DefaultExternalTimeout     = 500 * time.Millisecond
	DefaultSubscriberBuffer    = 256
)

// DefaultConfig returns a Config with persistence disabled and every other
// field at its default.
func DefaultConfig() *Config {
	return &Config{
		StoragePath:          "data",
		SnapshotFile:         DefaultSnapshotFile,
		PersistenceInterval:  DefaultPersistenceInterval,
		SweepInterval:        DefaultSweepInterval,
		ErrorBackoff:         DefaultErrorBackoff,
		CacheTTL:             DefaultCacheTTL,
		MaxCacheSize:         DefaultMaxCacheSize,
		ExternalCacheTimeout: DefaultExternalTimeout,
		SubscriberBuffer:     DefaultSubscriberBuffer,
	}
}

func (c Config) withDefaults() Config {
	if c.SnapshotFile == "" {
		c.SnapshotFile = DefaultSnapshotFile
	}
	if c.PersistenceInterval <= 0 {
		c.PersistenceInterval = DefaultPersistenceInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = DefaultMaxCacheSize
	}
	if c.ExternalCacheTimeout <= 0 {
		c.ExternalCacheTimeout = DefaultExternalTimeout
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return c
}

// SnapshotPath is the full path of the snapshot file.
func (c Config) SnapshotPath() string {
	return filepath.Join(c.StoragePath, c.SnapshotFile)
}

// SnapshotArchiver receives a copy of every successfully written snapshot.
// Archive failures are logged and do not affect the local snapshot.
type SnapshotArchiver interface {
	Archive(ctx context.Context, snapshot []byte) error
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the time source. Tests use it to control expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithArchiver attaches a SnapshotArchiver that is called after each flush.
func WithArchiver(a SnapshotArchiver) Option {
	return func(m *Manager) {
		m.archiver = a
	}
}

// GetOption customises a single read.
type GetOption func(*getOptions)

type getOptions struct {
	skipCache bool
}

// SkipCache makes a read go straight to the store.
func SkipCache() GetOption {
	return func(o *getOptions) {
		o.skipCache = true
	}
}

type correlationKey struct{}

// WithCorrelationID returns a context whose mutations are tagged with id in
// the change events they produce.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id attached by WithCorrelationID, if any.
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}

func correlationFor(ctx context.Context) string {
	if id, ok := CorrelationID(ctx); ok {
		return id
	}
	return uuid.NewString()
}
