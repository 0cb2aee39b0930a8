package contextstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/illmade-knight/go-contextstore/pkg/cache"
	"github.com/rs/zerolog"
)

// Manager owns the context store, its cache, the subscription registry and the
// background reconciler.
//
// Lock order is store lock, then cache, then registry. Nothing acquires them in
// the reverse order.
type Manager struct {
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	archiver SnapshotArchiver

	// mu is the store lock. It guards entries and expiries together.
	mu       sync.RWMutex
	entries  map[string]*Entry
	expiries map[string]time.Time

	cache    *cache.Tiered
	registry *Registry

	lifecycleMu sync.Mutex
	initialized bool
	shutdown    bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a Manager. cfg may be nil to use DefaultConfig, and
// external may be nil to run with only the local cache tier.
func NewManager(cfg *Config, external cache.External, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := cfg.withDefaults()

	tiered, err := cache.NewTiered(cache.TieredConfig{
		TTL:             c.CacheTTL,
		MaxSize:         c.MaxCacheSize,
		ExternalTimeout: c.ExternalCacheTimeout,
	}, external, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	m := &Manager{
		cfg:      c,
		logger:   logger.With().Str("component", "ContextManager").Logger(),
		now:      time.Now,
		entries:  make(map[string]*Entry),
		expiries: make(map[string]time.Time),
		cache:    tiered,
		registry: newRegistry(c.SubscriberBuffer, logger),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Initialize loads the snapshot, if persistence is enabled, and starts the
// background loops. Calling it more than once is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.shutdown {
		return ErrClosed
	}
	if m.initialized {
		return nil
	}

	if m.cfg.EnablePersistence {
		if err := os.MkdirAll(m.cfg.StoragePath, 0o755); err != nil {
			return &PersistenceError{Op: "mkdir", Path: m.cfg.StoragePath, Err: err}
		}
		m.loadSnapshot()
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	m.wg.Add(1)
	go m.runLoop(loopCtx, "expiry_sweep", m.cfg.SweepInterval, m.sweepExpired)

	if m.cfg.EnablePersistence {
		m.wg.Add(1)
		go m.runLoop(loopCtx, "persistence_flush", m.cfg.PersistenceInterval, m.flush)
	}

	m.initialized = true
	m.logger.Info().
		Bool("persistence", m.cfg.EnablePersistence).
		Str("snapshot_path", m.cfg.SnapshotPath()).
		Dur("sweep_interval", m.cfg.SweepInterval).
		Msg("Context manager initialized.")
	return nil
}

// Shutdown stops the background loops, waits for them to finish, writes a
// final snapshot and closes every subscription and the cache. ctx bounds the
// wait for the loops. Calling it more than once is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.shutdown {
		return nil
	}
	m.shutdown = true
	m.logger.Info().Msg("Shutting down context manager...")

	var waitErr error
	if m.cancel != nil {
		m.cancel()
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			waitErr = fmt.Errorf("timed out waiting for background loops: %w", ctx.Err())
			m.logger.Warn().Err(waitErr).Msg("Background loops did not stop in time.")
		}
	}

	// Only flush a store that was loaded; otherwise an empty store would
	// overwrite the previous snapshot.
	if m.initialized && m.cfg.EnablePersistence {
		if err := m.flush(context.WithoutCancel(ctx)); err != nil {
			m.logger.Error().Err(err).Msg("Final snapshot flush failed.")
		}
	}

	m.registry.closeAll()
	if err := m.cache.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to close cache.")
	}

	m.logger.Info().Msg("Context manager stopped.")
	return waitErr
}

// Subscribe registers a live subscription for changes to keys under prefix.
// An empty prefix matches every key and no eventTypes means every type. The
// subscription is closed when ctx is done, when Close is called or when the
// manager shuts down.
func (m *Manager) Subscribe(ctx context.Context, prefix string, eventTypes []EventType) (*Subscription, error) {
	for _, t := range eventTypes {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrValidation, t)
		}
	}

	sub, err := m.registry.register(prefix, eventTypes)
	if err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

// Stats returns a point-in-time view of the manager's sizes.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	keys, expiring := len(m.entries), len(m.expiries)
	m.mu.RUnlock()

	return Stats{
		Keys:          keys,
		ExpiringKeys:  expiring,
		CachedKeys:    m.cache.Len(),
		Subscriptions: m.registry.count(),
		DroppedEvents: m.registry.dropped.Load(),
	}
}
