package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TieredConfig holds configuration for a Tiered cache.
type TieredConfig struct {
	// TTL bounds how long any tier may serve a value after it was written.
	TTL time.Duration
	// MaxSize is the capacity of the local tier.
	MaxSize int
	// ExternalTimeout bounds each call to the external tier.
	ExternalTimeout time.Duration
}

// Tiered fronts a bounded LocalCache with an optional shared External cache.
// Reads consult the external tier first and fall back to the local tier; writes
// and invalidations go to both. The cache is strictly best-effort: external
// failures are logged and never returned.
//
// External entries carry their own expiry, checked against the caller's clock
// on every read, so the shared tier never serves a key past its deadline. A
// key whose external copy could be neither replaced nor removed is read from
// the local tier only until that copy has certainly expired.
type Tiered struct {
	local    *LocalCache[string, json.RawMessage]
	external External
	ttl      time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	// wall measures how long a stale external copy can survive. External
	// expiry runs on the cache server's clock, not the caller's.
	wall  func() time.Time
	mu    sync.Mutex
	stale map[string]time.Time
}

// externalEntry is the payload written to the external tier.
type externalEntry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at"`
}

// NewTiered creates a Tiered cache. external may be nil, in which case only the
// local tier is used.
func NewTiered(cfg TieredConfig, external External, logger zerolog.Logger) (*Tiered, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = 500 * time.Millisecond
	}

	local, err := NewLocalCache[string, json.RawMessage](cfg.MaxSize)
	if err != nil {
		return nil, err
	}

	return &Tiered{
		local:    local,
		external: external,
		ttl:      cfg.TTL,
		timeout:  cfg.ExternalTimeout,
		logger:   logger.With().Str("component", "TieredCache").Logger(),
		wall:     time.Now,
		stale:    make(map[string]time.Time),
	}, nil
}

// Fetch returns the cached value for key as of now.
func (t *Tiered) Fetch(ctx context.Context, key string, now time.Time) (json.RawMessage, bool) {
	if t.external != nil && !t.isStale(key) {
		if value, ok := t.fetchExternal(ctx, key, now); ok {
			return value, true
		}
	}
	return t.local.Fetch(key, now)
}

func (t *Tiered) fetchExternal(ctx context.Context, key string, now time.Time) (json.RawMessage, bool) {
	extCtx, cancel := context.WithTimeout(ctx, t.timeout)
	data, err := t.external.Fetch(extCtx, key)
	cancel()
	switch {
	case errors.Is(err, ErrMiss):
		return nil, false
	case err != nil:
		t.logger.Warn().Err(err).Str("key", key).Msg("External cache fetch failed, falling back to local cache.")
		return nil, false
	}

	var entry externalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("Undecodable external cache entry ignored.")
		return nil, false
	}
	if !now.Before(time.Unix(0, entry.ExpiresAt)) {
		return nil, false
	}
	return entry.Value, true
}

// Write caches value for key. The entry expires after the configured TTL or at
// deadline, whichever comes first; a zero deadline means the key never expires.
func (t *Tiered) Write(ctx context.Context, key string, value json.RawMessage, now, deadline time.Time) {
	expiry := now.Add(t.ttl)
	if !deadline.IsZero() && deadline.Before(expiry) {
		expiry = deadline
	}
	if !expiry.After(now) {
		t.Invalidate(ctx, key)
		return
	}

	if t.external != nil {
		t.writeExternal(ctx, key, externalEntry{Value: value, ExpiresAt: expiry.UnixNano()}, expiry.Sub(now))
	}
	t.local.Write(key, value, expiry)
}

// writeExternal replaces the external copy. If that fails the old copy is
// removed instead, and if that fails too the key is marked stale.
func (t *Tiered) writeExternal(ctx context.Context, key string, entry externalEntry, ttl time.Duration) {
	data, err := json.Marshal(entry)
	if err == nil {
		extCtx, cancel := context.WithTimeout(ctx, t.timeout)
		err = t.external.Write(extCtx, key, data, ttl)
		cancel()
	}
	if err == nil {
		t.clearStale(key)
		return
	}
	t.logger.Warn().Err(err).Str("key", key).Msg("External cache write failed, removing the previous copy.")
	t.deleteExternal(ctx, key)
}

// Invalidate removes key from both tiers.
func (t *Tiered) Invalidate(ctx context.Context, key string) {
	if t.external != nil {
		t.deleteExternal(ctx, key)
	}
	t.local.Invalidate(key)
}

func (t *Tiered) deleteExternal(ctx context.Context, key string) {
	extCtx, cancel := context.WithTimeout(ctx, t.timeout)
	err := t.external.Delete(extCtx, key)
	cancel()
	if err == nil {
		t.clearStale(key)
		return
	}
	t.logger.Warn().Err(err).Str("key", key).Msg("External cache delete failed, bypassing the external copy.")
	t.markStale(key)
}

// markStale bypasses the external tier for key for one cache TTL, the longest
// any external copy can live.
func (t *Tiered) markStale(key string) {
	t.mu.Lock()
	t.stale[key] = t.wall().Add(t.ttl)
	t.mu.Unlock()
}

func (t *Tiered) clearStale(key string) {
	t.mu.Lock()
	delete(t.stale, key)
	t.mu.Unlock()
}

func (t *Tiered) isStale(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.stale[key]
	if !ok {
		return false
	}
	if t.wall().Before(until) {
		return true
	}
	delete(t.stale, key)
	return false
}

// Len returns the size of the local tier.
func (t *Tiered) Len() int {
	return t.local.Len()
}

// Close releases the external tier, if any.
func (t *Tiered) Close() error {
	t.local.Purge()
	if t.external == nil {
		return nil
	}
	return t.external.Close()
}
