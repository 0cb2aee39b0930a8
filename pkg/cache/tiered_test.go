package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-contextstore/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockExternal is a test double for the cache.External interface.
type mockExternal struct {
	mu       sync.Mutex
	data     map[string][]byte
	ttls     map[string]time.Duration
	failWith error
	// writeErr and deleteErr fail only that operation.
	writeErr  error
	deleteErr error
	closed    bool
}

func newMockExternal() *mockExternal {
	return &mockExternal{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *mockExternal) Fetch(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	d, ok := m.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return d, nil
}

func (m *mockExternal) Write(_ context.Context, key string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	m.data[key] = data
	m.ttls[key] = ttl
	return nil
}

func (m *mockExternal) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.data, key)
	return nil
}

func (m *mockExternal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockExternal) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *mockExternal) failWrites(writeErr, deleteErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = writeErr
	m.deleteErr = deleteErr
}

func (m *mockExternal) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func TestTiered_LocalOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	tc, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, nil, zerolog.Nop())
	require.NoError(t, err)

	tc.Write(ctx, "k", json.RawMessage(`"v"`), now, time.Time{})

	value, ok := tc.Fetch(ctx, "k", now.Add(30*time.Second))
	require.True(t, ok)
	assert.JSONEq(t, `"v"`, string(value))

	_, ok = tc.Fetch(ctx, "k", now.Add(time.Minute))
	assert.False(t, ok, "entry should expire after the cache TTL")
}

func TestTiered_ExpiryIsCappedAtKeyDeadline(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	ext := newMockExternal()
	tc, err := cache.NewTiered(cache.TieredConfig{TTL: 5 * time.Minute, MaxSize: 10}, ext, zerolog.Nop())
	require.NoError(t, err)

	tc.Write(ctx, "k", json.RawMessage(`1`), now, now.Add(2*time.Second))

	assert.Equal(t, 2*time.Second, ext.ttls["k"], "external TTL should be capped at the key deadline")

	ext.fail(errors.New("connection refused"))
	_, ok := tc.Fetch(ctx, "k", now.Add(2*time.Second))
	assert.False(t, ok, "local tier must not serve a value past the key deadline")
}

func TestTiered_PastDeadlineInvalidates(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	ext := newMockExternal()
	tc, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, ext, zerolog.Nop())
	require.NoError(t, err)

	tc.Write(ctx, "k", json.RawMessage(`1`), now, time.Time{})
	tc.Write(ctx, "k", json.RawMessage(`2`), now, now)

	_, ok := tc.Fetch(ctx, "k", now)
	assert.False(t, ok)
	assert.NotContains(t, ext.data, "k")
}

func TestTiered_ExternalFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	ext := newMockExternal()
	tc, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, ext, zerolog.Nop())
	require.NoError(t, err)

	peer, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, ext, zerolog.Nop())
	require.NoError(t, err)

	// Another process wrote the shared tier.
	peer.Write(ctx, "shared", json.RawMessage(`{"from":"peer"}`), now, time.Time{})

	value, ok := tc.Fetch(ctx, "shared", now)
	require.True(t, ok)
	assert.JSONEq(t, `{"from":"peer"}`, string(value))
}

func TestTiered_ExternalFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	ext := newMockExternal()
	tc, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, ext, zerolog.Nop())
	require.NoError(t, err)

	ext.fail(errors.New("redis is down"))

	t.Run("Write still populates the local tier", func(t *testing.T) {
		tc.Write(ctx, "k", json.RawMessage(`1`), now, time.Time{})

		value, ok := tc.Fetch(ctx, "k", now)
		require.True(t, ok)
		assert.JSONEq(t, `1`, string(value))
	})

	t.Run("Invalidate still clears the local tier", func(t *testing.T) {
		tc.Invalidate(ctx, "k")

		_, ok := tc.Fetch(ctx, "k", now)
		assert.False(t, ok)
	})
}

func TestTiered_CloseClosesExternal(t *testing.T) {
	ext := newMockExternal()
	tc, err := cache.NewTiered(cache.TieredConfig{}, ext, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, tc.Close())
	assert.True(t, ext.closed)
}

func TestTiered_ExternalCopyHonorsKeyDeadline(t *testing.T) {
	// Arrange
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	ext := newMockExternal()
	writer, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, ext, zerolog.Nop())
	require.NoError(t, err)
	reader, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, ext, zerolog.Nop())
	require.NoError(t, err)

	// Act
	writer.Write(ctx, "k", json.RawMessage(`1`), now, now.Add(time.Second))

	// Assert
	_, ok := reader.Fetch(ctx, "k", now.Add(500*time.Millisecond))
	assert.True(t, ok, "the shared copy is served before the deadline")

	require.True(t, ext.has("k"), "the external server has not expired the copy yet")
	_, ok = reader.Fetch(ctx, "k", now.Add(time.Second))
	assert.False(t, ok, "the shared copy must not be served at the deadline")
}

func TestTiered_FailedExternalWrite(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	t.Run("the previous external copy is removed", func(t *testing.T) {
		ext := newMockExternal()
		tc, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, ext, zerolog.Nop())
		require.NoError(t, err)
		tc.Write(ctx, "k", json.RawMessage(`"v1"`), now, time.Time{})

		ext.failWrites(errors.New("OOM command not allowed"), nil)
		tc.Write(ctx, "k", json.RawMessage(`"v2"`), now, time.Time{})

		assert.False(t, ext.has("k"))
		value, ok := tc.Fetch(ctx, "k", now)
		require.True(t, ok)
		assert.JSONEq(t, `"v2"`, string(value))
	})

	t.Run("an undeletable copy is bypassed until a later write succeeds", func(t *testing.T) {
		ext := newMockExternal()
		tc, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, ext, zerolog.Nop())
		require.NoError(t, err)
		tc.Write(ctx, "k", json.RawMessage(`"v1"`), now, time.Time{})

		ext.failWrites(errors.New("timeout"), errors.New("timeout"))
		tc.Write(ctx, "k", json.RawMessage(`"v2"`), now, time.Time{})

		require.True(t, ext.has("k"), "the stale copy is still on the server")
		value, ok := tc.Fetch(ctx, "k", now)
		require.True(t, ok)
		assert.JSONEq(t, `"v2"`, string(value))

		ext.failWrites(nil, nil)
		tc.Write(ctx, "k", json.RawMessage(`"v3"`), now, time.Time{})

		peer, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, ext, zerolog.Nop())
		require.NoError(t, err)
		value, ok = peer.Fetch(ctx, "k", now)
		require.True(t, ok)
		assert.JSONEq(t, `"v3"`, string(value))
	})

	t.Run("a failed invalidation bypasses the external copy", func(t *testing.T) {
		ext := newMockExternal()
		tc, err := cache.NewTiered(cache.TieredConfig{TTL: time.Minute, MaxSize: 10}, ext, zerolog.Nop())
		require.NoError(t, err)
		tc.Write(ctx, "k", json.RawMessage(`"v1"`), now, time.Time{})

		ext.failWrites(nil, errors.New("timeout"))
		tc.Invalidate(ctx, "k")

		_, ok := tc.Fetch(ctx, "k", now)
		assert.False(t, ok)
	})
}
