package contextstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-contextstore/pkg/cache"
	"github.com/illmade-knight/go-contextstore/pkg/contextstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualClock is a time source that only moves when told to.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestManager builds and initializes a Manager driven by a manual clock.
// The manager is shut down when the test ends.
func newTestManager(t *testing.T, cfg *contextstore.Config, opts ...contextstore.Option) (*contextstore.Manager, *manualClock) {
	t.Helper()
	return newCachedTestManager(t, cfg, nil, opts...)
}

// newCachedTestManager is newTestManager with an external cache tier.
func newCachedTestManager(t *testing.T, cfg *contextstore.Config, external cache.External, opts ...contextstore.Option) (*contextstore.Manager, *manualClock) {
	t.Helper()

	clock := newManualClock()
	if cfg == nil {
		cfg = contextstore.DefaultConfig()
	}
	opts = append([]contextstore.Option{contextstore.WithClock(clock.Now)}, opts...)

	m, err := contextstore.NewManager(cfg, external, zerolog.Nop(), opts...)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx))
	})
	return m, clock
}

// nextEvent reads one event or fails the test after a short timeout.
func nextEvent(t *testing.T, sub *contextstore.Subscription) contextstore.ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err, "expected an event")
	return ev
}

// assertNoEvent checks that nothing is queued on the subscription.
func assertNoEvent(t *testing.T, sub *contextstore.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
