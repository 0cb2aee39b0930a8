package contextstore

import (
	"context"
	"fmt"
	"time"
)

// runLoop calls fn every interval until ctx is cancelled. A failed or
// panicking iteration is logged and the next one is scheduled after the error
// backoff instead of the interval.
func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer m.wg.Done()
	logger := m.logger.With().Str("loop", name).Logger()
	logger.Info().Dur("interval", interval).Msg("Background loop started.")

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Background loop stopped.")
			return
		case <-timer.C:
		}

		next := interval
		if err := runIteration(ctx, fn); err != nil {
			logger.Error().Err(err).Dur("backoff", m.cfg.ErrorBackoff).Msg("Background iteration failed.")
			next = m.cfg.ErrorBackoff
		}
		timer.Reset(next)
	}
}

func runIteration(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in background iteration: %v", r)
		}
	}()
	return fn(ctx)
}

// sweepExpired deletes every key whose deadline has passed, through the
// normal delete path so caches are invalidated and subscribers notified.
func (m *Manager) sweepExpired(ctx context.Context) error {
	now := m.now()

	m.mu.RLock()
	var expired []string
	for key, deadline := range m.expiries {
		if !now.Before(deadline) {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()

	for _, key := range expired {
		if ctx.Err() != nil {
			return nil
		}
		m.expireKey(ctx, key)
	}

	if len(expired) > 0 {
		m.logger.Info().Int("expired_count", len(expired)).Msg("Expiry sweep removed keys.")
	}
	return nil
}
