package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-contextstore/pkg/contextstore"
	"github.com/rs/zerolog"
)

// Subscriber is the part of contextstore.Manager the recorder depends on.
type Subscriber interface {
	Subscribe(ctx context.Context, prefix string, eventTypes []contextstore.EventType) (*contextstore.Subscription, error)
}

// Recorder subscribes to every change under a prefix and turns each event into
// an audit row.
type Recorder struct {
	prefix  string
	source  Subscriber
	batcher *Batcher
	logger  zerolog.Logger
	sub     *contextstore.Subscription
	wg      sync.WaitGroup
}

// NewRecorder creates a Recorder writing rows through writer.
func NewRecorder(prefix string, source Subscriber, writer RowWriter, cfg BatchConfig, logger zerolog.Logger) *Recorder {
	return &Recorder{
		prefix:  prefix,
		source:  source,
		batcher: NewBatcher(cfg, writer, logger),
		logger:  logger.With().Str("component", "AuditRecorder").Logger(),
	}
}

// Start subscribes and begins recording.
func (r *Recorder) Start(ctx context.Context) error {
	sub, err := r.source.Subscribe(ctx, r.prefix, nil)
	if err != nil {
		return fmt.Errorf("failed to subscribe for audit: %w", err)
	}
	r.sub = sub
	r.batcher.Start(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range sub.Events() {
			if err := r.batcher.Add(ctx, RecordFromEvent(ev)); err != nil {
				r.logger.Warn().Err(err).Msg("Audit row dropped.")
			}
		}
	}()

	r.logger.Info().Str("prefix", r.prefix).Msg("Audit recorder started.")
	return nil
}

// Stop closes the subscription, drains queued events and flushes the final
// batch, bounded by ctx.
func (r *Recorder) Stop(ctx context.Context) error {
	if r.sub == nil {
		return nil
	}
	r.sub.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for audit loop: %w", ctx.Err())
	}

	return r.batcher.Stop(ctx)
}

// Stats reports the underlying batcher's totals.
func (r *Recorder) Stats() BatchStats {
	return r.batcher.Stats()
}
