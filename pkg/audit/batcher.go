package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RowWriter persists a batch of audit rows.
type RowWriter interface {
	WriteRows(ctx context.Context, rows []*Record) error
	Close() error
}

// BatchConfig controls when buffered rows are written.
type BatchConfig struct {
	MaxRows       int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// DefaultBatchConfig returns the defaults used by contextd.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxRows:       100,
		FlushInterval: 5 * time.Second,
		WriteTimeout:  30 * time.Second,
	}
}

// BatchStats counts what a Batcher has done since it started.
type BatchStats struct {
	Batches    uint64
	Rows       uint64
	FailedRows uint64
}

// Batcher buffers audit rows and hands them to a RowWriter when MaxRows is
// reached or FlushInterval passes. A batch that fails to write is logged and
// dropped.
type Batcher struct {
	cfg    BatchConfig
	writer RowWriter
	logger zerolog.Logger
	rows   chan *Record
	wg     sync.WaitGroup

	batches    atomic.Uint64
	written    atomic.Uint64
	failedRows atomic.Uint64
}

// NewBatcher creates a Batcher. Zero config fields take their defaults.
func NewBatcher(cfg BatchConfig, writer RowWriter, logger zerolog.Logger) *Batcher {
	d := DefaultBatchConfig()
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = d.MaxRows
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	return &Batcher{
		cfg:    cfg,
		writer: writer,
		logger: logger.With().Str("component", "AuditBatcher").Logger(),
		rows:   make(chan *Record, cfg.MaxRows*2),
	}
}

// Start launches the flush loop. Cancelling ctx flushes what is buffered and
// ends the loop.
func (b *Batcher) Start(ctx context.Context) {
	b.logger.Info().
		Int("max_rows", b.cfg.MaxRows).
		Dur("flush_interval", b.cfg.FlushInterval).
		Msg("Audit batcher started.")
	b.wg.Add(1)
	go b.loop(ctx)
}

// Add queues a row, blocking while the buffer is full.
func (b *Batcher) Add(ctx context.Context, rec *Record) error {
	select {
	case b.rows <- rec:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit row %s not queued: %w", rec.EventID, ctx.Err())
	}
}

// Stop ends intake, writes the final batch and closes the writer. Add must not
// be called after Stop.
func (b *Batcher) Stop(ctx context.Context) error {
	close(b.rows)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for final audit flush: %w", ctx.Err())
	}

	if err := b.writer.Close(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to close audit row writer.")
	}
	b.logger.Info().Uint64("rows", b.written.Load()).Uint64("failed_rows", b.failedRows.Load()).Msg("Audit batcher stopped.")
	return nil
}

// Stats returns the running totals.
func (b *Batcher) Stats() BatchStats {
	return BatchStats{
		Batches:    b.batches.Load(),
		Rows:       b.written.Load(),
		FailedRows: b.failedRows.Load(),
	}
}

func (b *Batcher) loop(ctx context.Context) {
	defer b.wg.Done()

	pending := make([]*Record, 0, b.cfg.MaxRows)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		b.write(ctx, pending)
		pending = make([]*Record, 0, b.cfg.MaxRows)
		ticker.Reset(b.cfg.FlushInterval)
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return
		case rec, ok := <-b.rows:
			if !ok {
				flush(context.WithoutCancel(ctx))
				return
			}
			pending = append(pending, rec)
			if len(pending) >= b.cfg.MaxRows {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (b *Batcher) write(ctx context.Context, rows []*Record) {
	writeCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()

	if err := b.writer.WriteRows(writeCtx, rows); err != nil {
		b.failedRows.Add(uint64(len(rows)))
		b.logger.Error().Err(err).Int("rows", len(rows)).Msg("Failed to write audit batch; dropping it.")
		return
	}
	b.batches.Add(1)
	b.written.Add(uint64(len(rows)))
	b.logger.Debug().Int("rows", len(rows)).Msg("Audit batch written.")
}
