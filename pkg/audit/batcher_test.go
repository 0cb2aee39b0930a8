package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-contextstore/pkg/audit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBatcher(t *testing.T, cfg audit.BatchConfig, writer *fakeRowWriter) *audit.Batcher {
	t.Helper()
	b := audit.NewBatcher(cfg, writer, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.Start(ctx)
	return b
}

func stopBatcher(t *testing.T, b *audit.Batcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
}

func TestBatcher_WritesWhenFull(t *testing.T) {
	writer := &fakeRowWriter{}
	b := startBatcher(t, audit.BatchConfig{MaxRows: 3, FlushInterval: time.Hour}, writer)
	defer stopBatcher(t, b)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Add(context.Background(), row(i)))
	}

	require.Eventually(t, func() bool { return writer.batchCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{3}, writer.batchSizes())
}

func TestBatcher_WritesPartialBatchOnInterval(t *testing.T) {
	writer := &fakeRowWriter{}
	b := startBatcher(t, audit.BatchConfig{MaxRows: 10, FlushInterval: 50 * time.Millisecond}, writer)
	defer stopBatcher(t, b)

	require.NoError(t, b.Add(context.Background(), row(1)))
	require.NoError(t, b.Add(context.Background(), row(2)))

	require.Eventually(t, func() bool { return writer.batchCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{2}, writer.batchSizes())
}

func TestBatcher_StopWritesRemainderAndClosesWriter(t *testing.T) {
	writer := &fakeRowWriter{}
	b := startBatcher(t, audit.BatchConfig{MaxRows: 10, FlushInterval: time.Hour}, writer)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Add(context.Background(), row(i)))
	}
	stopBatcher(t, b)

	assert.Equal(t, []int{4}, writer.batchSizes())
	assert.True(t, writer.isClosed())
	assert.Equal(t, audit.BatchStats{Batches: 1, Rows: 4}, b.Stats())
}

func TestBatcher_FailedBatchIsDroppedAndCounted(t *testing.T) {
	writer := &fakeRowWriter{failOn: map[int]error{1: errors.New("bigquery unavailable")}}
	b := startBatcher(t, audit.BatchConfig{MaxRows: 2, FlushInterval: time.Hour}, writer)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Add(context.Background(), row(i)))
	}
	require.Eventually(t, func() bool { return writer.batchCount() == 2 }, time.Second, 10*time.Millisecond)
	stopBatcher(t, b)

	assert.Equal(t, audit.BatchStats{Batches: 1, Rows: 2, FailedRows: 2}, b.Stats())
}

func TestBatcher_AddRespectsContext(t *testing.T) {
	writer := &fakeRowWriter{}
	// Not started, so the buffer (MaxRows*2) fills and Add blocks.
	b := audit.NewBatcher(audit.BatchConfig{MaxRows: 1, FlushInterval: time.Hour}, writer, zerolog.Nop())
	require.NoError(t, b.Add(context.Background(), row(1)))
	require.NoError(t, b.Add(context.Background(), row(2)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Add(ctx, row(3))

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "e3")
}
