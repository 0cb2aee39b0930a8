package audit_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-contextstore/pkg/audit"
)

// fakeRowWriter records every batch it is given.
type fakeRowWriter struct {
	mu      sync.Mutex
	batches [][]*audit.Record
	closed  bool
	failOn  map[int]error // batch number (1-based) to fail
}

func (w *fakeRowWriter) WriteRows(_ context.Context, rows []*audit.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, rows)
	if err, ok := w.failOn[len(w.batches)]; ok {
		return err
	}
	return nil
}

func (w *fakeRowWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeRowWriter) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func (w *fakeRowWriter) batchSizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	sizes := make([]int, len(w.batches))
	for i, b := range w.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (w *fakeRowWriter) rows() []*audit.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	var all []*audit.Record
	for _, b := range w.batches {
		all = append(all, b...)
	}
	return all
}

func (w *fakeRowWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func row(i int) *audit.Record {
	return &audit.Record{EventID: fmt.Sprintf("e%d", i), EventType: "set", Key: fmt.Sprintf("k%d", i)}
}
