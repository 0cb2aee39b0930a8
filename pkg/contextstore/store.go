package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Set stores item, replacing any previous entry for the key. Without a TTL the
// key never expires, clearing any earlier expiry. Only validation failures are
// returned.
func (m *Manager) Set(ctx context.Context, item Item) error {
	v, err := validateItem(item)
	if err != nil {
		return err
	}
	m.set(ctx, v, true)
	return nil
}

// Get returns the value for key, or false if the key is absent or expired.
// A logically expired key is deleted on the spot.
func (m *Manager) Get(ctx context.Context, key string, opts ...GetOption) (json.RawMessage, bool) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := m.now()
	if !o.skipCache {
		if value, ok := m.cache.Fetch(ctx, key, now); ok {
			return slices.Clone(value), true
		}
	}

	m.mu.RLock()
	entry, ok := m.entries[key]
	if !ok {
		m.mu.RUnlock()
		return nil, false
	}
	if m.expiredLocked(key, now) {
		m.mu.RUnlock()
		m.expireKey(ctx, key)
		return nil, false
	}
	// Refresh under the read lock so a concurrent writer cannot be overtaken
	// by a stale value.
	if !o.skipCache {
		m.cache.Write(context.WithoutCancel(ctx), key, entry.Value, now, m.expiries[key])
	}
	m.mu.RUnlock()

	return slices.Clone(entry.Value), true
}

// GetEntry returns the full entry for key, including metadata and timestamps.
// It always reads the store.
func (m *Manager) GetEntry(ctx context.Context, key string) (Entry, bool) {
	now := m.now()

	m.mu.RLock()
	entry, ok := m.entries[key]
	if !ok {
		m.mu.RUnlock()
		return Entry{}, false
	}
	if m.expiredLocked(key, now) {
		m.mu.RUnlock()
		m.expireKey(ctx, key)
		return Entry{}, false
	}
	out := *entry
	out.ExpiresAt = m.expiries[key]
	m.mu.RUnlock()

	out.Value = slices.Clone(out.Value)
	if md, err := copyMetadata(out.Metadata); err == nil {
		out.Metadata = md
	}
	return out, true
}

// Delete removes key. It returns false if the key was absent or had already
// expired.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return false
	}
	if m.expiredLocked(key, now) {
		m.removeLocked(ctx, key, now, true, true)
		return false
	}
	m.removeLocked(ctx, key, now, true, false)
	return true
}

// ListKeys returns the sorted keys under prefix, excluding expired keys. It
// does not modify the store.
func (m *Manager) ListKeys(prefix string) []string {
	now := m.now()

	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if !strings.HasPrefix(key, prefix) || m.expiredLocked(key, now) {
			continue
		}
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	return keys
}

// Count returns the number of live keys under prefix.
func (m *Manager) Count(prefix string) int {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) && !m.expiredLocked(key, now) {
			n++
		}
	}
	return n
}

// BulkOperation applies ops in order. Each operation is atomic on its own; the
// batch is not. Individual change events are suppressed and a single
// bulk_update event is emitted at the end. With failFast the batch stops at
// the first failure. If ctx is cancelled the remaining operations are skipped,
// committed ones are kept, and ctx.Err() is returned with the partial result.
func (m *Manager) BulkOperation(ctx context.Context, ops []Operation, failFast bool) (BulkResult, error) {
	result := BulkResult{Errors: []BulkError{}}
	var keys []string
	var ctxErr error

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}

		if err := m.apply(ctx, op); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BulkError{Index: i, Operation: op, Error: err.Error()})
			if failFast {
				break
			}
			continue
		}
		result.Succeeded++
		keys = append(keys, op.Key)
	}

	ev := ChangeEvent{
		EventType:     EventBulkUpdate,
		Keys:          keys,
		Succeeded:     result.Succeeded,
		Failed:        result.Failed,
		CorrelationID: correlationFor(ctx),
	}
	m.mu.Lock()
	m.emitLocked(ev)
	m.mu.Unlock()

	m.logger.Debug().Int("succeeded", result.Succeeded).Int("failed", result.Failed).Msg("Bulk operation completed.")
	return result, ctxErr
}

func (m *Manager) apply(ctx context.Context, op Operation) error {
	switch op.Operation {
	case OpSet:
		v, err := validateItem(Item{Key: op.Key, Value: op.Value, TTL: op.TTL, Metadata: op.Metadata})
		if err != nil {
			return err
		}
		m.set(ctx, v, false)
		return nil
	case OpDelete:
		if strings.TrimSpace(op.Key) == "" {
			return fmt.Errorf("%w: key is required", ErrValidation)
		}
		if !m.remove(ctx, op.Key) {
			return fmt.Errorf("%w: %s", ErrNotFound, op.Key)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedOperation, op.Operation)
	}
}

// set commits a validated item. The value map, the expiry map and the cache
// are updated in one critical section.
func (m *Manager) set(ctx context.Context, v validItem, notify bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &Entry{
		Key:       v.key,
		Value:     v.value,
		Metadata:  v.metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	prev, existed := m.entries[v.key]
	if existed && m.expiredLocked(v.key, now) {
		existed = false
	}
	if existed {
		entry.CreatedAt = prev.CreatedAt
	}

	m.entries[v.key] = entry
	var deadline time.Time
	if v.ttl > 0 {
		deadline = now.Add(v.ttl)
		m.expiries[v.key] = deadline
	} else {
		delete(m.expiries, v.key)
	}

	m.cache.Write(context.WithoutCancel(ctx), v.key, v.value, now, deadline)

	if notify {
		ev := ChangeEvent{
			EventType:     EventSet,
			Key:           v.key,
			Value:         v.value,
			Metadata:      v.metadata,
			CorrelationID: correlationFor(ctx),
			Timestamp:     now,
		}
		if existed {
			ev.OldValue = prev.Value
		}
		m.emitLocked(ev)
	}
}

// remove deletes a live key without emitting an event. It reports false when
// the key was absent or expired.
func (m *Manager) remove(ctx context.Context, key string) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return false
	}
	expired := m.expiredLocked(key, now)
	m.removeLocked(ctx, key, now, expired, expired)
	return !expired
}

// expireKey deletes key if it is still expired once the write lock is held.
func (m *Manager) expireKey(ctx context.Context, key string) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok || !m.expiredLocked(key, now) {
		return
	}
	m.removeLocked(ctx, key, now, true, true)
	m.logger.Debug().Str("key", key).Msg("Expired key removed.")
}

// removeLocked deletes key from both maps and the cache. The store lock must
// be held for writing.
func (m *Manager) removeLocked(ctx context.Context, key string, now time.Time, notify, expired bool) {
	prev := m.entries[key]
	delete(m.entries, key)
	delete(m.expiries, key)
	m.cache.Invalidate(context.WithoutCancel(ctx), key)

	if !notify {
		return
	}
	ev := ChangeEvent{
		EventType:     EventDelete,
		Key:           key,
		CorrelationID: correlationFor(ctx),
		Timestamp:     now,
		Expired:       expired,
	}
	if prev != nil {
		ev.OldValue = prev.Value
		ev.Metadata = prev.Metadata
	}
	m.emitLocked(ev)
}

// emitLocked hands ev to the registry. Delivery never blocks, so it is done
// under the store lock to keep events for one key in commit order.
func (m *Manager) emitLocked(ev ChangeEvent) {
	ev.EventID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	m.registry.publish(ev)
}

// expiredLocked reports whether key has a deadline at or before now. The store
// lock must be held.
func (m *Manager) expiredLocked(key string, now time.Time) bool {
	deadline, ok := m.expiries[key]
	return ok && !now.Before(deadline)
}
