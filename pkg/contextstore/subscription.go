package contextstore

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Subscription is a live, bounded queue of change events for keys under a
// prefix. It is not replayable: only events committed after registration are
// delivered. When the queue is full the oldest undelivered event is dropped so
// that a slow reader never blocks writers.
type Subscription struct {
	id       string
	prefix   string
	registry *Registry

	mu      sync.Mutex
	types   map[EventType]struct{} // nil accepts every type
	ch      chan ChangeEvent
	closed  bool
	dropped uint64

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Prefix returns the key prefix filter; empty matches every key.
func (s *Subscription) Prefix() string { return s.prefix }

// Events returns the delivery channel. It is closed when the subscription closes.
func (s *Subscription) Events() <-chan ChangeEvent { return s.ch }

// Done is closed once the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Next blocks until the next event, the subscription closes (ErrClosed) or
// ctx is cancelled.
func (s *Subscription) Next(ctx context.Context) (ChangeEvent, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return ChangeEvent{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

// SetEventTypes replaces the event-type allowlist. It takes effect for the
// next delivered event; no types means all types.
func (s *Subscription) SetEventTypes(types ...EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = typeSet(types)
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close deregisters the subscription and closes its channel. It is idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		close(s.done)
		s.mu.Unlock()

		s.registry.remove(s)
	})
}

// offer enqueues ev without blocking, evicting the oldest queued event when the
// queue is full. The event-type filter is applied here, at delivery time.
func (s *Subscription) offer(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.types != nil {
		if _, ok := s.types[ev.EventType]; !ok {
			return
		}
	}

	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			s.registry.dropped.Add(1)
		default:
		}
	}
}

func typeSet(types []EventType) map[EventType]struct{} {
	if len(types) == 0 {
		return nil
	}
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// Registry holds the live subscriptions grouped by prefix.
type Registry struct {
	bufferSize int
	logger     zerolog.Logger

	mu       sync.RWMutex
	byPrefix map[string]map[*Subscription]struct{}
	closed   bool

	dropped atomic.Uint64
}

func newRegistry(bufferSize int, logger zerolog.Logger) *Registry {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Registry{
		bufferSize: bufferSize,
		logger:     logger.With().Str("component", "SubscriptionRegistry").Logger(),
		byPrefix:   make(map[string]map[*Subscription]struct{}),
	}
}

func (r *Registry) register(prefix string, types []EventType) (*Subscription, error) {
	sub := &Subscription{
		id:       uuid.NewString(),
		prefix:   prefix,
		registry: r,
		types:    typeSet(types),
		ch:       make(chan ChangeEvent, r.bufferSize),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	subs, ok := r.byPrefix[prefix]
	if !ok {
		subs = make(map[*Subscription]struct{})
		r.byPrefix[prefix] = subs
	}
	subs[sub] = struct{}{}

	r.logger.Debug().Str("subscription_id", sub.id).Str("prefix", prefix).Msg("Subscription registered.")
	return sub, nil
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byPrefix[sub.prefix]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(r.byPrefix, sub.prefix)
	}
	r.logger.Debug().Str("subscription_id", sub.id).Msg("Subscription removed.")
}

// publish offers ev to every subscription whose prefix matches. It never blocks.
func (r *Registry) publish(ev ChangeEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for prefix, subs := range r.byPrefix {
		if !eventMatches(prefix, ev) {
			continue
		}
		for sub := range subs {
			sub.offer(ev)
		}
	}
}

// eventMatches applies the prefix filter. A bulk event matches when any of the
// keys it touched matches; the empty prefix matches everything.
func eventMatches(prefix string, ev ChangeEvent) bool {
	if prefix == "" {
		return true
	}
	if ev.EventType == EventBulkUpdate {
		for _, k := range ev.Keys {
			if strings.HasPrefix(k, prefix) {
				return true
			}
		}
		return false
	}
	return strings.HasPrefix(ev.Key, prefix)
}

// count returns the number of live subscriptions.
func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, subs := range r.byPrefix {
		n += len(subs)
	}
	return n
}

// closeAll closes every subscription and refuses new ones.
func (r *Registry) closeAll() {
	r.mu.Lock()
	r.closed = true
	var all []*Subscription
	for _, subs := range r.byPrefix {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	r.logger.Info().Int("subscriber_count", len(all)).Msg("All subscriptions closed.")
}
