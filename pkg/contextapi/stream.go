package contextapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/illmade-knight/go-contextstore/pkg/contextstore"
	"github.com/rs/zerolog/hlog"
)

// streamSet tracks the cancel functions of open event streams.
type streamSet struct {
	mu      sync.Mutex
	next    int
	cancels map[int]context.CancelFunc
	closed  bool
}

func newStreamSet() *streamSet {
	return &streamSet{cancels: make(map[int]context.CancelFunc)}
}

// add registers cancel and returns a function that removes it again. ok is
// false once closeAll has run.
func (s *streamSet) add(cancel context.CancelFunc) (remove func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	id := s.next
	s.next++
	s.cancels[id] = cancel
	return func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
	}, true
}

func (s *streamSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}

// parseEventTypes splits a comma-separated event_types query value.
func parseEventTypes(raw string) []contextstore.EventType {
	var types []contextstore.EventType
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "*" {
			continue
		}
		types = append(types, contextstore.EventType(part))
	}
	return types
}

// streamContext serves GET /api/v1/stream/context as Server-Sent Events. The
// stream ends when the client disconnects, the subscription closes or the
// server begins shutting down.
func (h *Handler) streamContext(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)
	prefix := r.URL.Query().Get("key_prefix")
	types := parseEventTypes(r.URL.Query().Get("event_types"))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	remove, ok := h.streams.add(cancel)
	if !ok {
		writeError(w, r, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	defer remove()

	sub, err := h.store.Subscribe(ctx, prefix, types)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	typeNames := []string{"*"}
	if len(types) > 0 {
		typeNames = typeNames[:0]
		for _, t := range types {
			typeNames = append(typeNames, string(t))
		}
	}
	connected := map[string]any{
		"message":         "Connected to context stream",
		"subscription_id": sub.ID(),
		"key_prefix":      prefix,
		"event_types":     typeNames,
		"timestamp":       time.Now().UTC(),
	}
	if err := h.writeEvent(w, rc, "", "connected", connected); err != nil {
		logger.Debug().Err(err).Msg("Failed to write connected event.")
		return
	}
	logger.Info().Str("subscription_id", sub.ID()).Str("key_prefix", prefix).Msg("Event stream opened.")

	ticker := time.NewTicker(h.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("subscription_id", sub.ID()).Msg("Event stream closed.")
			return
		case <-ticker.C:
			if err := h.writeEvent(w, rc, "", "ping", map[string]any{"timestamp": time.Now().UTC()}); err != nil {
				logger.Debug().Err(err).Msg("Keep-alive write failed; closing stream.")
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				logger.Info().Str("subscription_id", sub.ID()).Msg("Subscription closed; ending event stream.")
				return
			}
			if err := h.writeEvent(w, rc, ev.EventID, string(ev.EventType), ev); err != nil {
				logger.Debug().Err(err).Msg("Event write failed; closing stream.")
				return
			}
		}
	}
}

// writeEvent writes one SSE frame and flushes it.
func (h *Handler) writeEvent(w io.Writer, rc *http.ResponseController, id, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}

	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\n", event)
	fmt.Fprintf(&b, "retry: %d\n", h.config.RetryInterval.Milliseconds())
	fmt.Fprintf(&b, "data: %s\n\n", payload)

	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
