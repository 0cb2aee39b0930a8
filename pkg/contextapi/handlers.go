// Package contextapi exposes a contextstore.Manager over HTTP: JSON CRUD and
// bulk endpoints under /api/v1 plus a Server-Sent Events change stream.
package contextapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/illmade-knight/go-contextstore/pkg/contextstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Store is the subset of *contextstore.Manager the HTTP layer needs.
type Store interface {
	Set(ctx context.Context, item contextstore.Item) error
	Get(ctx context.Context, key string, opts ...contextstore.GetOption) (json.RawMessage, bool)
	GetEntry(ctx context.Context, key string) (contextstore.Entry, bool)
	Delete(ctx context.Context, key string) bool
	ListKeys(prefix string) []string
	Count(prefix string) int
	BulkOperation(ctx context.Context, ops []contextstore.Operation, failFast bool) (contextstore.BulkResult, error)
	Subscribe(ctx context.Context, prefix string, eventTypes []contextstore.EventType) (*contextstore.Subscription, error)
	Stats() contextstore.Stats
}

var _ Store = (*contextstore.Manager)(nil)

// Config tunes the handler.
type Config struct {
	// KeepAliveInterval is the gap between SSE ping events.
	KeepAliveInterval time.Duration
	// RetryInterval is advertised to SSE clients in the retry field.
	RetryInterval time.Duration
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 30 * time.Second,
		RetryInterval:     3 * time.Second,
	}
}

// Handler serves the context API.
type Handler struct {
	store   Store
	config  Config
	logger  zerolog.Logger
	streams *streamSet
}

// NewHandler creates a Handler backed by store.
func NewHandler(store Store, cfg Config, logger zerolog.Logger) *Handler {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultConfig().KeepAliveInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	return &Handler{
		store:   store,
		config:  cfg,
		logger:  logger.With().Str("component", "ContextAPI").Logger(),
		streams: newStreamSet(),
	}
}

// Register mounts the API routes on mux, wrapped in the request logging and
// correlation middleware.
func (h *Handler) Register(mux *http.ServeMux) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		return Middleware(h.logger)(fn)
	}
	mux.Handle("POST /api/v1/context", wrap(h.setContext))
	mux.Handle("GET /api/v1/context", wrap(h.listContext))
	mux.Handle("DELETE /api/v1/context", wrap(h.bulkDelete))
	mux.Handle("POST /api/v1/context/bulk", wrap(h.bulkOperation))
	mux.Handle("GET /api/v1/context/{key...}", wrap(h.getContext))
	mux.Handle("DELETE /api/v1/context/{key...}", wrap(h.deleteContext))
	mux.Handle("GET /api/v1/stats", wrap(h.stats))
	mux.Handle("GET /api/v1/stream/context", wrap(h.streamContext))
}

// CloseStreams ends every open event stream. It is registered as a server
// shutdown hook so graceful shutdown does not wait on SSE clients.
func (h *Handler) CloseStreams() {
	h.streams.closeAll()
}

func (h *Handler) setContext(w http.ResponseWriter, r *http.Request) {
	var item contextstore.Item
	if err := decodeBody(w, r, &item); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := h.store.Set(r.Context(), item); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusCreated,
		fmt.Sprintf("Context item '%s' set successfully", item.Key),
		map[string]any{"key": item.Key})
}

func (h *Handler) getContext(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	q := r.URL.Query()
	includeMetadata, _ := strconv.ParseBool(q.Get("include_metadata"))

	if !includeMetadata {
		var opts []contextstore.GetOption
		if fresh, _ := strconv.ParseBool(q.Get("fresh")); fresh {
			opts = append(opts, contextstore.SkipCache())
		}
		value, ok := h.store.Get(r.Context(), key, opts...)
		if !ok {
			writeError(w, r, http.StatusNotFound, fmt.Sprintf("Context item '%s' not found", key))
			return
		}
		writeOK(w, r, http.StatusOK, "Context item retrieved successfully",
			map[string]any{"key": key, "value": value})
		return
	}

	entry, ok := h.store.GetEntry(r.Context(), key)
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("Context item '%s' not found", key))
		return
	}
	data := map[string]any{
		"key":        key,
		"value":      entry.Value,
		"metadata":   entry.Metadata,
		"created_at": entry.CreatedAt,
		"updated_at": entry.UpdatedAt,
	}
	if !entry.ExpiresAt.IsZero() {
		data["expires_at"] = entry.ExpiresAt
	}
	writeOK(w, r, http.StatusOK, "Context item retrieved successfully", data)
}

func (h *Handler) deleteContext(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !h.store.Delete(r.Context(), key) {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("Context item '%s' not found", key))
		return
	}
	writeOK(w, r, http.StatusOK, fmt.Sprintf("Context item '%s' deleted successfully", key), nil)
}

func (h *Handler) listContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("prefix")

	skip, err := intParam(q.Get("skip"), 0)
	if err != nil || skip < 0 {
		writeError(w, r, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, err := intParam(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
		return
	}

	keys := h.store.ListKeys(prefix)
	page := []string{}
	if skip < len(keys) {
		page = keys[skip:min(skip+limit, len(keys))]
	}
	total := h.store.Count(prefix)

	writeOK(w, r, http.StatusOK, fmt.Sprintf("Found %d context items", len(page)), map[string]any{
		"items": page,
		"pagination": map[string]any{
			"total":    total,
			"skip":     skip,
			"limit":    limit,
			"has_more": skip+len(page) < total,
		},
	})
}

type bulkRequest struct {
	Operations []contextstore.Operation `json:"operations"`
	FailFast   bool                     `json:"fail_fast"`
}

func (h *Handler) bulkOperation(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	result, err := h.store.BulkOperation(r.Context(), req.Operations, req.FailFast)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusMultiStatus, Envelope{
		Success: result.Failed == 0,
		Message: "Bulk operation completed",
		Data:    result,
	})
}

type bulkDeleteRequest struct {
	Keys []string `json:"keys"`
}

type keyResult struct {
	Key     string `json:"key"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handler) bulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	results := make([]keyResult, 0, len(req.Keys))
	for _, key := range req.Keys {
		if h.store.Delete(r.Context(), key) {
			results = append(results, keyResult{Key: key, Status: "success",
				Message: fmt.Sprintf("Context item '%s' deleted successfully", key)})
			continue
		}
		results = append(results, keyResult{Key: key, Status: "not_found",
			Message: fmt.Sprintf("Context item '%s' not found", key)})
	}
	writeOK(w, r, http.StatusOK, "Bulk delete operation completed", map[string]any{"results": results})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, r, http.StatusOK, "Context store statistics", h.store.Stats())
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, contextstore.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, contextstore.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("Unexpected store error.")
		writeError(w, r, http.StatusInternalServerError, "An unexpected error occurred")
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
