package contextapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-contextstore/pkg/contextstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// CorrelationHeader carries the correlation ID in and out of every request.
const CorrelationHeader = "X-Correlation-ID"

// Middleware attaches a request-scoped logger, propagates the correlation ID
// into the request context and logs one access line per request.
func Middleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := correlation(next)
		h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request handled.")
		})(h)
		return hlog.NewHandler(logger)(h)
	}
}

func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, id)

		log := zerolog.Ctx(r.Context())
		log.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("correlation_id", id)
		})

		ctx := contextstore.WithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
