package contextapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
)

// Envelope wraps every JSON response.
type Envelope struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	env.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to write response body.")
	}
}

func writeOK(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	writeJSON(w, r, status, Envelope{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, r, status, Envelope{Success: false, Message: message})
}

// decodeBody decodes a JSON request body into v. Numbers are kept as
// json.Number so large integers in values survive unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(v)
}

const maxBodyBytes = 10 << 20
