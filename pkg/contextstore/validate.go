package contextstore

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hay-kot/criterio"
)

// validItem is an Item that passed validation, with its value and metadata
// serialized into storage-owned copies.
type validItem struct {
	key      string
	value    json.RawMessage
	metadata map[string]any
	ttl      time.Duration
}

// MaxTTL is the longest ttl, in seconds, that fits a time.Duration.
const MaxTTL = math.MaxInt64 / int64(time.Second)

// validateItem rejects malformed input before any mutation takes place.
func validateItem(item Item) (validItem, error) {
	var errs criterio.FieldErrorsBuilder

	if strings.TrimSpace(item.Key) == "" {
		errs = errs.Append("key", fmt.Errorf("key is required"))
	}

	if item.TTL != nil {
		switch ttl := int64(*item.TTL); {
		case ttl < 1:
			errs = errs.Append("ttl", fmt.Errorf("ttl must be at least 1 second, got %d", ttl))
		case ttl > MaxTTL:
			errs = errs.Append("ttl", fmt.Errorf("ttl must be at most %d seconds, got %d", MaxTTL, ttl))
		}
	}

	value, err := json.Marshal(item.Value)
	if err != nil {
		errs = errs.Append("value", fmt.Errorf("value is not JSON-serializable: %w", err))
	}

	metadata, err := copyMetadata(item.Metadata)
	if err != nil {
		errs = errs.Append("metadata", fmt.Errorf("metadata is not JSON-serializable: %w", err))
	}

	if err := errs.ToError(); err != nil {
		return validItem{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	v := validItem{key: item.Key, value: value, metadata: metadata}
	if item.TTL != nil {
		v.ttl = time.Duration(*item.TTL) * time.Second
	}
	return v, nil
}

// copyMetadata returns a deep copy of m so the store owns its metadata.
func copyMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(m))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
