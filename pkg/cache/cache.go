// Package cache provides the caching tiers used in front of the context store:
// a bounded in-process cache and shared external caches backed by Redis or
// Firestore.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrMiss is returned by an External cache when the key is not present.
var ErrMiss = errors.New("cache miss")

// External is the contract for a shared cache that several processes can read
// and write. Values are opaque bytes; expiry is enforced by the implementation.
type External interface {
	// Fetch returns the cached bytes for key, or ErrMiss.
	Fetch(ctx context.Context, key string) ([]byte, error)
	// Write stores data under key for at most ttl.
	Write(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	io.Closer
}

// Error describes a failed operation against a cache tier.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
