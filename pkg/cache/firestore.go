package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// cachedDoc is one cached value. expires_at can be configured as the
// collection's TTL policy field so Firestore also removes stale documents.
type cachedDoc struct {
	Key       string    `firestore:"key"`
	Data      []byte    `firestore:"data"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

// FirestoreCache keeps one document per context key in a single collection.
// Expiry is checked on read; an expired document found on read is removed.
// It suits low-volume deployments that already run on Firestore.
type FirestoreCache struct {
	coll   *firestore.CollectionRef
	logger zerolog.Logger
	now    func() time.Time
}

// NewFirestoreCache uses collection of client. The client stays owned by the
// caller.
func NewFirestoreCache(client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreCache, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if collection == "" {
		return nil, errors.New("firestore collection name is required")
	}
	return &FirestoreCache{
		coll:   client.Collection(collection),
		logger: logger.With().Str("component", "FirestoreCache").Str("collection", collection).Logger(),
		now:    time.Now,
	}, nil
}

// doc maps key to a document. Context keys may contain '/', which Firestore
// treats as a path separator, so IDs are base64url encoded.
func (c *FirestoreCache) doc(key string) *firestore.DocumentRef {
	return c.coll.Doc(base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// Fetch reads the document for key.
func (c *FirestoreCache) Fetch(ctx context.Context, key string) ([]byte, error) {
	ref := c.doc(key)
	snap, err := ref.Get(ctx)
	if isNotFound(err) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Err: err}
	}

	var d cachedDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, &Error{Op: "decode", Key: key, Err: err}
	}
	if c.now().Before(d.ExpiresAt) {
		return d.Data, nil
	}

	// Only remove the document this read saw; a concurrent Write wins.
	if _, err := ref.Delete(ctx, firestore.LastUpdateTime(snap.UpdateTime)); err != nil && !isNotFound(err) {
		c.logger.Debug().Err(err).Str("key", key).Msg("Expired cache document not removed.")
	}
	return nil, ErrMiss
}

// Write replaces the document for key. A non-positive ttl writes nothing.
func (c *FirestoreCache) Write(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	d := cachedDoc{Key: key, Data: data, ExpiresAt: c.now().Add(ttl)}
	if _, err := c.doc(key).Set(ctx, d); err != nil {
		return &Error{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete removes the document for key.
func (c *FirestoreCache) Delete(ctx context.Context, key string) error {
	_, err := c.doc(key).Delete(ctx)
	if err != nil && !isNotFound(err) {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Close does nothing; the client belongs to the caller.
func (c *FirestoreCache) Close() error { return nil }
