//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-contextstore/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreCache_Integration(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	const projectID = "test-project"

	// The client picks up FIRESTORE_EMULATOR_HOST automatically.
	client, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	c, err := cache.NewFirestoreCache(client, "context-cache", zerolog.Nop())
	require.NoError(t, err)

	t.Run("Write then Fetch", func(t *testing.T) {
		err := c.Write(ctx, "user:1/profile", []byte(`{"name":"ada"}`), time.Minute)
		require.NoError(t, err)

		data, err := c.Fetch(ctx, "user:1/profile")
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"ada"}`, string(data))
	})

	t.Run("Fetch Miss", func(t *testing.T) {
		_, err := c.Fetch(ctx, "non-existent")
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("Delete removes the document", func(t *testing.T) {
		require.NoError(t, c.Write(ctx, "to-delete", []byte(`1`), time.Minute))
		require.NoError(t, c.Delete(ctx, "to-delete"))

		_, err := c.Fetch(ctx, "to-delete")
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("Expired document is a miss and is removed", func(t *testing.T) {
		require.NoError(t, c.Write(ctx, "short", []byte(`1`), 50*time.Millisecond))
		time.Sleep(100 * time.Millisecond)

		_, err := c.Fetch(ctx, "short")
		assert.ErrorIs(t, err, cache.ErrMiss)

		docs, err := client.Collection("context-cache").Where("key", "==", "short").Documents(ctx).GetAll()
		require.NoError(t, err)
		assert.Empty(t, docs)
	})
}
