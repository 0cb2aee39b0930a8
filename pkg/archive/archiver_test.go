package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-contextstore/pkg/contextstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ contextstore.SnapshotArchiver = (*GCSArchiver)(nil)

type memObject struct {
	buf    bytes.Buffer
	attrs  ObjectAttrs
	closed bool
	err    error
}

func (o *memObject) Write(p []byte) (int, error) {
	if o.closed {
		return 0, errors.New("write after close")
	}
	return o.buf.Write(p)
}

func (o *memObject) Close() error {
	if o.closed {
		return errors.New("already closed")
	}
	o.closed = true
	return o.err
}

// memBucket keeps written objects in memory.
type memBucket struct {
	mu       sync.Mutex
	objects  map[string]*memObject
	closeErr error
}

func (b *memBucket) NewObjectWriter(_ context.Context, name string, attrs ObjectAttrs) io.WriteCloser {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string]*memObject)
	}
	obj := &memObject{attrs: attrs, err: b.closeErr}
	b.objects[name] = obj
	return obj
}

func TestNewGCSArchiver_Validation(t *testing.T) {
	_, err := NewGCSArchiver(nil, Config{BucketName: "b"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewGCSArchiver(&memBucket{}, Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestGCSArchiver_Archive(t *testing.T) {
	// Arrange
	bucket := &memBucket{}
	archiver, err := NewGCSArchiver(bucket, Config{BucketName: "snapshots", ObjectPrefix: "contextd"}, zerolog.Nop())
	require.NoError(t, err)
	archiver.now = func() time.Time { return time.Date(2025, 7, 4, 9, 30, 0, 0, time.UTC) }
	snapshot := []byte(`{"context_store":{},"ttl_store":{},"timestamp":1}`)

	// Act
	err = archiver.Archive(context.Background(), snapshot)

	// Assert
	require.NoError(t, err)
	require.Len(t, bucket.objects, 1)
	for name, obj := range bucket.objects {
		assert.True(t, strings.HasPrefix(name, "contextd/2025/07/04/20250704T093000Z-"), name)
		assert.True(t, strings.HasSuffix(name, ".json.gz"), name)
		assert.True(t, obj.closed)
		assert.Equal(t, "gzip", obj.attrs.ContentEncoding)
		assert.Equal(t, "application/json", obj.attrs.ContentType)

		gz, err := gzip.NewReader(&obj.buf)
		require.NoError(t, err)
		decompressed, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Equal(t, snapshot, decompressed)
	}
}

func TestGCSArchiver_UniqueObjectNames(t *testing.T) {
	bucket := &memBucket{}
	archiver, err := NewGCSArchiver(bucket, Config{BucketName: "b"}, zerolog.Nop())
	require.NoError(t, err)
	archiver.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, archiver.Archive(context.Background(), []byte(`{}`)))
	require.NoError(t, archiver.Archive(context.Background(), []byte(`{}`)))

	assert.Len(t, bucket.objects, 2, "snapshots in the same second must not overwrite each other")
}

func TestGCSArchiver_UploadError(t *testing.T) {
	bucket := &memBucket{closeErr: errors.New("upload rejected")}
	archiver, err := NewGCSArchiver(bucket, Config{BucketName: "b"}, zerolog.Nop())
	require.NoError(t, err)

	err = archiver.Archive(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload rejected")
}

func TestGCSArchiver_ArchivesManagerSnapshots(t *testing.T) {
	// Arrange
	bucket := &memBucket{}
	archiver, err := NewGCSArchiver(bucket, Config{BucketName: "b", ObjectPrefix: "snap"}, zerolog.Nop())
	require.NoError(t, err)

	cfg := contextstore.DefaultConfig()
	cfg.StoragePath = t.TempDir()
	cfg.EnablePersistence = true
	m, err := contextstore.NewManager(cfg, nil, zerolog.Nop(), contextstore.WithArchiver(archiver))
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Set(context.Background(), contextstore.Item{Key: "k", Value: "v"}))

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	// Assert
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	require.Len(t, bucket.objects, 1)
	for _, obj := range bucket.objects {
		gz, err := gzip.NewReader(&obj.buf)
		require.NoError(t, err)
		data, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"context_store":{"k"`)
	}
}
