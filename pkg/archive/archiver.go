// Package archive copies context store snapshots to Google Cloud Storage so a
// host loss does not lose the last durable state.
package archive

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the destination of archived snapshots.
type Config struct {
	BucketName   string
	ObjectPrefix string
}

// GCSArchiver uploads gzip-compressed snapshots, one object per flush, under
// <prefix>/YYYY/MM/DD/. It implements contextstore.SnapshotArchiver.
type GCSArchiver struct {
	bucket Bucket
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

// NewGCSArchiver creates an archiver writing into bucket.
func NewGCSArchiver(bucket Bucket, cfg Config, logger zerolog.Logger) (*GCSArchiver, error) {
	if bucket == nil {
		return nil, errors.New("archive bucket cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("archive bucket name is required")
	}
	return &GCSArchiver{
		bucket: bucket,
		prefix: cfg.ObjectPrefix,
		logger: logger.With().Str("component", "GCSArchiver").Str("bucket", cfg.BucketName).Logger(),
		now:    time.Now,
	}, nil
}

// ObjectName returns the object path used for a snapshot taken at t.
func (a *GCSArchiver) ObjectName(t time.Time) string {
	t = t.UTC()
	file := fmt.Sprintf("%s-%s.json.gz", t.Format("20060102T150405Z"), uuid.NewString())
	return path.Join(a.prefix, t.Format("2006/01/02"), file)
}

// Archive compresses snapshot and uploads it as a new object.
func (a *GCSArchiver) Archive(ctx context.Context, snapshot []byte) error {
	name := a.ObjectName(a.now())
	w := a.bucket.NewObjectWriter(ctx, name, ObjectAttrs{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		Metadata:        map[string]string{"source": "contextd"},
	})

	gz := gzip.NewWriter(w)
	_, err := gz.Write(snapshot)
	if err == nil {
		err = gz.Close()
	}
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to compress snapshot into %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", name, err)
	}

	a.logger.Info().Str("object_name", name).Int("snapshot_bytes", len(snapshot)).Msg("Snapshot archived.")
	return nil
}
