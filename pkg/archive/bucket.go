package archive

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// ObjectAttrs are the attributes set on a newly written object.
type ObjectAttrs struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// Bucket is the part of a Cloud Storage bucket the archiver writes to. The
// object is committed when the returned writer is closed.
type Bucket interface {
	NewObjectWriter(ctx context.Context, name string, attrs ObjectAttrs) io.WriteCloser
}

// GCSBucket adapts a *storage.BucketHandle to Bucket.
type GCSBucket struct {
	handle *storage.BucketHandle
}

// NewGCSBucket returns the named bucket of client as a Bucket.
func NewGCSBucket(client *storage.Client, name string) *GCSBucket {
	return &GCSBucket{handle: client.Bucket(name)}
}

// NewObjectWriter opens a *storage.Writer for name with attrs applied.
func (b *GCSBucket) NewObjectWriter(ctx context.Context, name string, attrs ObjectAttrs) io.WriteCloser {
	w := b.handle.Object(name).NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.ContentEncoding = attrs.ContentEncoding
	w.Metadata = attrs.Metadata
	return w
}
