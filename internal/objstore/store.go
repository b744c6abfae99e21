// Package objstore defines the object storage operations the replication
// worker depends on, with an S3 implementation and an in-memory one.
package objstore

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes an object and the metadata that travels with it.
type ObjectInfo struct {
	Size               int64
	ETag               string
	LastModified       time.Time
	ContentType        string
	ContentEncoding    string
	ContentDisposition string
	CacheControl       string
	Metadata           map[string]string // user metadata, without the x-amz-meta- prefix
}

// Store is the single-shot object interface.
type Store interface {
	// Head returns object info without the body.
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// Get opens the object for reading. The caller must close the reader.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)

	// Put writes the object, replacing any existing object under the key.
	Put(ctx context.Context, bucket, key string, body io.Reader, info ObjectInfo) error
}

// CompletedPart identifies an uploaded part of a multipart upload.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// PartSource names the object a part is copied from.
type PartSource struct {
	Bucket string
	Key    string
	ETag   string
}

// MultipartStore copies large objects server-side in ranged parts.
type MultipartStore interface {
	CreateMultipartUpload(ctx context.Context, bucket, key string, info ObjectInfo) (uploadID string, err error)

	// CopyPart copies bytes [first, last] of the source object into part
	// partNumber. A non-empty src.ETag makes the copy fail with ErrObjectChanged
	// if the source was replaced after it was inspected.
	CopyPart(ctx context.Context, src PartSource, dstBucket, dstKey, uploadID string, partNumber int32, first, last int64) (CompletedPart, error)

	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// ObjectStore is implemented by backends that support both transfer paths.
type ObjectStore interface {
	Store
	MultipartStore
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
