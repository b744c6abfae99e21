package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetHead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("src")

	info := ObjectInfo{ContentType: "text/plain", Metadata: map[string]string{"owner": "alice"}}
	require.NoError(t, store.Put(ctx, "src", "a.txt", bytes.NewReader([]byte("hello")), info))

	head, err := store.Head(ctx, "src", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), head.Size)
	assert.Equal(t, "text/plain", head.ContentType)
	assert.Equal(t, "alice", head.Metadata["owner"])
	assert.NotEmpty(t, head.ETag)

	rc, got, err := store.Get(ctx, "src", "a.txt")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, head.ETag, got.ETag)

	// Returned metadata must not alias the stored copy.
	got.Metadata["owner"] = "mallory"
	head, err = store.Head(ctx, "src", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alice", head.Metadata["owner"])
}

func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("src")

	_, err := store.Head(ctx, "src", "missing")
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	_, _, err = store.Get(ctx, "nope", "k")
	assert.True(t, errors.Is(err, ErrBucketNotFound))

	err = store.Put(ctx, "nope", "k", bytes.NewReader(nil), ObjectInfo{})
	assert.True(t, errors.Is(err, ErrBucketNotFound))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.Head(cancelled, "src", "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_Hook(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("src")
	require.NoError(t, store.PutBytes("src", "k", []byte("x"), ObjectInfo{}))

	store.Hook = func(op, bucket, key string) error {
		if op == OpGet {
			return ErrThrottled
		}
		return nil
	}

	_, err := store.Head(ctx, "src", "k")
	require.NoError(t, err)
	_, _, err = store.Get(ctx, "src", "k")
	assert.ErrorIs(t, err, ErrThrottled)
}

func TestMemoryStore_Multipart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("src", "dst")
	payload := []byte("0123456789abcdef")
	require.NoError(t, store.PutBytes("src", "big", payload, ObjectInfo{}))

	id, err := store.CreateMultipartUpload(ctx, "dst", "big", ObjectInfo{ContentType: "application/octet-stream"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.PendingUploads())

	head, err := store.Head(ctx, "src", "big")
	require.NoError(t, err)
	src := PartSource{Bucket: "src", Key: "big", ETag: head.ETag}

	p2, err := store.CopyPart(ctx, src, "dst", "big", id, 2, 10, 15)
	require.NoError(t, err)
	p1, err := store.CopyPart(ctx, src, "dst", "big", id, 1, 0, 9)
	require.NoError(t, err)

	_, err = store.CopyPart(ctx, src, "dst", "big", id, 3, 10, 16)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	stale := PartSource{Bucket: "src", Key: "big", ETag: `"stale"`}
	_, err = store.CopyPart(ctx, stale, "dst", "big", id, 3, 0, 1)
	assert.ErrorIs(t, err, ErrObjectChanged)

	require.NoError(t, store.CompleteMultipartUpload(ctx, "dst", "big", id, []CompletedPart{p1, p2}))
	assert.Equal(t, 0, store.PendingUploads())

	data, info, ok := store.Object("dst", "big")
	require.True(t, ok)
	assert.Equal(t, payload, data)
	assert.Equal(t, "application/octet-stream", info.ContentType)
}

func TestMemoryStore_Abort(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("dst")

	id, err := store.CreateMultipartUpload(ctx, "dst", "k", ObjectInfo{})
	require.NoError(t, err)
	require.NoError(t, store.AbortMultipartUpload(ctx, "dst", "k", id))
	assert.Equal(t, 0, store.PendingUploads())
	assert.Equal(t, 1, store.Aborted())
	assert.Empty(t, store.Keys("dst"))

	err = store.CompleteMultipartUpload(ctx, "dst", "k", id, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
