package objstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation names passed to MemoryStore hooks.
const (
	OpHead     = "head"
	OpGet      = "get"
	OpPut      = "put"
	OpCreate   = "create_multipart"
	OpCopyPart = "copy_part"
	OpComplete = "complete_multipart"
	OpAbort    = "abort_multipart"
)

type memObject struct {
	data []byte
	info ObjectInfo
}

type memUpload struct {
	bucket string
	key    string
	info   ObjectInfo
	parts  map[int32][]byte
}

// MemoryStore is an in-memory ObjectStore. Buckets must be created before use.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]*memObject
	uploads map[string]*memUpload

	// Hook, when set, runs before every operation; a non-nil error fails it.
	Hook func(op, bucket, key string) error

	puts    int
	aborted int
}

// NewMemoryStore creates an empty store with the given buckets.
func NewMemoryStore(buckets ...string) *MemoryStore {
	m := &MemoryStore{
		buckets: make(map[string]map[string]*memObject),
		uploads: make(map[string]*memUpload),
	}
	for _, b := range buckets {
		m.CreateBucket(b)
	}
	return m
}

// CreateBucket adds an empty bucket if it does not exist.
func (m *MemoryStore) CreateBucket(bucket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string]*memObject)
	}
}

// PutBytes stores data directly, bypassing hooks.
func (m *MemoryStore) PutBytes(bucket, key string, data []byte, info ObjectInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	objects, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("put %s/%s: %w", bucket, key, ErrBucketNotFound)
	}
	objects[key] = newMemObject(data, info)
	return nil
}

// Object returns a copy of a stored object's content and info.
func (m *MemoryStore) Object(bucket, key string) ([]byte, ObjectInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ObjectInfo{}, false
	}
	return append([]byte(nil), obj.data...), cloneInfo(obj.info), true
}

// Keys lists the keys of a bucket in sorted order.
func (m *MemoryStore) Keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.buckets[bucket]))
	for k := range m.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PendingUploads returns the number of multipart uploads neither completed nor aborted.
func (m *MemoryStore) PendingUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// Puts returns how many objects were written through Put or CompleteMultipartUpload.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Aborted returns how many multipart uploads were aborted.
func (m *MemoryStore) Aborted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}

func (m *MemoryStore) hook(op, bucket, key string) error {
	if m.Hook == nil {
		return nil
	}
	return m.Hook(op, bucket, key)
}

func (m *MemoryStore) lookup(bucket, key string) (*memObject, error) {
	objects, ok := m.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%s: %w", bucket, ErrBucketNotFound)
	}
	obj, ok := objects[key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return obj, nil
}

// Head implements Store.
func (m *MemoryStore) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	if err := m.hook(OpHead, bucket, key); err != nil {
		return ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("head object: %w", err)
	}
	return cloneInfo(obj.info), nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	if err := m.hook(OpGet, bucket, key); err != nil {
		return nil, ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("get object: %w", err)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), cloneInfo(obj.info), nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, bucket, key string, body io.Reader, info ObjectInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.hook(OpPut, bucket, key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("put object: read body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	objects, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("put object: %s: %w", bucket, ErrBucketNotFound)
	}
	objects[key] = newMemObject(data, info)
	m.puts++
	return nil
}

// CreateMultipartUpload implements MultipartStore.
func (m *MemoryStore) CreateMultipartUpload(ctx context.Context, bucket, key string, info ObjectInfo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := m.hook(OpCreate, bucket, key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return "", fmt.Errorf("create multipart upload: %s: %w", bucket, ErrBucketNotFound)
	}
	id := uuid.New().String()
	m.uploads[id] = &memUpload{
		bucket: bucket,
		key:    key,
		info:   cloneInfo(info),
		parts:  make(map[int32][]byte),
	}
	return id, nil
}

// CopyPart implements MultipartStore.
func (m *MemoryStore) CopyPart(ctx context.Context, src PartSource, dstBucket, dstKey, uploadID string, partNumber int32, first, last int64) (CompletedPart, error) {
	if err := ctx.Err(); err != nil {
		return CompletedPart{}, err
	}
	if err := m.hook(OpCopyPart, src.Bucket, src.Key); err != nil {
		return CompletedPart{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.bucket != dstBucket || up.key != dstKey {
		return CompletedPart{}, fmt.Errorf("copy part: no such upload %s: %w", uploadID, ErrInvalidRequest)
	}
	obj, err := m.lookup(src.Bucket, src.Key)
	if err != nil {
		return CompletedPart{}, fmt.Errorf("copy part: %w", err)
	}
	if src.ETag != "" && src.ETag != obj.info.ETag {
		return CompletedPart{}, fmt.Errorf("copy part: %s/%s: %w", src.Bucket, src.Key, ErrObjectChanged)
	}
	if first < 0 || last < first || last >= int64(len(obj.data)) {
		return CompletedPart{}, fmt.Errorf("copy part: range %d-%d of %d bytes: %w", first, last, len(obj.data), ErrInvalidRequest)
	}
	part := append([]byte(nil), obj.data[first:last+1]...)
	up.parts[partNumber] = part
	return CompletedPart{PartNumber: partNumber, ETag: etag(part)}, nil
}

// CompleteMultipartUpload implements MultipartStore.
func (m *MemoryStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.hook(OpComplete, bucket, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return fmt.Errorf("complete multipart upload: no such upload %s: %w", uploadID, ErrInvalidRequest)
	}

	var buf bytes.Buffer
	for i, p := range parts {
		if p.PartNumber != int32(i+1) {
			return fmt.Errorf("complete multipart upload: part %d out of order: %w", p.PartNumber, ErrInvalidRequest)
		}
		data, ok := up.parts[p.PartNumber]
		if !ok || etag(data) != p.ETag {
			return fmt.Errorf("complete multipart upload: part %d missing: %w", p.PartNumber, ErrInvalidRequest)
		}
		buf.Write(data)
	}

	objects, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("complete multipart upload: %s: %w", bucket, ErrBucketNotFound)
	}
	objects[key] = newMemObject(buf.Bytes(), up.info)
	delete(m.uploads, uploadID)
	m.puts++
	return nil
}

// AbortMultipartUpload implements MultipartStore.
func (m *MemoryStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := m.hook(OpAbort, bucket, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[uploadID]; ok {
		delete(m.uploads, uploadID)
		m.aborted++
	}
	return nil
}

func newMemObject(data []byte, info ObjectInfo) *memObject {
	stored := cloneInfo(info)
	stored.Size = int64(len(data))
	stored.ETag = etag(data)
	stored.LastModified = time.Now()
	return &memObject{data: append([]byte(nil), data...), info: stored}
}

func cloneInfo(info ObjectInfo) ObjectInfo {
	info.Metadata = copyMetadata(info.Metadata)
	return info
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

var _ ObjectStore = (*MemoryStore)(nil)
