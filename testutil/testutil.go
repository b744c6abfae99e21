// Package testutil provides shared test helpers for s3relay tests.
package testutil

import (
	"encoding/json"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "s3relay-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

// EncodeKey encodes an object key the way bucket notifications do: query
// escaping, so spaces become '+'.
func EncodeKey(key string) string {
	return url.QueryEscape(key)
}

// Record builds one ObjectCreated event record. The key is encoded.
func Record(bucket, key string) map[string]any {
	return map[string]any{
		"eventVersion": "2.1",
		"eventSource":  "aws:s3",
		"eventName":    "ObjectCreated:Put",
		"s3": map[string]any{
			"bucket": map[string]any{"name": bucket},
			"object": map[string]any{"key": EncodeKey(key), "size": 0},
		},
	}
}

// DirectBody builds a {"Records":[...]} notification for the given keys in bucket.
func DirectBody(t *testing.T, bucket string, keys ...string) string {
	t.Helper()
	records := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		records = append(records, Record(bucket, k))
	}
	return mustJSON(t, map[string]any{"Records": records})
}

// IndirectBody wraps inner in a fan-out topic envelope, as when a bucket
// notification is relayed through a topic before reaching the queue.
func IndirectBody(t *testing.T, inner string) string {
	t.Helper()
	return mustJSON(t, map[string]any{
		"Type":      "Notification",
		"MessageId": "00000000-0000-0000-0000-000000000000",
		"TopicArn":  "arn:aws:sns:us-east-1:123456789012:uploads",
		"Subject":   "Amazon S3 Notification",
		"Message":   inner,
	})
}

// JSONLines joins bodies into newline-delimited input for replay.
func JSONLines(bodies ...string) string {
	return strings.Join(bodies, "\n") + "\n"
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal notification: %v", err)
	}
	return string(data)
}
