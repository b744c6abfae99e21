// Package loki provides a zerolog writer that pushes logs to Grafana Loki.
//
// Entries are grouped into one stream per log level so that Loki queries can
// select on {level="error"} without parsing the line.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. http://loki:3100
	Labels        map[string]string // static labels added to every stream
	BatchSize     int               // max buffered entries before a flush (default 100)
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // HTTP timeout (default 10s)
}

// Writer implements zerolog.LevelWriter and pushes buffered entries to Loki.
// Write never fails; delivery errors are counted and reported on stderr.
type Writer struct {
	endpoint      string
	labels        map[string]string
	client        *http.Client
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string][]entry // by level
	count   int

	flushMu sync.Mutex
	trigger chan struct{}
	done    chan struct{}
	stop    context.CancelFunc

	failures atomic.Uint64
}

type entry struct {
	ts   time.Time
	line string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a writer. Call Start to begin periodic flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "s3relay"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Writer{
		endpoint:      cfg.URL + "/loki/api/v1/push",
		labels:        labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		pending:       make(map[string][]entry),
		trigger:       make(chan struct{}, 1),
	}
}

// Write implements io.Writer. Lines written without a level are sent with
// level "none".
func (w *Writer) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (w *Writer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	// zerolog reuses p after Write returns.
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}
	name := level.String()
	if name == "" {
		name = "none"
	}

	w.mu.Lock()
	w.pending[name] = append(w.pending[name], entry{ts: time.Now(), line: line})
	w.count++
	full := w.count >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start flushes in the background until ctx is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.stop = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Flush()
			case <-w.trigger:
				w.Flush()
			}
		}
	}()
}

// Close stops the background loop and flushes what is left.
func (w *Writer) Close() error {
	if w.stop != nil {
		w.stop()
		<-w.done
	}
	w.Flush()
	return nil
}

// Flush sends every buffered entry in a single push request.
func (w *Writer) Flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if w.count == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[string][]entry, len(batch))
	w.count = 0
	w.mu.Unlock()

	req := pushRequest{Streams: make([]stream, 0, len(batch))}
	for level, entries := range batch {
		labels := make(map[string]string, len(w.labels)+1)
		for k, v := range w.labels {
			labels[k] = v
		}
		labels["level"] = level

		values := make([][]string, len(entries))
		for i, e := range entries {
			values[i] = []string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
		}
		req.Streams = append(req.Streams, stream{Stream: labels, Values: values})
	}

	if err := w.push(req); err != nil {
		// Only the first few failures are reported to avoid flooding stderr.
		if w.failures.Add(1) <= 3 {
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
	}
}

func (w *Writer) push(req pushRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push: server returned status %d", resp.StatusCode)
	}
	return nil
}

// Failures returns the number of failed pushes.
func (w *Writer) Failures() uint64 {
	return w.failures.Load()
}

var _ zerolog.LevelWriter = (*Writer)(nil)
