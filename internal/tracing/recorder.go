// Package tracing keeps a rolling runtime trace in memory using the Go
// FlightRecorder and dumps it to disk when a batch stalls.
package tracing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/trace"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// ErrNotStarted is returned by Dump before Start or after Stop.
var ErrNotStarted = errors.New("tracing: recorder not started")

// ErrRateLimited is returned by Dump when a dump was written too recently.
var ErrRateLimited = errors.New("tracing: dump rate limited")

// Config configures a Recorder.
type Config struct {
	Dir        string        // where dumps are written (default os.TempDir())
	BufferSize int           // ring buffer size in bytes (default 10MB)
	MinAge     time.Duration // trace history kept (default 30s)
	Interval   time.Duration // minimum time between dumps (default 1m)
}

// Recorder wraps a FlightRecorder. Only one can run per process.
type Recorder struct {
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	recorder *trace.FlightRecorder
}

// New creates a stopped recorder.
func New(cfg Config) *Recorder {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Recorder{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
	}
}

// Start begins recording.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recorder != nil {
		return nil
	}
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("tracing: create dump dir: %w", err)
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   r.cfg.MinAge,
		MaxBytes: uint64(r.cfg.BufferSize),
	})
	if err := fr.Start(); err != nil {
		return fmt.Errorf("tracing: start flight recorder: %w", err)
	}
	r.recorder = fr
	return nil
}

// Dump writes the buffered trace to a new file named after reason and
// returns its path. The file can be opened with `go tool trace`.
func (r *Recorder) Dump(reason string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recorder == nil {
		return "", ErrNotStarted
	}
	if !r.limiter.Allow() {
		return "", ErrRateLimited
	}

	name := fmt.Sprintf("s3relay-%s-%s.trace", reason, time.Now().UTC().Format("20060102T150405.000"))
	path := filepath.Join(r.cfg.Dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("tracing: create dump: %w", err)
	}
	if _, err := r.recorder.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("tracing: write dump: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("tracing: close dump: %w", err)
	}
	return path, nil
}

// Stop stops recording. It is safe to call Stop multiple times.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.Stop()
		r.recorder = nil
	}
}
