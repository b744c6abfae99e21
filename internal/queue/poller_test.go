package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/s3relay/internal/outcome"
)

// memorySource serves fixed batches, then cancels the run.
type memorySource struct {
	mu       sync.Mutex
	batches  [][]Message
	errs     []error
	acked    []string
	released []string
	done     context.CancelFunc
}

func (s *memorySource) Receive(ctx context.Context, max int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if len(s.batches) == 0 {
		s.done()
		return nil, ctx.Err()
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *memorySource) Ack(ctx context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.acked = append(s.acked, m.ID)
	}
	return nil
}

func (s *memorySource) Release(ctx context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.released = append(s.released, m.ID)
	}
	return nil
}

func (s *memorySource) Close() error { return nil }

func TestPoller_AcksAndReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &memorySource{
		batches: [][]Message{
			{{ID: "a"}, {ID: "b"}},
			{},
			{{ID: "c"}},
		},
		done: cancel,
	}
	proc := &fakeProcessor{fail: map[string]bool{"b": true}}
	p := NewPoller(src, proc, PollerConfig{Logger: zerolog.Nop()})

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []string{"a", "c"}, src.acked)
	assert.Equal(t, []string{"b"}, src.released)
	assert.Len(t, proc.batches, 2, "empty receives are not processed")
}

func TestPoller_BacksOffOnReceiveError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	src := &memorySource{
		errs:    []error{boom, boom, boom, boom, boom, boom},
		batches: [][]Message{{{ID: "a"}}},
		done:    cancel,
	}
	p := NewPoller(src, &fakeProcessor{}, PollerConfig{Logger: zerolog.Nop()})

	var sleeps []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second,
	}, sleeps)
	assert.Equal(t, []string{"a"}, src.acked)
}

func TestPoller_InvariantStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &memorySource{batches: [][]Message{{{ID: "a"}}}, done: cancel}
	p := NewPoller(src, &fakeProcessor{err: outcome.ErrInvariant}, PollerConfig{Logger: zerolog.Nop()})

	err := p.Run(ctx)
	assert.ErrorIs(t, err, outcome.ErrInvariant)
	assert.Empty(t, src.acked)
	assert.Empty(t, src.released)
}

func TestPoller_BatchTimeoutSetsDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &memorySource{batches: [][]Message{{{ID: "a"}}}, done: cancel}
	var remaining time.Duration
	proc := processorFunc(func(ctx context.Context, msgs []Message) (*outcome.BatchResult, error) {
		deadline, ok := ctx.Deadline()
		if ok {
			remaining = time.Until(deadline)
		}
		return &outcome.BatchResult{Total: 1, Succeeded: 1, Acknowledge: []string{"a"}}, nil
	})
	p := NewPoller(src, proc, PollerConfig{Logger: zerolog.Nop(), BatchTimeout: time.Minute})

	require.NoError(t, p.Run(ctx))
	assert.Greater(t, remaining, 50*time.Second)
	assert.LessOrEqual(t, remaining, time.Minute)
}

type recordingTracer struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingTracer) Dump(reason string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return "/tmp/" + reason + ".trace", nil
}

func TestPoller_DumpsTraceOnTimeoutAndError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &memorySource{batches: [][]Message{{{ID: "slow"}}, {{ID: "bad"}}}, done: cancel}
	proc := processorFunc(func(ctx context.Context, msgs []Message) (*outcome.BatchResult, error) {
		if msgs[0].ID == "bad" {
			return nil, outcome.ErrInvariant
		}
		<-ctx.Done()
		return &outcome.BatchResult{
			Total:  1,
			Failed: []outcome.FailedMessage{{MessageID: "slow", Detail: "timed out"}},
		}, nil
	})
	tracer := &recordingTracer{}
	p := NewPoller(src, proc, PollerConfig{
		Logger:       zerolog.Nop(),
		BatchTimeout: 10 * time.Millisecond,
		Tracer:       tracer,
	})

	err := p.Run(ctx)
	assert.ErrorIs(t, err, outcome.ErrInvariant)
	assert.Equal(t, []string{"batch-timeout", "batch-error"}, tracer.reasons)
	assert.Equal(t, []string{"slow"}, src.released)
}

type processorFunc func(ctx context.Context, msgs []Message) (*outcome.BatchResult, error)

func (f processorFunc) ProcessBatch(ctx context.Context, msgs []Message) (*outcome.BatchResult, error) {
	return f(ctx, msgs)
}

func TestSplit(t *testing.T) {
	msgs := []Message{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	ack, release := split(msgs, &outcome.BatchResult{Acknowledge: []string{"c", "a"}})
	assert.Equal(t, []Message{{ID: "a"}, {ID: "c"}}, ack)
	assert.Equal(t, []Message{{ID: "b"}}, release)
}
