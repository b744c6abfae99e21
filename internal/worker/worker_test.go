package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/s3relay/internal/metrics"
	"github.com/tunnelmesh/s3relay/internal/notification"
	"github.com/tunnelmesh/s3relay/internal/objstore"
	"github.com/tunnelmesh/s3relay/internal/queue"
	"github.com/tunnelmesh/s3relay/internal/transfer"
	"github.com/tunnelmesh/s3relay/testutil"
)

func setup(t *testing.T, objects map[string]string) (*objstore.MemoryStore, *transfer.Engine) {
	t.Helper()
	store := objstore.NewMemoryStore("src", "dst")
	for k, v := range objects {
		require.NoError(t, store.PutBytes("src", k, []byte(v), objstore.ObjectInfo{}))
	}
	return store, transfer.NewEngine(store, transfer.Config{DestinationBucket: "dst", Logger: zerolog.Nop()})
}

func msg(id, body string) queue.Message {
	return queue.Message{ID: id, Body: body}
}

func TestProcessBatch_DirectAndIndirect(t *testing.T) {
	store, engine := setup(t, map[string]string{"a+b.log": "A", "x.log": "X", "with space.txt": "S"})
	w := New(engine, Config{Logger: zerolog.Nop()})

	batch := []queue.Message{
		msg("m1", `{"Records":[{"s3":{"bucket":{"name":"src"},"object":{"key":"a%2Bb.log"}}}]}`),
		msg("m2", `{"Message":"{\"Records\":[{\"s3\":{\"bucket\":{\"name\":\"src\"},\"object\":{\"key\":\"x.log\"}}}]}"}`),
		msg("m3", testutil.IndirectBody(t, testutil.DirectBody(t, "src", "with space.txt"))),
	}

	res, err := w.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Succeeded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"m1", "m2", "m3"}, res.Acknowledge)
	assert.Equal(t, []string{"a+b.log", "with space.txt", "x.log"}, store.Keys("dst"))
}

func TestProcessBatch_MalformedBody(t *testing.T) {
	_, engine := setup(t, nil)
	w := New(engine, Config{Logger: zerolog.Nop()})

	res, err := w.ProcessBatch(context.Background(), []queue.Message{msg("bad", "not json")})
	require.NoError(t, err)
	assert.Empty(t, res.Acknowledge)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "bad", res.Failed[0].MessageID)
	assert.Equal(t, objstore.KindParse, res.Failed[0].Kind)
	assert.NotEmpty(t, res.Failed[0].Detail)
}

func TestProcessBatch_MissingSourceContinues(t *testing.T) {
	store, engine := setup(t, map[string]string{"present.txt": "P"})
	w := New(engine, Config{Logger: zerolog.Nop(), Concurrency: 1})

	res, err := w.ProcessBatch(context.Background(), []queue.Message{
		msg("m1", testutil.DirectBody(t, "src", "missing.txt")),
		msg("m2", testutil.DirectBody(t, "src", "present.txt")),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, res.Acknowledge)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "m1", res.Failed[0].MessageID)
	assert.Equal(t, objstore.KindNotFound, res.Failed[0].Kind)
	assert.Contains(t, res.Failed[0].Detail, "src/missing.txt")
	assert.Equal(t, []string{"present.txt"}, store.Keys("dst"))
}

func TestProcessBatch_PartialMessageNotAcknowledged(t *testing.T) {
	store, engine := setup(t, map[string]string{"a": "A"})
	w := New(engine, Config{Logger: zerolog.Nop()})

	res, err := w.ProcessBatch(context.Background(), []queue.Message{
		msg("m1", testutil.DirectBody(t, "src", "a", "b")),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Acknowledge)
	assert.Equal(t, 2, res.Transfers)
	assert.Equal(t, 1, res.TransferFailures)
	// The object that did exist is still replicated.
	assert.Equal(t, []string{"a"}, store.Keys("dst"))
}

func TestProcessBatch_EmptyAndIgnoredRecords(t *testing.T) {
	_, engine := setup(t, nil)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	w := New(engine, Config{Logger: zerolog.Nop(), Metrics: m})

	res, err := w.ProcessBatch(context.Background(), []queue.Message{
		msg("empty", `{"Records":[]}`),
		msg("test", `{"Service":"Amazon S3","Event":"s3:TestEvent","Bucket":"src"}`),
		msg("removed", `{"Records":[{"eventSource":"aws:s3","eventName":"ObjectRemoved:Delete","s3":{"bucket":{"name":"src"},"object":{"key":"gone"}}}]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "test", "removed"}, res.Acknowledge)
	assert.Equal(t, 0, res.Transfers)
	assert.Equal(t, 2.0, promtest.ToFloat64(m.RecordsSkipped))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.MessagesTotal.WithLabelValues("acknowledged")))
}

func TestProcessBatch_CountInvariant(t *testing.T) {
	objects := make(map[string]string)
	var batch []queue.Message
	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("obj-%d", i)
		id := fmt.Sprintf("m%02d", i)
		switch i % 3 {
		case 0:
			objects[key] = "data"
			batch = append(batch, msg(id, testutil.DirectBody(t, "src", key)))
		case 1:
			batch = append(batch, msg(id, testutil.DirectBody(t, "src", key)))
		case 2:
			batch = append(batch, msg(id, "{"))
		}
	}
	_, engine := setup(t, objects)
	w := New(engine, Config{Logger: zerolog.Nop(), Concurrency: 4})

	res, err := w.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 40, res.Total)
	assert.Equal(t, res.Total, res.Succeeded+len(res.Failed))
	assert.Equal(t, 14, res.Succeeded)
	for _, f := range res.Failed {
		assert.NotEmpty(t, f.Detail)
	}
}

func TestProcessBatch_DeadlineSkipsUnstarted(t *testing.T) {
	store, engine := setup(t, map[string]string{"a": "A"})
	w := New(engine, Config{Logger: zerolog.Nop(), DeadlineMargin: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := w.ProcessBatch(ctx, []queue.Message{
		msg("m1", testutil.DirectBody(t, "src", "a")),
		msg("m2", testutil.DirectBody(t, "src", "a")),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Acknowledge)
	require.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.Equal(t, reasonDeadline, f.Detail)
		assert.True(t, f.Kind.Retryable())
	}
	assert.Empty(t, store.Keys("dst"))
}

func TestProcessBatch_CancelledContext(t *testing.T) {
	_, engine := setup(t, map[string]string{"a": "A"})
	w := New(engine, Config{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := w.ProcessBatch(ctx, []queue.Message{msg("m1", testutil.DirectBody(t, "src", "a"))})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, reasonCancelled, res.Failed[0].Detail)
}

// blockingTransferer tracks how many transfers run at once.
type blockingTransferer struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	release  chan struct{}
}

func (b *blockingTransferer) Transfer(ctx context.Context, ref notification.ObjectReference) transfer.Outcome {
	n := b.inFlight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-b.release
	b.inFlight.Add(-1)
	return transfer.Outcome{Reference: ref, Status: transfer.StatusSuccess}
}

func TestProcessBatch_BoundedConcurrency(t *testing.T) {
	bt := &blockingTransferer{release: make(chan struct{})}
	w := New(bt, Config{Logger: zerolog.Nop(), Concurrency: 3})

	var batch []queue.Message
	for i := 0; i < 10; i++ {
		batch = append(batch, msg(fmt.Sprintf("m%d", i), testutil.DirectBody(t, "src", "k")))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, err := w.ProcessBatch(context.Background(), batch)
		if err != nil {
			t.Errorf("ProcessBatch: %v", err)
			return
		}
		if out.Succeeded != 10 {
			t.Errorf("expected 10 succeeded, got %d", out.Succeeded)
		}
	}()

	// Let transfers through one at a time.
	for i := 0; i < 10; i++ {
		bt.release <- struct{}{}
	}
	wg.Wait()
	assert.LessOrEqual(t, bt.peak.Load(), int32(3))
	assert.GreaterOrEqual(t, bt.peak.Load(), int32(1))
}

func TestNew_Defaults(t *testing.T) {
	w := New(nil, Config{})
	assert.Equal(t, DefaultConcurrency, w.concurrency)
	assert.Equal(t, DefaultDeadlineMargin, w.margin)

	w = New(nil, Config{DeadlineMargin: -1})
	assert.Equal(t, time.Duration(0), w.margin)
}
