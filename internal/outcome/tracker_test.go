package outcome

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/s3relay/internal/notification"
	"github.com/tunnelmesh/s3relay/internal/objstore"
	"github.com/tunnelmesh/s3relay/internal/transfer"
)

func success(key string, n int64) transfer.Outcome {
	return transfer.Outcome{
		Reference: notification.ObjectReference{Bucket: "src", Key: key},
		Status:    transfer.StatusSuccess,
		Bytes:     n,
	}
}

func failure(key string, kind objstore.Kind, detail string) transfer.Outcome {
	return transfer.Outcome{
		Reference: notification.ObjectReference{Bucket: "src", Key: key},
		Status:    transfer.StatusFailure,
		Kind:      kind,
		Detail:    detail,
	}
}

func TestTracker_AllSucceeded(t *testing.T) {
	tr := NewTracker()
	tr.Begin("m1")
	tr.Begin("m2")
	tr.Record("m1", success("a", 10))
	tr.Record("m2", success("b", 5))
	tr.Record("m2", success("c", 1))

	res, err := tr.Result()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"m1", "m2"}, res.Acknowledge)
	assert.Equal(t, 3, res.Transfers)
	assert.Equal(t, 0, res.TransferFailures)
	assert.Equal(t, int64(16), res.Bytes)
}

func TestTracker_NoReferencesIsSuccess(t *testing.T) {
	tr := NewTracker()
	tr.Begin("empty")

	res, err := tr.Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"empty"}, res.Acknowledge)
}

func TestTracker_PartialFailureNotAcknowledged(t *testing.T) {
	tr := NewTracker()
	tr.Begin("m1")
	tr.Record("m1", success("a", 1))
	tr.Record("m1", failure("b", objstore.KindNotFound, "object not found"))

	res, err := tr.Result()
	require.NoError(t, err)
	assert.Equal(t, 0, res.Succeeded)
	assert.Empty(t, res.Acknowledge)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "m1", res.Failed[0].MessageID)
	assert.Equal(t, objstore.KindNotFound, res.Failed[0].Kind)
	assert.Equal(t, "src/b: object not found", res.Failed[0].Detail)
	assert.Equal(t, 1, res.TransferFailures)
}

func TestTracker_ParseFailure(t *testing.T) {
	tr := NewTracker()
	tr.Begin("bad")
	tr.ParseFailed("bad", errors.New("body is not valid JSON"))

	res, err := tr.Result()
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, objstore.KindParse, res.Failed[0].Kind)
	assert.Contains(t, res.Failed[0].Detail, "not valid JSON")
	assert.Empty(t, res.Acknowledge)
}

func TestTracker_ParseFailureWithValidTransfers(t *testing.T) {
	tr := NewTracker()
	tr.Begin("m1")
	tr.ParseFailed("m1", errors.New("record 1: missing key"))
	tr.Record("m1", success("a", 1))

	res, err := tr.Result()
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, objstore.KindParse, res.Failed[0].Kind)
	assert.Equal(t, 1, res.Transfers)
}

func TestTracker_MostSevereKind(t *testing.T) {
	tr := NewTracker()
	tr.Begin("m1")
	tr.Record("m1", failure("a", objstore.KindTransient, "slow down"))
	tr.Record("m1", failure("b", objstore.KindAccess, "access denied"))
	tr.Record("m1", failure("c", objstore.KindNotFound, "object not found"))

	res, err := tr.Result()
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, objstore.KindAccess, res.Failed[0].Kind)
	assert.Equal(t, "src/a: slow down; src/b: access denied; src/c: object not found", res.Failed[0].Detail)
}

func TestTracker_Skip(t *testing.T) {
	tr := NewTracker()
	tr.Begin("m1")
	tr.Begin("m2")
	tr.Record("m1", success("a", 1))
	tr.Skip("m2", "not started: invocation deadline")

	res, err := tr.Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, res.Acknowledge)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "m2", res.Failed[0].MessageID)
	assert.Equal(t, "not started: invocation deadline", res.Failed[0].Detail)
	assert.Equal(t, objstore.KindTransient, res.Failed[0].Kind)
}

func TestTracker_FailureWithoutDetail(t *testing.T) {
	tr := NewTracker()
	tr.Record("m1", transfer.Outcome{
		Reference: notification.ObjectReference{Bucket: "src", Key: "k"},
		Status:    transfer.StatusFailure,
	})

	res, err := tr.Result()
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "src/k: transfer failed", res.Failed[0].Detail)
	assert.Equal(t, objstore.KindTransient, res.Failed[0].Kind)
}

func TestTracker_CountsInvariant(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("m%02d", i)
		tr.Begin(id)
		switch i % 4 {
		case 0:
			tr.Record(id, success("ok", 1))
		case 1:
			tr.Record(id, failure("bad", objstore.KindNotFound, "gone"))
		case 2:
			tr.ParseFailed(id, errors.New("bad body"))
		case 3:
			tr.Skip(id, "")
		}
	}

	res, err := tr.Result()
	require.NoError(t, err)
	assert.Equal(t, 50, res.Total)
	assert.Equal(t, res.Total, res.Succeeded+len(res.Failed))
	for _, f := range res.Failed {
		assert.NotEmpty(t, f.Detail, "message %s", f.MessageID)
	}
	assert.Len(t, res.FailedIDs(), len(res.Failed))
	assert.Equal(t, "m01", res.FailedIDs()[0])
}

func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i)
			tr.Begin(id)
			for j := 0; j < 5; j++ {
				tr.Record(id, success(fmt.Sprintf("k%d", j), 2))
			}
		}(i)
	}
	wg.Wait()

	res, err := tr.Result()
	require.NoError(t, err)
	assert.Equal(t, 20, res.Succeeded)
	assert.Equal(t, 100, res.Transfers)
	assert.Equal(t, int64(200), res.Bytes)
}

func TestTracker_VerifyDetectsViolation(t *testing.T) {
	tr := NewTracker()
	tr.Begin("m1")
	tr.Record("m1", failure("a", objstore.KindAccess, "denied"))

	res := &BatchResult{Total: 1, Succeeded: 1, Acknowledge: []string{"m1"}}
	err := tr.verify(res)
	assert.ErrorIs(t, err, ErrInvariant)

	res = &BatchResult{Total: 1, Failed: []FailedMessage{{MessageID: "m1"}}}
	err = tr.verify(res)
	assert.ErrorIs(t, err, ErrInvariant)
}
