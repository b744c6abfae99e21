package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/s3relay/internal/outcome"
)

// fakeProcessor acknowledges every message whose id is not in fail.
type fakeProcessor struct {
	fail    map[string]bool
	err     error
	batches [][]Message
}

func (f *fakeProcessor) ProcessBatch(ctx context.Context, msgs []Message) (*outcome.BatchResult, error) {
	f.batches = append(f.batches, msgs)
	if f.err != nil {
		return nil, f.err
	}
	res := &outcome.BatchResult{Total: len(msgs)}
	for _, m := range msgs {
		if f.fail[m.ID] {
			res.Failed = append(res.Failed, outcome.FailedMessage{MessageID: m.ID, Detail: "failed"})
			continue
		}
		res.Succeeded++
		res.Acknowledge = append(res.Acknowledge, m.ID)
	}
	return res, nil
}

func sqsEvent(ids ...string) events.SQSEvent {
	var ev events.SQSEvent
	for _, id := range ids {
		ev.Records = append(ev.Records, events.SQSMessage{
			MessageId:     id,
			ReceiptHandle: "rh-" + id,
			Body:          `{"Records":[]}`,
			Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
		})
	}
	return ev
}

func TestLambdaHandler_ReportsExactlyFailedIDs(t *testing.T) {
	proc := &fakeProcessor{fail: map[string]bool{"b": true, "d": true}}
	h := NewLambdaHandler(proc, zerolog.Nop())

	resp, err := h.Handle(context.Background(), sqsEvent("a", "b", "c", "d"))
	require.NoError(t, err)
	assert.Equal(t, []events.SQSBatchItemFailure{
		{ItemIdentifier: "b"},
		{ItemIdentifier: "d"},
	}, resp.BatchItemFailures)

	require.Len(t, proc.batches, 1)
	got := proc.batches[0]
	require.Len(t, got, 4)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "rh-a", got[0].ReceiptHandle)
	assert.Equal(t, 3, got[0].ReceiveCount)
}

func TestLambdaHandler_AllSucceeded(t *testing.T) {
	h := NewLambdaHandler(&fakeProcessor{}, zerolog.Nop())

	resp, err := h.Handle(context.Background(), sqsEvent("a", "b"))
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestLambdaHandler_InvariantFailsInvocation(t *testing.T) {
	h := NewLambdaHandler(&fakeProcessor{err: outcome.ErrInvariant}, zerolog.Nop())

	_, err := h.Handle(context.Background(), sqsEvent("a"))
	assert.True(t, errors.Is(err, outcome.ErrInvariant))
}

func TestFromSQSEvent_Empty(t *testing.T) {
	assert.Empty(t, FromSQSEvent(events.SQSEvent{}))
}
