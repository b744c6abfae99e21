// Package queue connects the replication worker to the queues that deliver
// bucket notifications: SQS (polled or through a Lambda trigger) and NATS
// JetStream.
package queue

import (
	"context"
	"errors"

	"github.com/tunnelmesh/s3relay/internal/outcome"
)

// ErrClosed is returned by sources used after Close.
var ErrClosed = errors.New("queue source closed")

// Message is one queued notification.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string // source-specific handle used to ack or release
	ReceiveCount  int    // delivery attempts so far, 0 if unknown
	Attributes    map[string]string
}

// Source delivers messages and accepts acknowledgment decisions.
type Source interface {
	// Receive blocks until at least one message is available, the source's
	// wait time elapses, or ctx is done. It may return zero messages.
	Receive(ctx context.Context, max int) ([]Message, error)

	// Ack removes messages from the queue.
	Ack(ctx context.Context, msgs []Message) error

	// Release returns messages for redelivery.
	Release(ctx context.Context, msgs []Message) error

	Close() error
}

// Processor handles one batch of messages and decides which to acknowledge.
type Processor interface {
	ProcessBatch(ctx context.Context, msgs []Message) (*outcome.BatchResult, error)
}

// split partitions msgs into those acknowledged by res and the rest, keeping
// arrival order.
func split(msgs []Message, res *outcome.BatchResult) (ack, release []Message) {
	acked := make(map[string]bool, len(res.Acknowledge))
	for _, id := range res.Acknowledge {
		acked[id] = true
	}
	for _, m := range msgs {
		if acked[m.ID] {
			ack = append(ack, m)
		} else {
			release = append(release, m)
		}
	}
	return ack, release
}
