package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS limits.
const (
	sqsMaxBatch    = 10
	sqsMaxWaitTime = 20 * time.Second
)

// sqsAPI is the subset of the SQS client used by SQSSource.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, in *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SQSConfig configures an SQSSource.
type SQSConfig struct {
	QueueURL string

	// WaitTime is the long-poll duration, at most 20s (default 20s).
	WaitTime time.Duration

	// VisibilityTimeout overrides the queue's timeout for received messages (0 = queue default).
	VisibilityTimeout time.Duration

	// RetryDelay is how long released messages stay hidden before redelivery.
	// 0 leaves them hidden for the rest of the visibility timeout.
	RetryDelay time.Duration

	// Endpoint overrides the SQS endpoint (local emulators).
	Endpoint string
}

// EntryError is a per-message failure reported by a batch call.
type EntryError struct {
	MessageID string
	Code      string
	Message   string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("message %s: %s: %s", e.MessageID, e.Code, e.Message)
}

// SQSSource receives notifications from an SQS queue.
type SQSSource struct {
	client sqsAPI
	cfg    SQSConfig
	closed atomic.Bool
}

// NewSQSSource creates a source for cfg.QueueURL.
func NewSQSSource(awsCfg aws.Config, cfg SQSConfig) (*SQSSource, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs: queue URL is required")
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSQSSource(client, cfg), nil
}

func newSQSSource(client sqsAPI, cfg SQSConfig) *SQSSource {
	if cfg.WaitTime <= 0 || cfg.WaitTime > sqsMaxWaitTime {
		cfg.WaitTime = sqsMaxWaitTime
	}
	return &SQSSource{client: client, cfg: cfg}
}

// Receive long-polls for up to max messages (at most 10).
func (s *SQSSource) Receive(ctx context.Context, max int) ([]Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if max <= 0 || max > sqsMaxBatch {
		max = sqsMaxBatch
	}

	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.cfg.QueueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(s.cfg.WaitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	}
	if s.cfg.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(s.cfg.VisibilityTimeout / time.Second)
	}

	out, err := s.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Attributes:    m.Attributes,
		}
		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			msg.ReceiveCount = n
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Ack deletes msgs from the queue in batches of 10. Per-message failures are
// joined into the returned error as *EntryError values.
func (s *SQSSource) Ack(ctx context.Context, msgs []Message) error {
	var errs []error
	for _, chunk := range chunks(msgs, sqsMaxBatch) {
		entries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		for i, m := range chunk {
			entries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(m.ReceiptHandle),
			}
		}
		out, err := s.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(s.cfg.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sqs delete batch: %w", err))
			continue
		}
		errs = append(errs, entryErrors(chunk, out.Failed)...)
	}
	return errors.Join(errs...)
}

// Release makes msgs visible again after the configured retry delay. With no
// retry delay the messages are left to the queue's visibility timeout.
func (s *SQSSource) Release(ctx context.Context, msgs []Message) error {
	if s.cfg.RetryDelay <= 0 {
		return nil
	}
	timeout := int32(s.cfg.RetryDelay / time.Second)

	var errs []error
	for _, chunk := range chunks(msgs, sqsMaxBatch) {
		entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, len(chunk))
		for i, m := range chunk {
			entries[i] = types.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				ReceiptHandle:     aws.String(m.ReceiptHandle),
				VisibilityTimeout: timeout,
			}
		}
		out, err := s.client.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: aws.String(s.cfg.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sqs change visibility batch: %w", err))
			continue
		}
		errs = append(errs, entryErrors(chunk, out.Failed)...)
	}
	return errors.Join(errs...)
}

// Close marks the source closed. The SQS client holds no connections of its own.
func (s *SQSSource) Close() error {
	s.closed.Store(true)
	return nil
}

func entryErrors(chunk []Message, failed []types.BatchResultErrorEntry) []error {
	errs := make([]error, 0, len(failed))
	for _, f := range failed {
		id := aws.ToString(f.Id)
		if i, err := strconv.Atoi(id); err == nil && i >= 0 && i < len(chunk) {
			id = chunk[i].ID
		}
		errs = append(errs, &EntryError{
			MessageID: id,
			Code:      aws.ToString(f.Code),
			Message:   aws.ToString(f.Message),
		})
	}
	return errs
}

func chunks(msgs []Message, size int) [][]Message {
	var out [][]Message
	for len(msgs) > 0 {
		n := min(size, len(msgs))
		out = append(out, msgs[:n])
		msgs = msgs[n:]
	}
	return out
}

var _ Source = (*SQSSource)(nil)
