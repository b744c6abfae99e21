package queue

import (
	"context"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
)

// LambdaHandler adapts a Processor to an SQS-triggered Lambda function using
// partial batch responses: every message that is not acknowledged is reported
// as a batch item failure and redelivered by the queue.
type LambdaHandler struct {
	processor Processor
	logger    zerolog.Logger
}

// NewLambdaHandler returns a handler suitable for lambda.Start.
func NewLambdaHandler(p Processor, logger zerolog.Logger) *LambdaHandler {
	return &LambdaHandler{
		processor: p,
		logger:    logger.With().Str("component", "lambda").Logger(),
	}
}

// Handle processes one SQS event. An error return fails the whole invocation,
// which makes the queue redeliver every message in the event.
func (h *LambdaHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	msgs := FromSQSEvent(event)

	res, err := h.processor.ProcessBatch(ctx, msgs)
	if err != nil {
		return events.SQSEventResponse{}, err
	}

	ack, release := split(msgs, res)
	resp := events.SQSEventResponse{BatchItemFailures: make([]events.SQSBatchItemFailure, 0, len(release))}
	for _, m := range release {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: m.ID})
	}

	h.logger.Debug().
		Int("records", len(event.Records)).
		Int("acknowledged", len(ack)).
		Int("batch_item_failures", len(resp.BatchItemFailures)).
		Msg("Lambda invocation complete")
	return resp, nil
}

// FromSQSEvent converts the records of a Lambda SQS event into messages.
func FromSQSEvent(event events.SQSEvent) []Message {
	msgs := make([]Message, 0, len(event.Records))
	for _, r := range event.Records {
		msg := Message{
			ID:            r.MessageId,
			Body:          r.Body,
			ReceiptHandle: r.ReceiptHandle,
			Attributes:    r.Attributes,
		}
		if n, err := strconv.Atoi(r.Attributes["ApproximateReceiveCount"]); err == nil {
			msg.ReceiveCount = n
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
