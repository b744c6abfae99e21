// Package worker drives one batch of queued notifications through parsing,
// object transfer and outcome tracking.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/s3relay/internal/metrics"
	"github.com/tunnelmesh/s3relay/internal/notification"
	"github.com/tunnelmesh/s3relay/internal/outcome"
	"github.com/tunnelmesh/s3relay/internal/queue"
	"github.com/tunnelmesh/s3relay/internal/transfer"
)

// Defaults applied by New.
const (
	DefaultConcurrency    = 8
	DefaultDeadlineMargin = 10 * time.Second
)

// Skip reasons recorded for messages that were never started.
const (
	reasonDeadline  = "not started: invocation deadline"
	reasonCancelled = "not started: invocation cancelled"
)

// Transferer copies a single object reference.
type Transferer interface {
	Transfer(ctx context.Context, ref notification.ObjectReference) transfer.Outcome
}

// Config controls a Worker.
type Config struct {
	// Concurrency bounds how many messages are processed at once.
	Concurrency int

	// DeadlineMargin is the time that must remain before the context deadline
	// for a new message to be started. Negative disables the check.
	DeadlineMargin time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics // optional
}

// Worker processes batches. It holds no per-batch state and may be shared by
// concurrent invocations.
type Worker struct {
	engine      Transferer
	concurrency int
	margin      time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// New creates a worker that transfers objects with engine.
func New(engine Transferer, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.DeadlineMargin < 0 {
		cfg.DeadlineMargin = 0
	} else if cfg.DeadlineMargin == 0 {
		cfg.DeadlineMargin = DefaultDeadlineMargin
	}
	return &Worker{
		engine:      engine,
		concurrency: cfg.Concurrency,
		margin:      cfg.DeadlineMargin,
		logger:      cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:     cfg.Metrics,
	}
}

// ProcessBatch parses every message, transfers every referenced object and
// returns which messages may be acknowledged. Failures of individual messages
// are reported in the result; the error is non-nil only when the result
// accounting is inconsistent, in which case nothing should be acknowledged.
func (w *Worker) ProcessBatch(ctx context.Context, msgs []queue.Message) (*outcome.BatchResult, error) {
	start := time.Now()
	batchID := uuid.NewString()
	logger := w.logger.With().Str("batch_id", batchID).Logger()

	logger.Debug().Int("messages", len(msgs)).Msg("Processing batch")

	tracker := outcome.NewTracker()
	for _, m := range msgs {
		tracker.Begin(m.ID)
	}

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	for _, msg := range msgs {
		acquired := false
		select {
		case sem <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}

		if reason := w.skipReason(ctx); reason != "" {
			if acquired {
				<-sem
			}
			tracker.Skip(msg.ID, reason)
			continue
		}

		wg.Add(1)
		go func(m queue.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			w.processMessage(ctx, logger, tracker, m)
		}(msg)
	}

	wg.Wait()

	res, err := tracker.Result()
	elapsed := time.Since(start)
	if err != nil {
		logger.Error().Err(err).Msg("Batch accounting failed, no message will be acknowledged")
		return res, err
	}

	w.report(logger, res, elapsed)
	return res, nil
}

// skipReason returns why a new message must not be started, or "".
func (w *Worker) skipReason(ctx context.Context) string {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return reasonDeadline
		}
		return reasonCancelled
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < w.margin {
		return reasonDeadline
	}
	return ""
}

func (w *Worker) processMessage(ctx context.Context, logger zerolog.Logger, tracker *outcome.Tracker, msg queue.Message) {
	logger = logger.With().Str("message_id", msg.ID).Logger()

	res, err := notification.Parse(msg.Body)
	if err != nil {
		tracker.ParseFailed(msg.ID, err)
		ev := logger.Warn().Err(err).Int("references", len(res.References))
		var pe *notification.ParseError
		if errors.As(err, &pe) {
			ev = ev.Str("excerpt", pe.Excerpt)
		}
		ev.Msg("Failed to parse notification")
	}

	skipped := res.Skipped
	if res.Shape == notification.ShapeTestEvent {
		skipped++
		logger.Info().Msg("Ignoring bucket notification test event")
	}
	w.metrics.ObserveSkipped(skipped)

	logger.Debug().
		Str("shape", res.Shape.String()).
		Int("references", len(res.References)).
		Int("skipped", skipped).
		Int("receive_count", msg.ReceiveCount).
		Msg("Parsed notification")

	for _, ref := range res.References {
		out := w.engine.Transfer(ctx, ref)
		tracker.Record(msg.ID, out)
		w.metrics.ObserveTransfer(out.OK(), string(out.Kind), string(out.Path), out.Bytes, out.Duration)
	}
}

func (w *Worker) report(logger zerolog.Logger, res *outcome.BatchResult, elapsed time.Duration) {
	for _, f := range res.Failed {
		logger.Warn().
			Str("message_id", f.MessageID).
			Str("kind", string(f.Kind)).
			Bool("retryable", f.Kind.Retryable()).
			Str("detail", f.Detail).
			Msg("Message left for redelivery")
	}

	ev := logger.Info()
	if len(res.Failed) > 0 {
		ev = logger.Warn()
	}
	ev.Int("total", res.Total).
		Int("succeeded", res.Succeeded).
		Int("failed", len(res.Failed)).
		Int("transfers", res.Transfers).
		Int("transfer_failures", res.TransferFailures).
		Int64("bytes", res.Bytes).
		Dur("elapsed", elapsed).
		Msg("Batch complete")

	w.metrics.ObserveBatch(res.Succeeded, len(res.Failed), elapsed)
}
