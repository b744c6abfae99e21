package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/s3relay/internal/metrics"
)

// Poller backoff bounds for receive errors.
const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	// BatchSize is the maximum number of messages requested per receive (default 10).
	BatchSize int

	// BatchTimeout bounds the processing of one batch (default 5m). It becomes
	// the batch context's deadline, so the worker stops starting new messages
	// shortly before it.
	BatchTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics // optional

	// Tracer, when set, is asked for a runtime trace dump whenever a batch
	// runs into its timeout or fails.
	Tracer Tracer
}

// Tracer dumps recent runtime activity for later inspection.
type Tracer interface {
	Dump(reason string) (string, error)
}

// Poller runs the receive, process, acknowledge loop against a Source.
type Poller struct {
	source    Source
	processor Processor
	batchSize int
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	tracer    Tracer

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller feeding messages from source to p.
func NewPoller(source Source, p Processor, cfg PollerConfig) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = sqsMaxBatch
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Minute
	}
	return &Poller{
		source:    source,
		processor: p,
		batchSize: cfg.BatchSize,
		timeout:   cfg.BatchTimeout,
		logger:    cfg.Logger.With().Str("component", "poller").Logger(),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		sleep:     sleepCtx,
	}
}

// Run polls until ctx is cancelled. It returns nil on cancellation and an
// error only when the processor reports an invariant violation.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Int("batch_size", p.batchSize).Dur("batch_timeout", p.timeout).Msg("Poller started")
	defer p.logger.Info().Msg("Poller stopped")

	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := p.source.Receive(ctx, p.batchSize)
		p.metrics.ObserveQueueOp("receive", err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrClosed) {
				return err
			}
			p.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Receive failed")
			if p.sleep(ctx, backoff) != nil {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		if len(msgs) == 0 {
			continue
		}
		if err := p.handle(ctx, msgs); err != nil {
			return err
		}
	}
}

// handle processes one batch and settles every message in it.
func (p *Poller) handle(ctx context.Context, msgs []Message) error {
	batchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.processor.ProcessBatch(batchCtx, msgs)
	if err != nil {
		// Nothing is acknowledged; the queue redelivers the whole batch.
		p.logger.Error().Err(err).Int("messages", len(msgs)).Msg("Batch processing failed")
		p.dumpTrace("batch-error")
		return err
	}
	if errors.Is(batchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		p.logger.Warn().Dur("batch_timeout", p.timeout).Int("messages", len(msgs)).Msg("Batch hit its timeout")
		p.dumpTrace("batch-timeout")
	}

	// Settle even if ctx was cancelled meanwhile; finished work should not be redone.
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelSettle()

	ack, release := split(msgs, res)
	if len(ack) > 0 {
		err := p.source.Ack(settleCtx, ack)
		p.metrics.ObserveQueueOp("ack", err)
		if err != nil {
			p.logger.Warn().Err(err).Int("messages", len(ack)).Msg("Failed to acknowledge messages")
		}
	}
	if len(release) > 0 {
		err := p.source.Release(settleCtx, release)
		p.metrics.ObserveQueueOp("release", err)
		if err != nil {
			p.logger.Warn().Err(err).Int("messages", len(release)).Msg("Failed to release messages")
		}
	}
	return nil
}

func (p *Poller) dumpTrace(reason string) {
	if p.tracer == nil {
		return
	}
	path, err := p.tracer.Dump(reason)
	if err != nil {
		p.logger.Debug().Err(err).Str("reason", reason).Msg("Trace dump skipped")
		return
	}
	p.logger.Info().Str("path", path).Str("reason", reason).Msg("Runtime trace written")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
