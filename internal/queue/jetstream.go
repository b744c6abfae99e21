package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures a JetStreamSource.
type JetStreamConfig struct {
	URL     string
	Stream  string
	Subject string // filter subject, also used when the stream is created
	Durable string

	// CreateStream creates or updates the stream when set. Otherwise it must exist.
	CreateStream bool

	// FetchWait bounds how long Receive waits for messages (default 5s).
	FetchWait time.Duration

	// AckWait is the redelivery timeout for unacknowledged messages (default 5m).
	AckWait time.Duration

	// RetryDelay is passed to NakWithDelay on Release (0 = immediate redelivery).
	RetryDelay time.Duration
}

// JetStreamSource receives notifications from a durable JetStream pull consumer.
type JetStreamSource struct {
	conn     *nats.Conn
	consumer jetstream.Consumer
	cfg      JetStreamConfig

	mu      sync.Mutex
	pending map[string]jetstream.Msg // keyed by Message.ID until acked or released
}

// NewJetStreamSource connects to cfg.URL and binds the durable consumer.
func NewJetStreamSource(ctx context.Context, cfg JetStreamConfig) (*JetStreamSource, error) {
	if cfg.Stream == "" || cfg.Durable == "" {
		return nil, errors.New("jetstream: stream and durable name are required")
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 5 * time.Minute
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("s3relay"))
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect %s: %w", cfg.URL, err)
	}

	consumer, err := bindConsumer(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &JetStreamSource{
		conn:     conn,
		consumer: consumer,
		cfg:      cfg,
		pending:  make(map[string]jetstream.Msg),
	}, nil
}

func bindConsumer(ctx context.Context, conn *nats.Conn, cfg JetStreamConfig) (jetstream.Consumer, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: create context: %w", err)
	}

	var stream jetstream.Stream
	if cfg.CreateStream {
		if cfg.Subject == "" {
			return nil, errors.New("jetstream: subject is required to create a stream")
		}
		stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		})
	} else {
		stream, err = js.Stream(ctx, cfg.Stream)
	}
	if err != nil {
		return nil, fmt.Errorf("jetstream: stream %s: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream: consumer %s: %w", cfg.Durable, err)
	}
	return consumer, nil
}

// Receive fetches up to max messages, waiting at most the configured fetch wait.
func (s *JetStreamSource) Receive(ctx context.Context, max int) ([]Message, error) {
	if s.conn.IsClosed() {
		return nil, ErrClosed
	}
	if max <= 0 {
		max = sqsMaxBatch
	}

	wait := s.cfg.FetchWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return nil, ctx.Err()
	}

	batch, err := s.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("jetstream fetch: %w", err)
	}

	var msgs []Message
	for jm := range batch.Messages() {
		msg := Message{
			Body:       string(jm.Data()),
			Attributes: map[string]string{"subject": jm.Subject()},
		}
		if meta, err := jm.Metadata(); err == nil {
			msg.ID = fmt.Sprintf("%s-%d", meta.Stream, meta.Sequence.Stream)
			msg.ReceiveCount = int(meta.NumDelivered)
			msg.Attributes["timestamp"] = meta.Timestamp.UTC().Format(time.RFC3339Nano)
		} else {
			msg.ID = jm.Subject() + "-" + strconv.Itoa(len(msgs))
		}
		msg.ReceiptHandle = msg.ID
		for k := range jm.Headers() {
			msg.Attributes[k] = jm.Headers().Get(k)
		}

		s.mu.Lock()
		s.pending[msg.ID] = jm
		s.mu.Unlock()
		msgs = append(msgs, msg)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && len(msgs) == 0 {
		return nil, fmt.Errorf("jetstream fetch: %w", err)
	}
	return msgs, nil
}

// Ack acknowledges msgs.
func (s *JetStreamSource) Ack(ctx context.Context, msgs []Message) error {
	return s.settle(msgs, func(jm jetstream.Msg) error {
		return jm.DoubleAck(ctx)
	})
}

// Release negatively acknowledges msgs so they are redelivered after the retry delay.
func (s *JetStreamSource) Release(_ context.Context, msgs []Message) error {
	return s.settle(msgs, func(jm jetstream.Msg) error {
		if s.cfg.RetryDelay > 0 {
			return jm.NakWithDelay(s.cfg.RetryDelay)
		}
		return jm.Nak()
	})
}

func (s *JetStreamSource) settle(msgs []Message, fn func(jetstream.Msg) error) error {
	var errs []error
	for _, m := range msgs {
		s.mu.Lock()
		jm, ok := s.pending[m.ReceiptHandle]
		delete(s.pending, m.ReceiptHandle)
		s.mu.Unlock()
		if !ok {
			errs = append(errs, fmt.Errorf("jetstream: message %s is not pending", m.ID))
			continue
		}
		if err := fn(jm); err != nil {
			errs = append(errs, fmt.Errorf("jetstream: message %s: %w", m.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close drains the connection. Pending messages are redelivered after AckWait.
func (s *JetStreamSource) Close() error {
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Drain()
}

var _ Source = (*JetStreamSource)(nil)
