package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/s3relay/internal/awsconf"
	"github.com/tunnelmesh/s3relay/internal/config"
	"github.com/tunnelmesh/s3relay/internal/metrics"
	"github.com/tunnelmesh/s3relay/internal/queue"
	"github.com/tunnelmesh/s3relay/internal/tracing"
)

func newPollCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Poll a queue (SQS or JetStream) until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := setup(ctx, flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer env.close()
			if err := env.cfg.ValidateQueue(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			store, err := env.objectStore(ctx)
			if err != nil {
				return err
			}
			source, err := openSource(ctx, env.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := source.Close(); err != nil {
					env.logger.Warn().Err(err).Msg("Failed to close queue")
				}
			}()

			if env.cfg.Metrics.Listen != "" {
				srv := startMetricsServer(env.cfg.Metrics.Listen, env.logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			pollerCfg := queue.PollerConfig{
				BatchSize:    env.cfg.Queue.BatchSize,
				BatchTimeout: env.cfg.Queue.BatchTimeout.D(),
				Logger:       env.logger,
				Metrics:      env.metrics,
			}
			if env.cfg.Tracing.Enabled {
				recorder := tracing.New(tracing.Config{
					Dir:        env.cfg.Tracing.Dir,
					BufferSize: int(env.cfg.Tracing.BufferSize.Bytes()),
				})
				if err := recorder.Start(); err != nil {
					return err
				}
				defer recorder.Stop()
				pollerCfg.Tracer = recorder
			}

			poller := queue.NewPoller(source, env.newWorker(store), pollerCfg)
			return poller.Run(ctx)
		},
	}
}

// openSource connects to the configured queue.
func openSource(ctx context.Context, cfg *config.Config) (queue.Source, error) {
	switch cfg.Queue.Type {
	case config.QueueJetStream:
		js := cfg.Queue.JetStream
		return queue.NewJetStreamSource(ctx, queue.JetStreamConfig{
			URL:          js.URL,
			Stream:       js.Stream,
			Subject:      js.Subject,
			Durable:      js.Durable,
			CreateStream: js.CreateStream,
			FetchWait:    js.FetchWait.D(),
			AckWait:      js.AckWait.D(),
			RetryDelay:   js.RetryDelay.D(),
		})
	default:
		awsCfg, err := awsconf.Load(ctx, awsconf.Options{
			Region:      cfg.S3.Region,
			MaxAttempts: cfg.S3.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		s := cfg.Queue.SQS
		return queue.NewSQSSource(awsCfg, queue.SQSConfig{
			QueueURL:          s.URL,
			WaitTime:          s.WaitTime.D(),
			VisibilityTimeout: s.VisibilityTimeout.D(),
			RetryDelay:        s.RetryDelay.D(),
			Endpoint:          s.Endpoint,
		})
	}
}

// startMetricsServer serves /metrics and /healthz on addr in the background.
func startMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}
