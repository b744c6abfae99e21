// s3relay replicates S3 objects named by queued event notifications into a
// destination bucket.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/s3relay/internal/awsconf"
	"github.com/tunnelmesh/s3relay/internal/config"
	"github.com/tunnelmesh/s3relay/internal/logging/loki"
	"github.com/tunnelmesh/s3relay/internal/metrics"
	"github.com/tunnelmesh/s3relay/internal/objstore"
	"github.com/tunnelmesh/s3relay/internal/transfer"
	"github.com/tunnelmesh/s3relay/internal/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configFile string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "s3relay",
		Short: "Replicate S3 objects from event notifications",
		Long: `s3relay consumes S3 event notifications (directly from SQS, wrapped in SNS,
or from a NATS JetStream stream) and copies every referenced object into a
destination bucket. A queue message is acknowledged only when all of its
objects were copied.

Configuration is read from an optional YAML file and the environment:
  DESTINATION_BUCKET, S3RELAY_CONCURRENCY, S3RELAY_INLINE_THRESHOLD,
  S3RELAY_QUEUE_URL, S3RELAY_LOG_LEVEL, AWS_REGION`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", "", "log level (overrides config)")

	rootCmd.AddCommand(newLambdaCmd(flags))
	rootCmd.AddCommand(newPollCmd(flags))
	rootCmd.AddCommand(newReplayCmd(flags))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "s3relay %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}

// runtimeEnv is the state shared by the run commands.
type runtimeEnv struct {
	cfg     *config.Config
	logger  zerolog.Logger
	loki    *loki.Writer
	metrics *metrics.Metrics
}

// setup loads and validates configuration and initializes logging.
// forceJSON selects JSON output regardless of config (Lambda).
func setup(ctx context.Context, flags *globalFlags, stderr io.Writer, forceJSON bool) (*runtimeEnv, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if forceJSON {
		cfg.Log.Format = "json"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, lokiWriter := setupLogging(ctx, cfg, stderr)

	m := metrics.Default()
	m.SetVersion(Version)

	logger.Info().
		Str("version", Version).
		Str("destination_bucket", cfg.DestinationBucket).
		Int("concurrency", cfg.Concurrency).
		Str("inline_threshold", cfg.Transfer.InlineThreshold.String()).
		Msg("s3relay starting")

	return &runtimeEnv{cfg: cfg, logger: logger, loki: lokiWriter, metrics: m}, nil
}

// setupLogging configures the global logger and returns it together with the
// Loki writer when log shipping is enabled.
func setupLogging(ctx context.Context, cfg *config.Config, stderr io.Writer) (zerolog.Logger, *loki.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = stderr
	if strings.EqualFold(cfg.Log.Format, "console") {
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}

	var lokiWriter *loki.Writer
	if cfg.Loki.Enabled {
		lokiWriter = loki.NewWriter(loki.Config{
			URL:           cfg.Loki.URL,
			Labels:        cfg.Loki.Labels,
			BatchSize:     cfg.Loki.BatchSize,
			FlushInterval: cfg.Loki.FlushInterval.D(),
		})
		lokiWriter.Start(ctx)
		out = zerolog.MultiLevelWriter(out, lokiWriter)
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger, lokiWriter
}

// close flushes log shipping.
func (e *runtimeEnv) close() {
	if e.loki != nil {
		_ = e.loki.Close()
	}
}

// objectStore connects to S3 with the configured endpoint.
func (e *runtimeEnv) objectStore(ctx context.Context) (*objstore.S3Store, error) {
	awsCfg, err := awsconf.Load(ctx, awsconf.Options{
		Region:      e.cfg.S3.Region,
		MaxAttempts: e.cfg.S3.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	return objstore.NewS3Store(awsCfg, objstore.S3Options{
		Endpoint:     e.cfg.S3.Endpoint,
		UsePathStyle: e.cfg.S3.UsePathStyle,
	}), nil
}

// newWorker builds the transfer engine and worker over store.
func (e *runtimeEnv) newWorker(store objstore.ObjectStore) *worker.Worker {
	engine := transfer.NewEngine(store, transfer.Config{
		DestinationBucket: e.cfg.DestinationBucket,
		InlineThreshold:   e.cfg.Transfer.InlineThreshold.Bytes(),
		PartSize:          e.cfg.Transfer.PartSize.Bytes(),
		PartConcurrency:   e.cfg.Transfer.PartConcurrency,
		MaxObjectSize:     e.cfg.Transfer.MaxObjectSize.Bytes(),
		TransfersPerSec:   e.cfg.Transfer.TransfersPerSec,
		Logger:            e.logger,
	})
	return worker.New(engine, worker.Config{
		Concurrency:    e.cfg.Concurrency,
		DeadlineMargin: e.cfg.DeadlineMargin.D(),
		Logger:         e.logger,
		Metrics:        e.metrics,
	})
}
