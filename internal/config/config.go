// Package config handles configuration loading and validation for s3relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/s3relay/pkg/bytesize"
)

// Queue types.
const (
	QueueSQS       = "sqs"
	QueueJetStream = "jetstream"
)

// maxSingleCopy is the largest object S3 accepts in one PUT or one part copy.
const maxSingleCopy = 5 * bytesize.GB

// Duration is a time.Duration read from YAML as a string such as "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// TransferConfig tunes the object transfer engine.
type TransferConfig struct {
	InlineThreshold bytesize.Size `yaml:"inline_threshold"` // objects up to this size are re-put in one request
	PartSize        bytesize.Size `yaml:"part_size"`
	PartConcurrency int           `yaml:"part_concurrency"`
	MaxObjectSize   bytesize.Size `yaml:"max_object_size"`
	TransfersPerSec float64       `yaml:"transfers_per_sec"` // 0 = unlimited
}

// S3Config selects the object store endpoint.
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"` // S3-compatible endpoint, e.g. MinIO
	UsePathStyle bool   `yaml:"use_path_style"`
	MaxAttempts  int    `yaml:"max_attempts"`
}

// SQSConfig holds the SQS poller settings.
type SQSConfig struct {
	URL               string   `yaml:"url"`
	WaitTime          Duration `yaml:"wait_time"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	RetryDelay        Duration `yaml:"retry_delay"`
	Endpoint          string   `yaml:"endpoint"`
}

// JetStreamConfig holds the NATS JetStream poller settings.
type JetStreamConfig struct {
	URL          string   `yaml:"url"`
	Stream       string   `yaml:"stream"`
	Subject      string   `yaml:"subject"`
	Durable      string   `yaml:"durable"`
	CreateStream bool     `yaml:"create_stream"`
	FetchWait    Duration `yaml:"fetch_wait"`
	AckWait      Duration `yaml:"ack_wait"`
	RetryDelay   Duration `yaml:"retry_delay"`
}

// QueueConfig selects and configures the notification queue for poll mode.
type QueueConfig struct {
	Type         string          `yaml:"type"` // "sqs" or "jetstream"
	BatchSize    int             `yaml:"batch_size"`
	BatchTimeout Duration        `yaml:"batch_timeout"`
	SQS          SQSConfig       `yaml:"sqs"`
	JetStream    JetStreamConfig `yaml:"jetstream"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// LokiConfig holds configuration for Loki log shipping.
type LokiConfig struct {
	Enabled       bool              `yaml:"enabled"`
	URL           string            `yaml:"url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval Duration          `yaml:"flush_interval"`
}

// TracingConfig controls runtime trace dumps of stalled batches in poll mode.
type TracingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Dir        string        `yaml:"dir"`
	BufferSize bytesize.Size `yaml:"buffer_size"`
}

// Config is the complete s3relay configuration.
type Config struct {
	DestinationBucket string         `yaml:"destination_bucket"`
	Concurrency       int            `yaml:"concurrency"`
	DeadlineMargin    Duration       `yaml:"deadline_margin"`
	Transfer          TransferConfig `yaml:"transfer"`
	S3                S3Config       `yaml:"s3"`
	Queue             QueueConfig    `yaml:"queue"`
	Metrics           MetricsConfig  `yaml:"metrics"`
	Log               LogConfig      `yaml:"log"`
	Loki              LokiConfig     `yaml:"loki"`
	Tracing           TracingConfig  `yaml:"tracing"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path, applies defaults and environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 8
	}
	if c.DeadlineMargin == 0 {
		c.DeadlineMargin = Duration(10 * time.Second)
	}

	if c.Transfer.InlineThreshold == 0 {
		c.Transfer.InlineThreshold = bytesize.Size(16 * bytesize.MB)
	}
	if c.Transfer.PartSize == 0 {
		c.Transfer.PartSize = bytesize.Size(64 * bytesize.MB)
	}
	if c.Transfer.PartConcurrency == 0 {
		c.Transfer.PartConcurrency = 4
	}
	if c.Transfer.MaxObjectSize == 0 {
		c.Transfer.MaxObjectSize = bytesize.Size(5 * bytesize.TB)
	}

	if c.Queue.Type == "" {
		c.Queue.Type = QueueSQS
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.BatchTimeout == 0 {
		c.Queue.BatchTimeout = Duration(5 * time.Minute)
	}
	if c.Queue.SQS.WaitTime == 0 {
		c.Queue.SQS.WaitTime = Duration(20 * time.Second)
	}
	if c.Queue.JetStream.Durable == "" {
		c.Queue.JetStream.Durable = "s3relay"
	}
	if c.Queue.JetStream.FetchWait == 0 {
		c.Queue.JetStream.FetchWait = Duration(5 * time.Second)
	}
	if c.Queue.JetStream.AckWait == 0 {
		c.Queue.JetStream.AckWait = Duration(5 * time.Minute)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Loki.BatchSize == 0 {
		c.Loki.BatchSize = 100
	}
	if c.Loki.FlushInterval == 0 {
		c.Loki.FlushInterval = Duration(5 * time.Second)
	}
}

// applyEnv overrides settings from the environment. Lambda deployments are
// configured this way without a file.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("DESTINATION_BUCKET"); v != "" {
		c.DestinationBucket = v
	}
	if v := getenv("S3RELAY_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("S3RELAY_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	if v := getenv("S3RELAY_INLINE_THRESHOLD"); v != "" {
		n, err := bytesize.Parse(v)
		if err != nil {
			return fmt.Errorf("S3RELAY_INLINE_THRESHOLD: %w", err)
		}
		c.Transfer.InlineThreshold = bytesize.Size(n)
	}
	if v := getenv("S3RELAY_QUEUE_URL"); v != "" {
		c.Queue.SQS.URL = v
	}
	if v := getenv("S3RELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("AWS_REGION"); v != "" && c.S3.Region == "" {
		c.S3.Region = v
	}
	return nil
}

// Validate checks the settings needed by every mode.
func (c *Config) Validate() error {
	if c.DestinationBucket == "" {
		return errors.New("destination_bucket is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Transfer.PartSize.Bytes() < 5*bytesize.MB {
		return fmt.Errorf("transfer.part_size must be at least 5MiB, got %s", c.Transfer.PartSize)
	}
	if c.Transfer.PartSize.Bytes() > maxSingleCopy {
		return fmt.Errorf("transfer.part_size must be at most 5GiB, got %s", c.Transfer.PartSize)
	}
	if c.Transfer.InlineThreshold.Bytes() > maxSingleCopy {
		return fmt.Errorf("transfer.inline_threshold must be at most 5GiB, got %s", c.Transfer.InlineThreshold)
	}
	if c.Transfer.InlineThreshold.Bytes() > c.Transfer.MaxObjectSize.Bytes() {
		return fmt.Errorf("transfer.inline_threshold (%s) exceeds transfer.max_object_size (%s)",
			c.Transfer.InlineThreshold, c.Transfer.MaxObjectSize)
	}
	if c.Transfer.PartConcurrency < 1 {
		return fmt.Errorf("transfer.part_concurrency must be at least 1, got %d", c.Transfer.PartConcurrency)
	}
	if c.Transfer.TransfersPerSec < 0 {
		return errors.New("transfer.transfers_per_sec must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Loki.Enabled && c.Loki.URL == "" {
		return errors.New("loki.url is required when loki is enabled")
	}
	return nil
}

// ValidateQueue checks the settings needed by poll mode.
func (c *Config) ValidateQueue() error {
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be at least 1, got %d", c.Queue.BatchSize)
	}
	switch c.Queue.Type {
	case QueueSQS:
		if c.Queue.SQS.URL == "" {
			return errors.New("queue.sqs.url is required")
		}
		if c.Queue.BatchSize > 10 {
			return fmt.Errorf("queue.batch_size must be at most 10 for sqs, got %d", c.Queue.BatchSize)
		}
		if c.Queue.SQS.WaitTime.D() > 20*time.Second {
			return fmt.Errorf("queue.sqs.wait_time must be at most 20s, got %s", c.Queue.SQS.WaitTime.D())
		}
	case QueueJetStream:
		if c.Queue.JetStream.Stream == "" {
			return errors.New("queue.jetstream.stream is required")
		}
		if c.Queue.JetStream.CreateStream && c.Queue.JetStream.Subject == "" {
			return errors.New("queue.jetstream.subject is required with create_stream")
		}
	default:
		return fmt.Errorf("queue.type must be %s or %s, got %q", QueueSQS, QueueJetStream, c.Queue.Type)
	}
	return nil
}
