// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backends
const (
	BackendMemory   = "memory"
	BackendAWS      = "aws"
	BackendPostgres = "postgres"
)

// Worker modes
const (
	ModePoll      = "poll"
	ModeLambda    = "lambda"
	ModeLambdaDLQ = "lambda-dlq"
)

// maxSQSBatchSize is the ReceiveMessage limit.
const maxSQSBatchSize = 10

type Config struct {
	Backend  string `env:"BACKEND"`
	RunLocal bool   `env:"RUN_LOCAL"`
	HTTPAddr string `env:"HTTP_ADDR"`
	LogLevel string `env:"LOG_LEVEL"`

	OrdersTable      string        `env:"ORDERS_TABLE"`
	IdempotencyTable string        `env:"IDEMPOTENCY_TABLE"`
	IdempotencyTTL   time.Duration `env:"IDEMPOTENCY_TTL"`
	QueueURL         string        `env:"ORDERS_QUEUE_URL"`
	DLQURL           string        `env:"ORDERS_DLQ_URL"`
	SNSTopicARN      string        `env:"SNS_TOPIC_ARN"`
	DatabaseURL      string        `env:"DATABASE_URL"`

	KafkaBrokers []string `env:"KAFKA_BROKERS"`
	KafkaTopic   string   `env:"KAFKA_TOPIC"`

	WorkerMode        string        `env:"WORKER_MODE"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY"`
	BatchSize         int           `env:"BATCH_SIZE"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT"`
	MaxReceiveCount   int           `env:"MAX_RECEIVE_COUNT"`
	StageTimeout      time.Duration `env:"STAGE_TIMEOUT"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE"`
	BackoffCap        time.Duration `env:"BACKOFF_CAP"`
	PollInterval      time.Duration `env:"POLL_INTERVAL"`
	ReconcileAfter    time.Duration `env:"RECONCILE_AFTER"`

	StatusCacheTTL time.Duration `env:"STATUS_CACHE_TTL"`
	ChatbotTimeout time.Duration `env:"CHATBOT_TIMEOUT"`
	NotifyRate     float64       `env:"NOTIFY_RATE"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.Backend = strings.ToLower(getEnvOrDefault("BACKEND", BackendAWS))
	cfg.RunLocal = getEnvOrDefault("RUN_LOCAL", "false") == "true"
	cfg.HTTPAddr = getEnvOrDefault("HTTP_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.OrdersTable = getEnvOrDefault("ORDERS_TABLE", "")
	cfg.IdempotencyTable = getEnvOrDefault("IDEMPOTENCY_TABLE", "")
	cfg.QueueURL = getEnvOrDefault("ORDERS_QUEUE_URL", "")
	cfg.DLQURL = getEnvOrDefault("ORDERS_DLQ_URL", "")
	cfg.SNSTopicARN = getEnvOrDefault("SNS_TOPIC_ARN", "")
	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", "")
	cfg.KafkaTopic = getEnvOrDefault("KAFKA_TOPIC", "order_notifications")
	if brokers := getEnvOrDefault("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	cfg.WorkerMode = strings.ToLower(getEnvOrDefault("WORKER_MODE", ModePoll))

	ints := []struct {
		key string
		def string
		dst *int
	}{
		{"WORKER_CONCURRENCY", "4", &cfg.WorkerConcurrency},
		{"BATCH_SIZE", "10", &cfg.BatchSize},
		{"MAX_RECEIVE_COUNT", "3", &cfg.MaxReceiveCount},
	}
	for _, i := range ints {
		if *i.dst, err = strconv.Atoi(getEnvOrDefault(i.key, i.def)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", i.key, err)
		}
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"IDEMPOTENCY_TTL", "48h", &cfg.IdempotencyTTL},
		{"VISIBILITY_TIMEOUT", "300s", &cfg.VisibilityTimeout},
		{"STAGE_TIMEOUT", "30s", &cfg.StageTimeout},
		{"BACKOFF_BASE", "2s", &cfg.BackoffBase},
		{"BACKOFF_CAP", "5m", &cfg.BackoffCap},
		{"POLL_INTERVAL", "1s", &cfg.PollInterval},
		{"RECONCILE_AFTER", "30m", &cfg.ReconcileAfter},
		{"STATUS_CACHE_TTL", "0s", &cfg.StatusCacheTTL},
		{"CHATBOT_TIMEOUT", "10s", &cfg.ChatbotTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnvOrDefault(d.key, d.def)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if cfg.NotifyRate, err = strconv.ParseFloat(getEnvOrDefault("NOTIFY_RATE", "50"), 64); err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_RATE: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendAWS:
		if c.OrdersTable == "" {
			errs = append(errs, errors.New("ORDERS_TABLE is required for the aws backend"))
		}
		if c.QueueURL == "" {
			errs = append(errs, errors.New("ORDERS_QUEUE_URL is required for the aws backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BACKEND %q", c.Backend))
	}

	switch c.WorkerMode {
	case ModePoll, ModeLambda, ModeLambdaDLQ:
	default:
		errs = append(errs, fmt.Errorf("unknown WORKER_MODE %q", c.WorkerMode))
	}

	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.BatchSize < 1 || c.BatchSize > maxSQSBatchSize {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be between 1 and %d", maxSQSBatchSize))
	}
	if c.MaxReceiveCount < 1 {
		errs = append(errs, errors.New("MAX_RECEIVE_COUNT must be at least 1"))
	}
	if c.StageTimeout <= 0 || c.StageTimeout >= c.VisibilityTimeout {
		// a handler outliving its lease would race its own redelivery
		errs = append(errs, errors.New("STAGE_TIMEOUT must be positive and shorter than VISIBILITY_TIMEOUT"))
	}
	if c.BackoffCap < c.BackoffBase {
		errs = append(errs, errors.New("BACKOFF_CAP must not be below BACKOFF_BASE"))
	}
	if c.StatusCacheTTL < 0 || c.StatusCacheTTL > 2*time.Second {
		errs = append(errs, errors.New("STATUS_CACHE_TTL must be between 0 and 2s"))
	}
	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
