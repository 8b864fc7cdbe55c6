package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Task queue drivers
const (
	DriverRabbitMQ = "rabbitmq"
	DriverKafka    = "kafka"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	LogLevel    string
	Database    DatabaseConfig
	Redis       RedisConfig
	RabbitMQ    RabbitMQConfig
	Kafka       KafkaConfig
	TaskQueue   TaskQueueConfig
	Ingest      IngestConfig
	Validation  ValidationConfig
	Sanity      SanityConfig
	Relay       RelayConfig
	Retention   RetentionConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// LockTimeout bounds the wait for a meter row lock inside one transaction
	LockTimeout time.Duration
	AutoMigrate bool
}

// RedisConfig holds settings of the dedup decision cache
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	DLQQueue         string
	EventsExchange   string
	PrefetchCount    int
}

// KafkaConfig holds settings of the kafka task queue driver
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// TaskQueueConfig selects where the relay publishes outbox entries
type TaskQueueConfig struct {
	Driver string
}

// IngestConfig holds sync batch processing settings
type IngestConfig struct {
	MaxParallelMeters int
	LockRetries       int
	StorageRetries    int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
}

// ValidationConfig holds candidate validation settings
type ValidationConfig struct {
	MinPhotos      int
	ClockTolerance time.Duration
	MaxOfflineAge  time.Duration
}

// SanityConfig holds value sanity bounds applied by the resolver
type SanityConfig struct {
	MonotonicTolerance float64
	SpikeRatio         float64
}

// RelayConfig holds outbox relay settings
type RelayConfig struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	PublishTimeout time.Duration
	LeaseDuration  time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// RetentionConfig holds housekeeping horizons
type RetentionConfig struct {
	DedupRetention         time.Duration
	OutboxArchiveRetention time.Duration
	HousekeepingInterval   time.Duration
}

var defaults = map[string]any{
	"service_name": "meter-sync",
	"service_port": 8081,
	"log_level":    "info",

	"database_max_conns":         20,
	"database_min_conns":         2,
	"database_max_conn_lifetime": "30m",
	"database_lock_timeout":      "2s",
	"database_auto_migrate":      true,

	"redis_enabled":  true,
	"redis_addr":     "localhost:6379",
	"redis_password": "",
	"redis_db":       0,

	"rabbitmq_ingest_exchange":    "meter-sync.ingest.exchange",
	"rabbitmq_ingest_queue":       "meter-sync.ingest.queue",
	"rabbitmq_ingest_routing_key": "sync.batch",
	"rabbitmq_dlq_queue":          "meter-sync.ingest.dlq",
	"rabbitmq_events_exchange":    "meter-sync.events.exchange",
	"rabbitmq_prefetch":           10,

	"kafka_topic":         "meter-sync.events",
	"kafka_batch_timeout": "50ms",

	"task_queue_driver": DriverRabbitMQ,

	"ingest_max_parallel_meters": 8,
	"ingest_lock_retries":        5,
	"ingest_storage_retries":     3,
	"ingest_retry_base_delay":    "50ms",
	"ingest_retry_max_delay":     "2s",

	"validation_min_photos":      2,
	"validation_clock_tolerance": "5m",
	"validation_max_offline_age": "720h",
	"sanity_monotonic_tolerance": 0.0,
	"sanity_spike_ratio":         0.0,

	"relay_workers":         2,
	"relay_batch_size":      50,
	"relay_poll_interval":   "1s",
	"relay_publish_timeout": "5s",
	"relay_lease_duration":  "30s",
	"relay_max_attempts":    10,
	"relay_backoff_base":    "1s",
	"relay_backoff_max":     "5m",

	"dedup_retention":          "720h",
	"outbox_archive_retention": "168h",
	"housekeeping_interval":    "10m",
}

// LoadEnvFile loads the first .env found around the working directory.
// It reports the loaded path, empty when none was found.
func LoadEnvFile() string {
	// Works for pods/containers (cwd) and for binaries started from bin/
	envPaths := []string{
		".env",
		"../../.env",
	}
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			return absPath
		}
	}
	return ""
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	v := newViper()

	cfg := &Config{
		ServiceName: v.GetString("service_name"),
		ServicePort: v.GetInt("service_port"),
		LogLevel:    v.GetString("log_level"),
		Database:    databaseConfig(v),
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis_enabled"),
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              v.GetString("rabbitmq_url"),
			IngestExchange:   v.GetString("rabbitmq_ingest_exchange"),
			IngestQueue:      v.GetString("rabbitmq_ingest_queue"),
			IngestRoutingKey: v.GetString("rabbitmq_ingest_routing_key"),
			DLQQueue:         v.GetString("rabbitmq_dlq_queue"),
			EventsExchange:   v.GetString("rabbitmq_events_exchange"),
			PrefetchCount:    v.GetInt("rabbitmq_prefetch"),
		},
		Kafka: KafkaConfig{
			Brokers:      splitList(v.GetString("kafka_brokers")),
			Topic:        v.GetString("kafka_topic"),
			BatchTimeout: v.GetDuration("kafka_batch_timeout"),
		},
		TaskQueue: TaskQueueConfig{
			Driver: strings.ToLower(v.GetString("task_queue_driver")),
		},
		Ingest: IngestConfig{
			MaxParallelMeters: v.GetInt("ingest_max_parallel_meters"),
			LockRetries:       v.GetInt("ingest_lock_retries"),
			StorageRetries:    v.GetInt("ingest_storage_retries"),
			RetryBaseDelay:    v.GetDuration("ingest_retry_base_delay"),
			RetryMaxDelay:     v.GetDuration("ingest_retry_max_delay"),
		},
		Validation: ValidationConfig{
			MinPhotos:      v.GetInt("validation_min_photos"),
			ClockTolerance: v.GetDuration("validation_clock_tolerance"),
			MaxOfflineAge:  v.GetDuration("validation_max_offline_age"),
		},
		Sanity: SanityConfig{
			MonotonicTolerance: v.GetFloat64("sanity_monotonic_tolerance"),
			SpikeRatio:         v.GetFloat64("sanity_spike_ratio"),
		},
		Relay: RelayConfig{
			Workers:        v.GetInt("relay_workers"),
			BatchSize:      v.GetInt("relay_batch_size"),
			PollInterval:   v.GetDuration("relay_poll_interval"),
			PublishTimeout: v.GetDuration("relay_publish_timeout"),
			LeaseDuration:  v.GetDuration("relay_lease_duration"),
			MaxAttempts:    v.GetInt("relay_max_attempts"),
			BackoffBase:    v.GetDuration("relay_backoff_base"),
			BackoffMax:     v.GetDuration("relay_backoff_max"),
		},
		Retention: RetentionConfig{
			DedupRetention:         v.GetDuration("dedup_retention"),
			OutboxArchiveRetention: v.GetDuration("outbox_archive_retention"),
			HousekeepingInterval:   v.GetDuration("housekeeping_interval"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase loads only the database settings, for tools that never touch the broker
func LoadDatabase() (DatabaseConfig, error) {
	cfg := databaseConfig(newViper())
	if cfg.URL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	return cfg, nil
}

func databaseConfig(v *viper.Viper) DatabaseConfig {
	return DatabaseConfig{
		URL:             v.GetString("database_url"),
		MaxConns:        v.GetInt32("database_max_conns"),
		MinConns:        v.GetInt32("database_min_conns"),
		MaxConnLifetime: v.GetDuration("database_max_conn_lifetime"),
		LockTimeout:     v.GetDuration("database_lock_timeout"),
		AutoMigrate:     v.GetBool("database_auto_migrate"),
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	switch c.TaskQueue.Driver {
	case DriverRabbitMQ:
	case DriverKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when TASK_QUEUE_DRIVER=kafka")
		}
	default:
		return fmt.Errorf("TASK_QUEUE_DRIVER must be %q or %q, got %q", DriverRabbitMQ, DriverKafka, c.TaskQueue.Driver)
	}

	if c.Database.LockTimeout <= 0 {
		return fmt.Errorf("DATABASE_LOCK_TIMEOUT must be positive")
	}
	if c.Ingest.MaxParallelMeters <= 0 {
		return fmt.Errorf("INGEST_MAX_PARALLEL_METERS must be positive")
	}
	if c.Ingest.LockRetries < 0 || c.Ingest.StorageRetries < 0 {
		return fmt.Errorf("INGEST_LOCK_RETRIES and INGEST_STORAGE_RETRIES cannot be negative")
	}
	if c.Validation.MinPhotos < 0 {
		return fmt.Errorf("VALIDATION_MIN_PHOTOS cannot be negative")
	}
	if c.Sanity.MonotonicTolerance < 0 || c.Sanity.SpikeRatio < 0 {
		return fmt.Errorf("SANITY_MONOTONIC_TOLERANCE and SANITY_SPIKE_RATIO cannot be negative")
	}
	if c.Relay.Workers <= 0 || c.Relay.BatchSize <= 0 {
		return fmt.Errorf("RELAY_WORKERS and RELAY_BATCH_SIZE must be positive")
	}
	if c.Relay.MaxAttempts <= 0 {
		return fmt.Errorf("RELAY_MAX_ATTEMPTS must be positive")
	}
	if c.Relay.PollInterval <= 0 || c.Relay.PublishTimeout <= 0 {
		return fmt.Errorf("RELAY_POLL_INTERVAL and RELAY_PUBLISH_TIMEOUT must be positive")
	}
	// The lease must outlive one publish attempt
	if c.Relay.LeaseDuration <= c.Relay.PublishTimeout {
		return fmt.Errorf("RELAY_LEASE_DURATION (%s) must exceed RELAY_PUBLISH_TIMEOUT (%s)", c.Relay.LeaseDuration, c.Relay.PublishTimeout)
	}
	if c.Relay.BackoffBase <= 0 || c.Relay.BackoffMax < c.Relay.BackoffBase {
		return fmt.Errorf("RELAY_BACKOFF_BASE must be positive and not exceed RELAY_BACKOFF_MAX")
	}
	if c.Retention.DedupRetention <= 0 || c.Retention.OutboxArchiveRetention <= 0 || c.Retention.HousekeepingInterval <= 0 {
		return fmt.Errorf("DEDUP_RETENTION, OUTBOX_ARCHIVE_RETENTION and HOUSEKEEPING_INTERVAL must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
