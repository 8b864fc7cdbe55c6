package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/septivank/meter-sync/internal/anomaly"
	"github.com/septivank/meter-sync/internal/config"
	"github.com/septivank/meter-sync/internal/db"
	"github.com/septivank/meter-sync/internal/dedup"
	"github.com/septivank/meter-sync/internal/health"
	"github.com/septivank/meter-sync/internal/ingest"
	"github.com/septivank/meter-sync/internal/kafkaq"
	"github.com/septivank/meter-sync/internal/mq"
	"github.com/septivank/meter-sync/internal/outbox"
	"github.com/septivank/meter-sync/internal/repository"
	"github.com/septivank/meter-sync/internal/resolver"
	"github.com/septivank/meter-sync/internal/service"
	"github.com/septivank/meter-sync/internal/taskqueue"
	"github.com/septivank/meter-sync/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting sync batch consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(stopCtx); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("sync batch consumer stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

func startRelay(lc fx.Lifecycle, relay *outbox.Relay) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// Workers outlive the start context
			return relay.Start(context.Background())
		},
		OnStop: relay.Stop,
	})
}

func startHousekeeper(lc fx.Lifecycle, housekeeper *outbox.Housekeeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return housekeeper.Start(context.Background())
		},
		OnStop: housekeeper.Stop,
	})
}

func startHealthServer(lc fx.Lifecycle, server *health.Server, cfg *config.Config) {
	server.RegisterLifecycle(lc, cfg.ServicePort)
}

// ProvideDBPool applies pending migrations when enabled and creates the pool
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(db.DefaultEngine, cfg.Database.URL, logger); err != nil {
			return nil, err
		}
	}
	return db.NewPool(lc, logger, db.PoolConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool, cfg *config.Config) *repository.Repository {
	return repository.NewRepository(pool, cfg.Database.LockTimeout)
}

// ProvideIngestStore exposes the repository as the ingest transaction store
func ProvideIngestStore(repo *repository.Repository) ingest.Store {
	return ingest.NewRepositoryStore(repo)
}

// ProvideAnomalyDetector creates the value sanity detector
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Sanity.MonotonicTolerance, cfg.Sanity.SpikeRatio)
}

// ProvideResolver creates the conflict resolver
func ProvideResolver(detector *anomaly.Detector) *resolver.Resolver {
	return resolver.New(detector)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.MinPhotos, cfg.Validation.ClockTolerance, cfg.Validation.MaxOfflineAge)
}

// ProvideRecorder creates the outbox recorder
func ProvideRecorder(cfg *config.Config) *outbox.Recorder {
	return outbox.NewRecorder(cfg.Relay.MaxAttempts)
}

// ProvideRedisClient creates the redis client, nil when the cache is disabled
func ProvideRedisClient(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		logger.Info("redis decision cache disabled")
		return nil
	}
	return dedup.NewClient(lc, logger, dedup.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// ProvideDecisionCache picks the redis cache or a no-op one
func ProvideDecisionCache(client *redis.Client, cfg *config.Config) ingest.DecisionCache {
	if client == nil {
		return dedup.NopCache{}
	}
	return dedup.NewRedisCache(client, cfg.Retention.DedupRetention)
}

// ProvideCoordinator creates the sync ingest coordinator
func ProvideCoordinator(
	store ingest.Store,
	res *resolver.Resolver,
	val *validator.Validator,
	recorder *outbox.Recorder,
	cache ingest.DecisionCache,
	cfg *config.Config,
	logger *zap.Logger,
) *ingest.Coordinator {
	return ingest.NewCoordinator(store, res, val, recorder, cache, ingest.Config{
		MaxParallelMeters: cfg.Ingest.MaxParallelMeters,
		LockRetries:       cfg.Ingest.LockRetries,
		StorageRetries:    cfg.Ingest.StorageRetries,
		RetryBaseDelay:    cfg.Ingest.RetryBaseDelay,
		RetryMaxDelay:     cfg.Ingest.RetryMaxDelay,
	}, logger)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL, cfg.ServiceName)
}

// ProvideTaskPublisher creates the task queue driver selected by TASK_QUEUE_DRIVER
func ProvideTaskPublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (taskqueue.Publisher, error) {
	var (
		publisher taskqueue.Publisher
		err       error
	)
	switch cfg.TaskQueue.Driver {
	case config.DriverKafka:
		publisher = kafkaq.NewProducer(kafkaq.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger)
	default:
		publisher, err = mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
		if err != nil {
			return nil, err
		}
	}
	logger.Info("task queue driver selected", zap.String("driver", cfg.TaskQueue.Driver))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideRelay creates the outbox relay worker pool
func ProvideRelay(repo *repository.Repository, publisher taskqueue.Publisher, cfg *config.Config, logger *zap.Logger) *outbox.Relay {
	return outbox.NewRelay(repo, publisher, outbox.RelayConfig{
		Workers:        cfg.Relay.Workers,
		BatchSize:      cfg.Relay.BatchSize,
		PollInterval:   cfg.Relay.PollInterval,
		PublishTimeout: cfg.Relay.PublishTimeout,
		LeaseDuration:  cfg.Relay.LeaseDuration,
		BackoffBase:    cfg.Relay.BackoffBase,
		BackoffMax:     cfg.Relay.BackoffMax,
	}, logger)
}

// ProvideHousekeeper creates the outbox archival and dedup eviction loop
func ProvideHousekeeper(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *outbox.Housekeeper {
	return outbox.NewHousekeeper(repo, outbox.HousekeeperConfig{
		Interval:         cfg.Retention.HousekeepingInterval,
		ArchiveRetention: cfg.Retention.OutboxArchiveRetention,
		DedupRetention:   cfg.Retention.DedupRetention,
	}, logger)
}

// ProvideProcessorService creates the sync batch message handler
func ProvideProcessorService(coordinator *ingest.Coordinator, logger *zap.Logger) *service.ProcessorService {
	return service.NewProcessorService(coordinator, logger)
}

// ProvideHealthServer creates the health server probing every backing service
func ProvideHealthServer(repo *repository.Repository, conn *mq.Connection, client *redis.Client, logger *zap.Logger) *health.Server {
	checkers := map[string]health.Checker{
		"database": health.CheckFunc(repo.Ping),
		"rabbitmq": conn,
	}
	if client != nil {
		checkers["redis"] = health.CheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return health.NewServer(checkers, 2*time.Second, logger)
}
