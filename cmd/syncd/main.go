package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/septivank/meter-sync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	if path := config.LoadEnvFile(); path != "" {
		fmt.Printf("Loaded environment from: %s\n", path)
	} else {
		fmt.Println("No .env file found, using system environment variables (OK for pods/containers)")
	}

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideDBPool,
			ProvideRepository,
			ProvideIngestStore,
			ProvideAnomalyDetector,
			ProvideResolver,
			ProvideValidator,
			ProvideRecorder,
			ProvideRedisClient,
			ProvideDecisionCache,
			ProvideCoordinator,
			ProvideMQConnection,
			ProvideTaskPublisher,
			ProvideRelay,
			ProvideHousekeeper,
			ProvideProcessorService,
			ProvideHealthServer,
		),
		fx.Invoke(startRelay, startHousekeeper, startHealthServer, startWorker),
	)

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create a temporary logger for startup error messages
	tempLogger, _ := newLogger(&config.Config{ServiceName: "meter-sync"})
	tempLogger.Info("starting application...", zap.String("timeout", "30s"))

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			tempLogger.Error("APPLICATION START TIMEOUT: Failed to start within 30 seconds. This usually means a dependency (Database, Redis or the broker) is not accessible. Check the error messages above for specific connection failures.")
		}
		tempLogger.Fatal("application failed to start", zap.Error(err))
	}

	// Wait for interrupt signal
	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
	}
}
