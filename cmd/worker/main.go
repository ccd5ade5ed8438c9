// Command worker runs compliance sweeps on demand. Cloud Scheduler
// publishes {"task": "..."} messages to a Pub/Sub topic; each message runs
// one sweep against the shared store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/notify"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/dpdp-compliance-engine/internal/metrics"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service"
	"github.com/davidleathers/dpdp-compliance-engine/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		timeout    = flag.Duration("task-timeout", 10*time.Minute, "Upper bound on a single sweep")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *timeout, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, timeout time.Duration, logger *zap.Logger) error {
	logger = logger.With(zap.String("component", "worker"))

	telConfig := telemetry.ConfigFrom(cfg.Telemetry, telemetry.ServiceName+"-worker", cfg.Version, cfg.Environment)
	provider, err := telemetry.InitializeOpenTelemetry(ctx, telConfig)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("failed to shut down telemetry", zap.Error(err))
		}
	}()

	if cfg.Database.Driver == "memory" {
		return fmt.Errorf("the worker needs a shared database; memory driver is not supported")
	}
	infra, err := service.OpenInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	m, err := metrics.NewRegistry(telConfig.ServiceName)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}
	clk := clock.Real{}

	transport, closeTransport, err := service.NewTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransport()
	dispatcher := notify.NewDispatcher(infra.Store, transport, notify.PolicyFrom(cfg.Notify), clk, m, logger)

	svc, err := service.NewServiceFactories(infra.Store, infra.Locker, clk, m, logger).Build(cfg, dispatcher)
	if err != nil {
		return err
	}

	trigger, err := worker.NewPubSubTrigger(ctx, cfg.PubSub, worker.NewHandler(svc.Sweeps, timeout, logger), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := trigger.Close(); err != nil {
			logger.Warn("closing pubsub client", zap.Error(err))
		}
	}()

	return trigger.Run(ctx)
}
