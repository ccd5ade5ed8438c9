package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/dpdp-compliance-engine/internal/api/rest"
	"github.com/davidleathers/dpdp-compliance-engine/internal/api/websocket"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/identity"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/notify"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/dpdp-compliance-engine/internal/metrics"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		issueToken = flag.String("issue-token", "", "Print an access token for the principal with this email and exit")
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

	if *issueToken != "" {
		if err := printToken(ctx, cfg, *issueToken, logger); err != nil {
			logger.Fatal("issuing token", zap.Error(err))
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	telConfig := telemetry.ConfigFrom(cfg.Telemetry, telemetry.ServiceName, cfg.Version, cfg.Environment)
	provider, err := telemetry.InitializeOpenTelemetry(ctx, telConfig)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("failed to shut down telemetry", zap.Error(err))
		}
	}()

	infra, err := service.OpenInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	m, err := metrics.NewRegistry(telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}
	clk := clock.Real{}

	tokens, err := identity.NewProvider(cfg.Identity, clk)
	if err != nil {
		return err
	}

	hub := websocket.NewHub(tokens, infra.Store.Repositories().Principals(), websocket.DefaultConfig(), logger)
	defer hub.Close()

	transport, closeTransport, err := service.NewTransport(cfg, logger, notify.Route{Transport: hub, Match: notify.GovernanceOnly})
	if err != nil {
		return err
	}
	defer closeTransport()
	dispatcher := notify.NewDispatcher(infra.Store, transport, notify.PolicyFrom(cfg.Notify), clk, m, logger)

	svc, err := service.NewServiceFactories(infra.Store, infra.Locker, clk, m, logger).Build(cfg, dispatcher)
	if err != nil {
		return err
	}

	if email := cfg.Identity.BootstrapAdminEmail; email != "" {
		created, err := svc.Orchestrator.BootstrapAdmin(ctx, email)
		if err != nil {
			return fmt.Errorf("bootstrapping admin: %w", err)
		}
		if created {
			logger.Info("bootstrap admin created", zap.String("email", email))
		}
	}

	var checkers []rest.HealthChecker
	if infra.Postgres != nil {
		checkers = append(checkers, rest.NewDatabaseHealthChecker(infra.Postgres))
		registerPoolCollector(infra.Postgres)
	}
	if infra.Redis != nil {
		checkers = append(checkers, rest.NewRedisHealthChecker(infra.Redis))
	}
	registerBuildInfo(cfg)

	handler, err := rest.NewRouter(rest.Deps{
		Orchestrator:     svc.Orchestrator,
		Auth:             tokens,
		Tokens:           tokens,
		Findings:         hub,
		Health:           rest.NewHealthService(cfg.Version, clk, checkers...),
		Server:           cfg.Server,
		ValidateContract: !cfg.IsProduction(),
		Clock:            clk,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	server := rest.NewServer(cfg.Server, handler, logger)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Scheduler.Enabled {
		if err := svc.Sweeps.Start(gctx); err != nil {
			return err
		}
		defer svc.Sweeps.Stop()
		logger.Info("sweeps started", zap.Strings("tasks", svc.Sweeps.Tasks()))
	}
	g.Go(func() error { return server.Run(gctx) })

	return g.Wait()
}

// printToken signs a token for an existing principal, typically the
// bootstrap admin on a fresh deployment.
func printToken(ctx context.Context, cfg *config.Config, email string, logger *zap.Logger) error {
	infra, err := service.OpenInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	p, err := infra.Store.Repositories().Principals().GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	tokens, err := identity.NewProvider(cfg.Identity, clock.Real{})
	if err != nil {
		return err
	}
	token, expires, err := tokens.Issue(principal.Identity{PrincipalID: p.ID, Role: p.Role})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Println(token)
	return nil
}
