package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/cache"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/database"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/memstore"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/notify"
)

// Infrastructure holds the storage and coordination backends chosen by
// configuration.
type Infrastructure struct {
	Store  compliance.TransactionManager
	Locker compliance.Locker
	// Postgres is nil when the in-memory driver is configured.
	Postgres *database.Store
	// Redis is nil unless distributed locking is enabled.
	Redis *redis.Client

	closers []func()
}

// OpenInfrastructure connects to the configured store and locker. Pending
// migrations are applied first when database.migrate_on_start is set.
func OpenInfrastructure(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Infrastructure, error) {
	infra := &Infrastructure{}

	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		infra.Store = memstore.New()
	default:
		if cfg.Database.MigrateOnStart {
			if err := database.Migrate(cfg.Database.URL, logger); err != nil {
				return nil, fmt.Errorf("migrating database: %w", err)
			}
		}
		pool, err := database.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		store := database.NewStore(pool, logger)
		infra.Store = store
		infra.Postgres = store
		infra.closers = append(infra.closers, store.Close)
	}

	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			infra.Close()
			return nil, err
		}
		infra.Redis = client
		infra.Locker = cache.NewRedisLocker(client, cfg.Redis.LockTTL, cfg.Redis.LockWait, logger)
		infra.closers = append(infra.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("closing redis client", zap.Error(err))
			}
		})
	} else {
		infra.Locker = cache.NewShardedLocker()
	}

	return infra, nil
}

// Close releases connections in reverse order of opening.
func (i *Infrastructure) Close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		i.closers[n]()
	}
	i.closers = nil
}

// NewTransport builds the notification fan-out. Every message is logged;
// governance findings additionally go to the webhook and Kafka when those
// are configured. extra routes are appended as given.
func NewTransport(cfg *config.Config, logger *zap.Logger, extra ...notify.Route) (notification.Transport, func(), error) {
	routes := []notify.Route{{Transport: notify.NewLogTransport(logger)}}
	cleanup := func() {}

	if cfg.Notify.WebhookURL != "" {
		routes = append(routes, notify.Route{
			Transport: notify.NewWebhookTransport(cfg.Notify.WebhookURL, cfg.Notify.DeliveryTimeout),
			Match:     notify.GovernanceOnly,
		})
	}

	if cfg.Kafka.Enabled {
		producer, err := notify.NewFranzProducer(cfg.Kafka.Brokers)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka producer: %w", err)
		}
		routes = append(routes, notify.Route{
			Transport: notify.NewKafkaTransport(producer, cfg.Kafka.Topic),
			Match:     notify.GovernanceOnly,
		})
		cleanup = producer.Close
	}

	routes = append(routes, extra...)
	return notify.NewFanOut(routes...), cleanup, nil
}
