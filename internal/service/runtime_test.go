package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/cache"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/memstore"
)

func TestOpenInfrastructure_Memory(t *testing.T) {
	cfg := config.Defaults()
	cfg.Database.Driver = "memory"
	cfg.Redis.Enabled = false

	infra, err := OpenInfrastructure(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer infra.Close()

	assert.IsType(t, &memstore.Store{}, infra.Store)
	assert.IsType(t, &cache.ShardedLocker{}, infra.Locker)
	assert.Nil(t, infra.Postgres)
	assert.Nil(t, infra.Redis)
}

func TestNewTransport(t *testing.T) {
	cfg := config.Defaults()
	cfg.Kafka.Enabled = false
	cfg.Notify.WebhookURL = "http://127.0.0.1:1/hook"

	transport, cleanup, err := NewTransport(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, "fanout", transport.Name())
}
