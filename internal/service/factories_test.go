package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/cache"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/memstore"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service/sweep"
)

func TestServiceFactories_Build(t *testing.T) {
	store := memstore.New()
	clk := clock.NewFake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	cfg := config.Defaults()
	cfg.Erasure.PseudonymKey = "factories-test-key"

	svc, err := NewServiceFactories(store, cache.NewShardedLocker(), clk, nil, zaptest.NewLogger(t)).Build(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{sweep.TaskErasurePurge, sweep.TaskGrievanceSLA}, svc.Sweeps.Tasks())

	created, err := svc.Orchestrator.BootstrapAdmin(context.Background(), "root@example.in")
	require.NoError(t, err)
	require.True(t, created)
	admin, err := store.Repositories().Principals().GetByEmail(context.Background(), "root@example.in")
	require.NoError(t, err)

	ctx := principal.WithIdentity(context.Background(), principal.Identity{PrincipalID: admin.ID, Role: admin.Role})
	summary, err := svc.Orchestrator.RunSweep(ctx, sweep.TaskGrievanceSLA)
	require.NoError(t, err)
	assert.Equal(t, 0, summary["breaches_flagged"])

	// Consent purposes follow configuration.
	_, err = svc.Consent.Catalog().Parse("marketing")
	assert.NoError(t, err)
	_, err = svc.Consent.Catalog().Parse("telemarketing")
	assert.Error(t, err)
}
