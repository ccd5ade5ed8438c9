package grievance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/cache"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/memstore"
	auditsvc "github.com/davidleathers/dpdp-compliance-engine/internal/service/audit"
)

var t0 = time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

type fixture struct {
	tracker *Tracker
	store   *memstore.Store
	clock   *clock.Fake
}

func newFixture(t *testing.T, mutate ...func(*Policy)) *fixture {
	t.Helper()
	store := memstore.New()
	clk := clock.NewFake(t0)
	logger := zaptest.NewLogger(t)
	policy := PolicyFrom(config.Defaults().Grievance)
	for _, m := range mutate {
		m(&policy)
	}
	engine := auditsvc.NewEngine(store, clk, auditsvc.DefaultScoringConfig(), nil, logger)
	return &fixture{
		tracker: NewTracker(store, cache.NewShardedLocker(), engine, policy, clk, nil, logger),
		store:   store,
		clock:   clk,
	}
}

func (f *fixture) identity(t *testing.T, role principal.Role) principal.Identity {
	t.Helper()
	p, err := principal.New(uuid.NewString()+"@example.com", "Test User", role, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.ExecuteInTransaction(context.Background(), func(ctx context.Context, repos compliance.Repositories) error {
		return repos.Principals().Create(ctx, p)
	}))
	return principal.Identity{PrincipalID: p.ID, Role: role}
}

func (f *fixture) submit(t *testing.T, owner principal.Identity) *grievance.Grievance {
	t.Helper()
	g, err := f.tracker.Submit(context.Background(), owner.PrincipalID, SubmitRequest{
		Subject:     "Data not deleted",
		Description: "I asked for my marketing data to be removed last month.",
		Category:    "data_deletion",
	})
	require.NoError(t, err)
	return g
}

func (f *fixture) outbox(t *testing.T, kind notification.Kind) []*notification.Message {
	t.Helper()
	msgs, err := f.store.Repositories().Outbox().List(context.Background(), kind)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) events(t *testing.T, action string) []*audit.Event {
	t.Helper()
	all, err := f.store.Repositories().Audit().List(context.Background(), audit.Filter{Category: audit.CategoryGrievance})
	require.NoError(t, err)
	var out []*audit.Event
	for _, e := range all {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func TestTracker_Submit(t *testing.T) {
	f := newFixture(t)
	owner := f.identity(t, principal.RolePrincipal)

	g := f.submit(t, owner)
	assert.Equal(t, "GRV-20260110-0001", g.TicketNumber)
	assert.Equal(t, grievance.StatusPending, g.Status)
	assert.Equal(t, grievance.CategoryDataDeletion, g.Category)
	assert.Equal(t, grievance.PriorityMedium, g.Priority)
	assert.Equal(t, time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC), g.SLADeadline)

	second := f.submit(t, owner)
	assert.Equal(t, "GRV-20260110-0002", second.TicketNumber)

	confirmations := f.outbox(t, notification.KindGrievanceConfirmation)
	require.Len(t, confirmations, 2)
	assert.Equal(t, owner.PrincipalID, *confirmations[0].RecipientID)
	assert.Len(t, f.events(t, "grievance.submitted"), 2)
}

func TestTracker_SubmitValidation(t *testing.T) {
	f := newFixture(t)
	owner := f.identity(t, principal.RolePrincipal)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"short subject", SubmitRequest{Subject: "Hi", Description: "long enough description"}},
		{"short description", SubmitRequest{Subject: "Valid subject", Description: "short"}},
		{"bad category", SubmitRequest{Subject: "Valid subject", Description: "long enough description", Category: "weather"}},
		{"bad priority", SubmitRequest{Subject: "Valid subject", Description: "long enough description", Priority: "whenever"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tracker.Submit(context.Background(), owner.PrincipalID, tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}

	list, err := f.tracker.List(context.Background(), grievance.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.outbox(t, ""))
}

func TestTracker_ConcurrentSubmissionsGetUniqueTickets(t *testing.T) {
	f := newFixture(t)

	const n = 30
	owners := make([]principal.Identity, n)
	for i := range owners {
		owners[i] = f.identity(t, principal.RolePrincipal)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		tickets = make(map[string]bool, n)
	)
	for _, owner := range owners {
		wg.Add(1)
		go func(owner principal.Identity) {
			defer wg.Done()
			g, err := f.tracker.Submit(context.Background(), owner.PrincipalID, SubmitRequest{
				Subject:     "Concurrent grievance",
				Description: "Submitted at the same instant as others.",
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			tickets[g.TicketNumber] = true
			mu.Unlock()
		}(owner)
	}
	wg.Wait()
	assert.Len(t, tickets, n)
}

func TestTracker_Escalate(t *testing.T) {
	tests := []struct {
		name      string
		requester func(f *fixture, owner principal.Identity) principal.Identity
		wantErr   errors.ErrorType
	}{
		{
			name:      "owner",
			requester: func(_ *fixture, owner principal.Identity) principal.Identity { return owner },
		},
		{
			name: "dpo",
			requester: func(f *fixture, _ principal.Identity) principal.Identity {
				return f.identity(t, principal.RoleDPO)
			},
		},
		{
			name: "other principal",
			requester: func(f *fixture, _ principal.Identity) principal.Identity {
				return f.identity(t, principal.RolePrincipal)
			},
			wantErr: errors.ErrorTypeAuthorization,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			owner := f.identity(t, principal.RolePrincipal)
			g := f.submit(t, owner)

			got, err := f.tracker.Escalate(context.Background(), g.ID, tt.requester(f, owner), "no response after a week")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, tt.wantErr))
				stored, err := f.tracker.Get(context.Background(), g.ID)
				require.NoError(t, err)
				assert.Equal(t, grievance.StatusPending, stored.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, grievance.StatusEscalated, got.Status)
			require.NotNil(t, got.EscalatedAt)

			events := f.events(t, "grievance.escalated")
			require.Len(t, events, 1)
			assert.Equal(t, "no response after a week", events[0].Details["reason"])
		})
	}
}

func TestTracker_EscalateTerminal(t *testing.T) {
	f := newFixture(t)
	owner := f.identity(t, principal.RolePrincipal)
	dpo := f.identity(t, principal.RoleDPO)
	g := f.submit(t, owner)
	ctx := context.Background()

	_, err := f.tracker.UpdateStatus(ctx, g.ID, dpo, "in_progress", "")
	require.NoError(t, err)
	_, err = f.tracker.UpdateStatus(ctx, g.ID, dpo, "resolved", "Data removed from all systems.")
	require.NoError(t, err)

	_, err = f.tracker.Escalate(ctx, g.ID, owner, "still unhappy")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyTerminal))
	assert.True(t, errors.IsRightsAffecting(err))
}

func TestTracker_EscalationRequiresOverdue(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.EscalationRequiresOverdue = true })
	owner := f.identity(t, principal.RolePrincipal)
	g := f.submit(t, owner)
	ctx := context.Background()

	_, err := f.tracker.Escalate(ctx, g.ID, owner, "too slow")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeEscalationNotDue))

	f.clock.Set(g.SLADeadline.Add(time.Minute))
	got, err := f.tracker.Escalate(ctx, g.ID, owner, "too slow")
	require.NoError(t, err)
	assert.Equal(t, grievance.StatusEscalated, got.Status)
}

func TestTracker_UpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("full lifecycle", func(t *testing.T) {
		f := newFixture(t)
		owner := f.identity(t, principal.RolePrincipal)
		dpo := f.identity(t, principal.RoleDPO)
		g := f.submit(t, owner)

		got, err := f.tracker.UpdateStatus(ctx, g.ID, dpo, "in_progress", "")
		require.NoError(t, err)
		require.NotNil(t, got.AssignedTo)
		assert.Equal(t, dpo.PrincipalID, *got.AssignedTo)

		_, err = f.tracker.UpdateStatus(ctx, g.ID, dpo, "resolved", "  ")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeResolutionRequired))

		got, err = f.tracker.UpdateStatus(ctx, g.ID, dpo, "resolved", "Records corrected.")
		require.NoError(t, err)
		assert.Equal(t, grievance.StatusResolved, got.Status)
		assert.Equal(t, "Records corrected.", got.Resolution)
		assert.Len(t, f.events(t, "grievance.status_changed"), 2)
	})

	t.Run("principal may not update", func(t *testing.T) {
		f := newFixture(t)
		owner := f.identity(t, principal.RolePrincipal)
		g := f.submit(t, owner)

		_, err := f.tracker.UpdateStatus(ctx, g.ID, owner, "in_progress", "")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeAuthorization))
	})

	t.Run("pending cannot jump to resolved", func(t *testing.T) {
		f := newFixture(t)
		owner := f.identity(t, principal.RolePrincipal)
		admin := f.identity(t, principal.RoleAdmin)
		g := f.submit(t, owner)

		_, err := f.tracker.UpdateStatus(ctx, g.ID, admin, "resolved", "done")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition))
	})

	t.Run("escalated close-out", func(t *testing.T) {
		f := newFixture(t)
		owner := f.identity(t, principal.RolePrincipal)
		dpo := f.identity(t, principal.RoleDPO)
		g := f.submit(t, owner)
		_, err := f.tracker.Escalate(ctx, g.ID, owner, "no response")
		require.NoError(t, err)

		got, err := f.tracker.UpdateStatus(ctx, g.ID, dpo, "resolved", "Handled by the board.")
		require.NoError(t, err)
		assert.Equal(t, grievance.StatusResolved, got.Status)
	})

	t.Run("escalated is terminal without close-out roles", func(t *testing.T) {
		f := newFixture(t, func(p *Policy) { p.CloseOutRoles = nil })
		owner := f.identity(t, principal.RolePrincipal)
		dpo := f.identity(t, principal.RoleDPO)
		g := f.submit(t, owner)
		_, err := f.tracker.Escalate(ctx, g.ID, owner, "no response")
		require.NoError(t, err)

		_, err = f.tracker.UpdateStatus(ctx, g.ID, dpo, "resolved", "Handled by the board.")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition))
	})

	t.Run("unknown status", func(t *testing.T) {
		f := newFixture(t)
		dpo := f.identity(t, principal.RoleDPO)
		_, err := f.tracker.UpdateStatus(ctx, uuid.New(), dpo, "archived", "")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
	})
}

func TestTracker_CheckSLABreaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.identity(t, principal.RolePrincipal)
	dpo := f.identity(t, principal.RoleDPO)
	g := f.submit(t, owner)
	require.Equal(t, time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC), g.SLADeadline)

	// Exactly at the deadline is not a breach.
	n, err := f.tracker.CheckSLABreaches(ctx, g.SLADeadline)
	require.NoError(t, err)
	assert.Zero(t, n)

	sweepAt := time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC)
	n, err = f.tracker.CheckSLABreaches(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.tracker.CheckSLABreaches(ctx, sweepAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	alerts := f.outbox(t, notification.KindGrievanceSLABreach)
	require.Len(t, alerts, 1)
	assert.Equal(t, dpo.PrincipalID, *alerts[0].RecipientID)

	events := f.events(t, "grievance.sla_breached")
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityWarning, events[0].Severity)

	stored, err := f.tracker.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, grievance.StatusPending, stored.Status, "breach must not auto-escalate")
	require.NotNil(t, stored.BreachNotifiedAt)
}

func TestTracker_CheckSLABreachesNotifiesAssignee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.identity(t, principal.RolePrincipal)
	dpo := f.identity(t, principal.RoleDPO)
	other := f.identity(t, principal.RoleDPO)
	g := f.submit(t, owner)
	_, err := f.tracker.UpdateStatus(ctx, g.ID, dpo, "in_progress", "")
	require.NoError(t, err)

	n, err := f.tracker.CheckSLABreaches(ctx, g.SLADeadline.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	alerts := f.outbox(t, notification.KindGrievanceSLABreach)
	require.Len(t, alerts, 1)
	assert.Equal(t, dpo.PrincipalID, *alerts[0].RecipientID)
	assert.NotEqual(t, other.PrincipalID, *alerts[0].RecipientID)
}

func TestTracker_EscalatedGrievancesAreNotBreached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.identity(t, principal.RolePrincipal)
	g := f.submit(t, owner)
	_, err := f.tracker.Escalate(ctx, g.ID, owner, "urgent")
	require.NoError(t, err)

	n, err := f.tracker.CheckSLABreaches(ctx, g.SLADeadline.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
