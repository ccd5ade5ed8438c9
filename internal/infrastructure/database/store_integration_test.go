package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/testutil/containers"
)

var now = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	pg := containers.Postgres(t)
	logger := zaptest.NewLogger(t)

	require.NoError(t, Migrate(pg.ConnectionString, logger))

	cfg := config.Defaults().Database
	cfg.URL = pg.ConnectionString
	pool, err := NewPool(context.Background(), cfg, logger)
	require.NoError(t, err)
	store := NewStore(pool, logger)
	t.Cleanup(store.Close)
	return store, pg.ConnectionString
}

func inTx(t *testing.T, s *Store, fn func(ctx context.Context, repos compliance.Repositories) error) {
	t.Helper()
	require.NoError(t, s.ExecuteInTransaction(context.Background(), fn))
}

func newPrincipal(t *testing.T, s *Store, email string) *principal.Principal {
	t.Helper()
	p, err := principal.New(email, "Asha Rao", principal.RolePrincipal, now)
	require.NoError(t, err)
	inTx(t, s, func(ctx context.Context, repos compliance.Repositories) error {
		return repos.Principals().Create(ctx, p)
	})
	return p
}

func TestPostgresStore(t *testing.T) {
	store, url := newTestStore(t)
	ctx := context.Background()
	repos := store.Repositories()

	t.Run("migrations are reversible", func(t *testing.T) {
		mg, err := NewMigrator(url, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer mg.Close()

		version, dirty, ok, err := mg.Version()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, dirty)
		assert.Equal(t, uint(1), version)
		require.NoError(t, mg.Up(0))
	})

	t.Run("principal round trip", func(t *testing.T) {
		p := newPrincipal(t, store, "asha@example.in")

		got, err := repos.Principals().GetByEmail(ctx, "asha@example.in")
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, principal.RolePrincipal, got.Role)
		assert.True(t, got.CreatedAt.Equal(now))

		require.NoError(t, got.RequestDeletion(now, 30*24*time.Hour))
		inTx(t, store, func(ctx context.Context, r compliance.Repositories) error {
			locked, err := r.Principals().GetForUpdate(ctx, p.ID)
			if err != nil {
				return err
			}
			assert.False(t, locked.DeletionPending())
			return r.Principals().Update(ctx, got)
		})

		due, err := repos.Principals().ListDueForPurge(ctx, now.Add(30*24*time.Hour), 10)
		require.NoError(t, err)
		assert.Contains(t, due, p.ID)
		due, err = repos.Principals().ListDueForPurge(ctx, now.Add(29*24*time.Hour), 10)
		require.NoError(t, err)
		assert.NotContains(t, due, p.ID)

		err = store.ExecuteInTransaction(ctx, func(ctx context.Context, r compliance.Repositories) error {
			dup, _ := principal.New("asha@example.in", "Someone Else", principal.RolePrincipal, now)
			return r.Principals().Create(ctx, dup)
		})
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

		_, err = repos.Principals().Get(ctx, uuid.New())
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})

	t.Run("failed unit of work leaves no trace", func(t *testing.T) {
		p, err := principal.New("rollback@example.in", "Rollback", principal.RolePrincipal, now)
		require.NoError(t, err)
		err = store.ExecuteInTransaction(ctx, func(ctx context.Context, r compliance.Repositories) error {
			if err := r.Principals().Create(ctx, p); err != nil {
				return err
			}
			return errors.NewValidationError(errors.CodeInvalidInput, "abort")
		})
		require.Error(t, err)
		_, err = repos.Principals().Get(ctx, p.ID)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})

	t.Run("consent versions are unique per purpose", func(t *testing.T) {
		p := newPrincipal(t, store, "ledger@example.in")
		grant := consent.NewGrant(p.ID, consent.PurposeMarketing, nil, now)
		withdrawal := consent.NewWithdrawal(grant, now.Add(time.Minute))
		inTx(t, store, func(ctx context.Context, r compliance.Repositories) error {
			if err := r.Consents().Append(ctx, grant); err != nil {
				return err
			}
			return r.Consents().Append(ctx, withdrawal)
		})

		history, err := repos.Consents().History(ctx, p.ID, consent.PurposeMarketing)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, consent.StatusWithdrawn, consent.Fold(history, consent.PurposeMarketing))
		require.NotNil(t, history[1].WithdrawnAt)

		err = store.ExecuteInTransaction(ctx, func(ctx context.Context, r compliance.Repositories) error {
			return r.Consents().Append(ctx, consent.NewGrant(p.ID, consent.PurposeMarketing, grant, now))
		})
		assert.True(t, errors.HasCode(err, errors.CodeConflict))

		n, err := repos.Consents().CountByPrincipal(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("ticket sequence is allocated per day", func(t *testing.T) {
		day := time.Date(2026, 4, 3, 23, 59, 0, 0, time.UTC)
		var (
			mu   sync.Mutex
			seqs = map[int]bool{}
			wg   sync.WaitGroup
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.ExecuteInTransaction(ctx, func(ctx context.Context, r compliance.Repositories) error {
					seq, err := r.Grievances().NextTicketSequence(ctx, day)
					if err != nil {
						return err
					}
					mu.Lock()
					seqs[seq] = true
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		for i := 1; i <= 10; i++ {
			assert.True(t, seqs[i], "sequence %d", i)
		}

		seq, err := repos.Grievances().NextTicketSequence(ctx, day.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, seq)
	})

	t.Run("grievance lifecycle", func(t *testing.T) {
		p := newPrincipal(t, store, "complainant@example.in")
		g, err := grievance.New(p.ID, "Marketing emails", "I keep receiving marketing emails after withdrawal.",
			grievance.CategoryConsentWithdrawal, grievance.PriorityHigh, now, 7*24*time.Hour)
		require.NoError(t, err)
		g.TicketNumber = grievance.FormatTicket(now, 901)
		inTx(t, store, func(ctx context.Context, r compliance.Repositories) error {
			return r.Grievances().Create(ctx, g)
		})

		err = store.ExecuteInTransaction(ctx, func(ctx context.Context, r compliance.Repositories) error {
			dup := *g
			dup.ID = uuid.New()
			return r.Grievances().Create(ctx, &dup)
		})
		assert.True(t, errors.HasCode(err, errors.CodeTicketCollision))

		overdue, err := repos.Grievances().ListOverdue(ctx, now.Add(8*24*time.Hour), 0)
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		assert.Equal(t, g.TicketNumber, overdue[0].TicketNumber)

		marked, err := repos.Grievances().MarkBreachNotified(ctx, g.ID, now.Add(8*24*time.Hour))
		require.NoError(t, err)
		assert.True(t, marked)
		marked, err = repos.Grievances().MarkBreachNotified(ctx, g.ID, now.Add(9*24*time.Hour))
		require.NoError(t, err)
		assert.False(t, marked)
		_, err = repos.Grievances().MarkBreachNotified(ctx, uuid.New(), now)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

		listed, err := repos.Grievances().List(ctx, grievance.Filter{PrincipalID: p.ID, Status: grievance.StatusPending})
		require.NoError(t, err)
		require.Len(t, listed, 1)

		n, err := repos.Grievances().AnonymizeByPrincipal(ctx, p.ID, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		got, err := repos.Grievances().Get(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, uuid.Nil, got.PrincipalID)
		assert.Equal(t, "[redacted]", got.Subject)
		assert.Equal(t, g.TicketNumber, got.TicketNumber)
	})

	t.Run("audit purge keeps exempt events", func(t *testing.T) {
		p := newPrincipal(t, store, "audited@example.in")
		login := audit.NewEvent(p.ID, audit.CategoryAuth, "auth.login").WithDetail("method", "otp")
		login.ID, login.CreatedAt = uuid.New(), now
		login.AnomalyScore = decimal.RequireFromString("0.4500")
		exempt := audit.NewEvent(p.ID, audit.CategoryDeletion, "deletion.executed")
		exempt.ID, exempt.CreatedAt, exempt.RetentionExempt = uuid.New(), now.Add(time.Second), true
		inTx(t, store, func(ctx context.Context, r compliance.Repositories) error {
			if err := r.Audit().Append(ctx, login); err != nil {
				return err
			}
			return r.Audit().Append(ctx, exempt)
		})

		history, err := repos.Audit().History(ctx, p.ID, []audit.Category{audit.CategoryAuth}, now)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "otp", history[0].Details["method"])
		assert.True(t, login.AnomalyScore.Equal(history[0].AnomalyScore))

		listed, err := repos.Audit().List(ctx, audit.Filter{PrincipalID: p.ID, Limit: 1})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, exempt.ID, listed[0].ID)

		removed, err := repos.Audit().DeleteByPrincipal(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		left, err := repos.Audit().ListByPrincipal(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, "deletion.executed", left[0].Action)
	})

	t.Run("outbox claims are leased", func(t *testing.T) {
		m := notification.ToRole(notification.KindAnomalyAlert, principal.RoleDPO, map[string]interface{}{"score": "0.9"}, now)
		inTx(t, store, func(ctx context.Context, r compliance.Repositories) error {
			return r.Outbox().Enqueue(ctx, m)
		})

		var first []*notification.Message
		inTx(t, store, func(ctx context.Context, r compliance.Repositories) error {
			var err error
			first, err = r.Outbox().ClaimDue(ctx, now, 2*time.Minute, 10)
			return err
		})
		require.Len(t, first, 1)
		assert.Equal(t, principal.RoleDPO, first[0].RecipientRole)
		assert.Equal(t, "0.9", first[0].Payload["score"])

		again, err := repos.Outbox().ClaimDue(ctx, now.Add(time.Minute), 2*time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		require.NoError(t, repos.Outbox().MarkDelivered(ctx, m.ID, now.Add(time.Second)))
		all, err := repos.Outbox().List(ctx, notification.KindAnomalyAlert)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, notification.StatusDelivered, all[0].Status)
		assert.Equal(t, 1, all[0].Attempts)

		err = repos.Outbox().MarkFailed(ctx, uuid.New(), 1, "gone")
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}
