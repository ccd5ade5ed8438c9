// Package consent implements the consent ledger: purpose-scoped, versioned,
// append-only consent history with a derived current status.
package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/dpdp-compliance-engine/internal/metrics"
)

// AuditRecorder appends audit events inside an open transaction.
type AuditRecorder interface {
	RecordTx(ctx context.Context, repos compliance.Repositories, ev *audit.Event) error
}

// Ledger is the consent ledger service.
type Ledger struct {
	tx      compliance.TransactionManager
	locker  compliance.Locker
	audit   AuditRecorder
	catalog *consent.Catalog
	clock   clock.Clock
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewLedger(
	tx compliance.TransactionManager,
	locker compliance.Locker,
	recorder AuditRecorder,
	catalog *consent.Catalog,
	clk clock.Clock,
	m *metrics.Registry,
	logger *zap.Logger,
) *Ledger {
	if catalog == nil {
		catalog = consent.DefaultCatalog()
	}
	return &Ledger{
		tx:      tx,
		locker:  locker,
		audit:   recorder,
		catalog: catalog,
		clock:   clk,
		metrics: m,
		logger:  logger.With(zap.String("component", "consent_ledger")),
	}
}

// Catalog returns the configured purposes.
func (l *Ledger) Catalog() *consent.Catalog {
	return l.catalog
}

// Grant appends a granted record for purpose. Granting an already granted
// purpose appends a new version.
func (l *Ledger) Grant(ctx context.Context, principalID uuid.UUID, purpose string) (rec *consent.Record, err error) {
	ctx, end := telemetry.StartPrincipalSpan(ctx, telemetry.SpanConsentGrant, principalID, telemetry.AttrPurpose.String(purpose))
	defer func() { end(err) }()

	p, err := l.catalog.Parse(purpose)
	if err != nil {
		return nil, err
	}

	err = compliance.WithPrincipalLock(ctx, l.locker, principalID, func() error {
		return l.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
			owner, err := loadPrincipal(ctx, repos, principalID)
			if err != nil {
				return err
			}
			if owner.DeletionPending() && p != consent.PurposeEssential {
				return errors.NewStateError(errors.CodeDeletionPending, "consent cannot be granted while a deletion request is pending").
					WithDetails(map[string]interface{}{"scheduled_purge_at": owner.ScheduledPurgeAt}).
					AffectsRights()
			}
			rec, err = l.GrantTx(ctx, repos, principalID, p, l.clock.Now())
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	l.metrics.RecordConsentChange(ctx, string(rec.Purpose), string(rec.Status))
	l.logger.Info("consent granted",
		zap.String("principal_id", principalID.String()),
		zap.String("purpose", string(rec.Purpose)),
		zap.Int("version", rec.Version))
	return rec, nil
}

// GrantTx appends a grant inside the caller's transaction. The caller holds
// the principal lock.
func (l *Ledger) GrantTx(ctx context.Context, repos compliance.Repositories, principalID uuid.UUID, purpose consent.Purpose, now time.Time) (*consent.Record, error) {
	history, err := repos.Consents().History(ctx, principalID, purpose)
	if err != nil {
		return nil, errors.NewInternalError("failed to load consent history").WithCause(err)
	}
	prev := consent.Latest(history, purpose)
	rec := consent.NewGrant(principalID, purpose, prev, now)
	if err := repos.Consents().Append(ctx, rec); err != nil {
		return nil, err
	}

	ev := audit.NewEvent(principalID, audit.CategoryConsent, "consent.granted").
		WithResource("consent_record", rec.ID.String()).
		WithDetail("purpose", string(purpose)).
		WithDetail("version", rec.Version)
	if prev != nil {
		ev.WithDetail("previous_status", string(prev.Status))
	}
	if err := l.audit.RecordTx(ctx, repos, ev); err != nil {
		return nil, err
	}
	return rec, nil
}

// Withdraw appends a withdrawn record superseding the active grant.
func (l *Ledger) Withdraw(ctx context.Context, principalID uuid.UUID, purpose string) (rec *consent.Record, err error) {
	ctx, end := telemetry.StartPrincipalSpan(ctx, telemetry.SpanConsentWithdraw, principalID, telemetry.AttrPurpose.String(purpose))
	defer func() { end(err) }()

	p, err := l.catalog.Parse(purpose)
	if err != nil {
		return nil, err
	}
	if !l.catalog.Withdrawable(p) {
		return nil, errors.NewStateError(errors.CodePurposeNotWithdrawable, "consent for this purpose is required to provide the service").
			WithDetails(map[string]interface{}{"purpose": purpose})
	}

	err = compliance.WithPrincipalLock(ctx, l.locker, principalID, func() error {
		return l.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
			if _, err := loadPrincipal(ctx, repos, principalID); err != nil {
				return err
			}
			history, err := repos.Consents().History(ctx, principalID, p)
			if err != nil {
				return errors.NewInternalError("failed to load consent history").WithCause(err)
			}
			active := consent.Latest(history, p)
			if active == nil || active.Status != consent.StatusGranted {
				return errors.NewStateError(errors.CodeNotGranted, "no active consent to withdraw").
					WithDetails(map[string]interface{}{"purpose": purpose}).
					AffectsRights()
			}

			rec = consent.NewWithdrawal(active, l.clock.Now())
			if err := repos.Consents().Append(ctx, rec); err != nil {
				return err
			}
			ev := audit.NewEvent(principalID, audit.CategoryConsent, "consent.withdrawn").
				WithResource("consent_record", rec.ID.String()).
				WithDetail("purpose", purpose).
				WithDetail("version", rec.Version).
				WithDetail("granted_at", active.GrantedAt)
			if err := l.audit.RecordTx(ctx, repos, ev); err != nil {
				return err
			}
			notice := notification.ToPrincipal(notification.KindConsentWithdrawn, principalID, map[string]interface{}{
				"purpose":      purpose,
				"version":      rec.Version,
				"withdrawn_at": rec.CreatedAt,
			}, rec.CreatedAt)
			if err := repos.Outbox().Enqueue(ctx, notice); err != nil {
				return errors.NewInternalError("failed to queue withdrawal notice").WithCause(err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	l.metrics.RecordConsentChange(ctx, string(rec.Purpose), string(rec.Status))
	l.logger.Info("consent withdrawn",
		zap.String("principal_id", principalID.String()),
		zap.String("purpose", purpose),
		zap.Int("version", rec.Version))
	return rec, nil
}

// CurrentStatus folds the history of purpose into its current status.
func (l *Ledger) CurrentStatus(ctx context.Context, principalID uuid.UUID, purpose string) (consent.Status, error) {
	p, err := l.catalog.Parse(purpose)
	if err != nil {
		return "", err
	}
	history, err := l.tx.Repositories().Consents().History(ctx, principalID, p)
	if err != nil {
		return "", errors.NewInternalError("failed to load consent history").WithCause(err)
	}
	return consent.Fold(history, p), nil
}

// Statuses returns the current status of every catalog purpose.
func (l *Ledger) Statuses(ctx context.Context, principalID uuid.UUID) (map[consent.Purpose]consent.Status, error) {
	records, err := l.tx.Repositories().Consents().ListByPrincipal(ctx, principalID)
	if err != nil {
		return nil, errors.NewInternalError("failed to load consent records").WithCause(err)
	}
	out := make(map[consent.Purpose]consent.Status, len(l.catalog.Purposes()))
	for _, p := range l.catalog.Purposes() {
		out[p] = consent.Fold(records, p)
	}
	return out, nil
}

// History returns the full ledger for principalID, oldest first. An empty
// purpose returns every purpose.
func (l *Ledger) History(ctx context.Context, principalID uuid.UUID, purpose string) ([]*consent.Record, error) {
	repo := l.tx.Repositories().Consents()
	var (
		records []*consent.Record
		err     error
	)
	if purpose == "" {
		records, err = repo.ListByPrincipal(ctx, principalID)
	} else {
		p, perr := l.catalog.Parse(purpose)
		if perr != nil {
			return nil, perr
		}
		records, err = repo.History(ctx, principalID, p)
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load consent history").WithCause(err)
	}
	consent.SortHistory(records)
	return records, nil
}

func loadPrincipal(ctx context.Context, repos compliance.Repositories, id uuid.UUID) (*principal.Principal, error) {
	p, err := repos.Principals().GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Purged() {
		return nil, errors.NewStateError(errors.CodeAlreadyPurged, "principal data has been erased")
	}
	return p, nil
}
