// Package erasure implements the erasure scheduler: deletion requests with a
// cooling-off window, followed by an irreversible per-principal purge.
package erasure

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/dpdp-compliance-engine/internal/metrics"
)

// AuditRecorder appends audit events inside an open transaction.
type AuditRecorder interface {
	RecordTx(ctx context.Context, repos compliance.Repositories, ev *audit.Event) error
}

// GrievanceRetention selects what happens to a purged principal's grievances.
type GrievanceRetention string

const (
	RetainAnonymized GrievanceRetention = "anonymize"
	RetainNone       GrievanceRetention = "delete"
)

// Policy configures the cooling-off window and what a purge keeps.
type Policy struct {
	CoolingOff         time.Duration
	RetainAuditTrail   bool
	GrievanceRetention GrievanceRetention
	PseudonymKey       []byte
	Concurrency        int
	BatchSize          int
}

func PolicyFrom(c config.ErasureConfig) Policy {
	return Policy{
		CoolingOff:         c.CoolingOff,
		RetainAuditTrail:   c.RetainAuditTrail,
		GrievanceRetention: GrievanceRetention(c.GrievanceRetention),
		PseudonymKey:       []byte(c.PseudonymKey),
		Concurrency:        c.PurgeConcurrency,
		BatchSize:          c.SweepBatchSize,
	}
}

// Scheduler is the erasure service.
type Scheduler struct {
	tx         compliance.TransactionManager
	locker     compliance.Locker
	audit      AuditRecorder
	policy     Policy
	pseudonyms *Pseudonymizer
	clock      clock.Clock
	metrics    *metrics.Registry
	logger     *zap.Logger
}

func NewScheduler(
	tx compliance.TransactionManager,
	locker compliance.Locker,
	recorder AuditRecorder,
	policy Policy,
	clk clock.Clock,
	m *metrics.Registry,
	logger *zap.Logger,
) (*Scheduler, error) {
	pseudonyms, err := NewPseudonymizer(policy.PseudonymKey)
	if err != nil {
		return nil, err
	}
	if len(policy.PseudonymKey) == 0 {
		logger.Warn("no erasure pseudonym key configured, using an ephemeral key")
	}
	if policy.Concurrency < 1 {
		policy.Concurrency = 1
	}
	return &Scheduler{
		tx:         tx,
		locker:     locker,
		audit:      recorder,
		policy:     policy,
		pseudonyms: pseudonyms,
		clock:      clk,
		metrics:    m,
		logger:     logger.With(zap.String("component", "erasure_scheduler")),
	}, nil
}

// RequestDeletion opens a deletion request. The purge is scheduled exactly
// one cooling-off window from now; until then non-essential processing is
// blocked and the request can be cancelled.
func (s *Scheduler) RequestDeletion(ctx context.Context, principalID uuid.UUID) (p *principal.Principal, err error) {
	ctx, end := telemetry.StartPrincipalSpan(ctx, telemetry.SpanErasureRequest, principalID)
	defer func() { end(err) }()

	p, err = s.transition(ctx, principalID, "deletion.requested", notification.KindDeletionScheduled,
		func(p *principal.Principal, now time.Time) error {
			return p.RequestDeletion(now, s.policy.CoolingOff)
		})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordDeletionRequest(ctx, "requested")
	s.logger.Info("deletion requested",
		zap.String("principal_id", principalID.String()),
		zap.Time("scheduled_purge_at", *p.ScheduledPurgeAt))
	return p, nil
}

// CancelDeletion withdraws an open deletion request. It fails with
// ALREADY_PURGED once the purge has committed.
func (s *Scheduler) CancelDeletion(ctx context.Context, principalID uuid.UUID) (p *principal.Principal, err error) {
	ctx, end := telemetry.StartPrincipalSpan(ctx, telemetry.SpanErasureCancel, principalID)
	defer func() { end(err) }()

	p, err = s.transition(ctx, principalID, "deletion.cancelled", notification.KindDeletionCancelled,
		func(p *principal.Principal, now time.Time) error {
			return p.CancelDeletion(now)
		})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordDeletionRequest(ctx, "cancelled")
	s.logger.Info("deletion cancelled", zap.String("principal_id", principalID.String()))
	return p, nil
}

func (s *Scheduler) transition(ctx context.Context, principalID uuid.UUID, action string, kind notification.Kind, fn func(*principal.Principal, time.Time) error) (*principal.Principal, error) {
	var p *principal.Principal
	err := compliance.WithPrincipalLock(ctx, s.locker, principalID, func() error {
		return s.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
			var err error
			p, err = repos.Principals().GetForUpdate(ctx, principalID)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			if err := fn(p, now); err != nil {
				return err
			}
			if err := repos.Principals().Update(ctx, p); err != nil {
				return err
			}

			ev := audit.NewEvent(principalID, audit.CategoryDeletion, action).
				WithResource("principal", principalID.String())
			payload := map[string]interface{}{"principal_id": principalID.String()}
			if p.ScheduledPurgeAt != nil {
				ev.WithDetail("scheduled_purge_at", *p.ScheduledPurgeAt)
				payload["scheduled_purge_at"] = *p.ScheduledPurgeAt
			}
			if err := s.audit.RecordTx(ctx, repos, ev); err != nil {
				return err
			}
			if err := repos.Outbox().Enqueue(ctx, notification.ToPrincipal(kind, principalID, payload, now)); err != nil {
				return errors.NewInternalError("failed to enqueue deletion notice").WithCause(err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
