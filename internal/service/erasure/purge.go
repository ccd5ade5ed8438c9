package erasure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/telemetry"
)

// PurgeResult records what one purge removed.
type PurgeResult struct {
	PrincipalID          uuid.UUID `json:"principal_id"`
	ConsentsDeleted      int       `json:"consents_deleted"`
	GrievancesDeleted    int       `json:"grievances_deleted"`
	GrievancesAnonymized int       `json:"grievances_anonymized"`
	AuditEventsDeleted   int       `json:"audit_events_deleted"`
	PurgedAt             time.Time `json:"purged_at"`
}

// PurgeReport summarises one sweep.
type PurgeReport struct {
	Due        int            `json:"due"`
	Purged     []*PurgeResult `json:"purged"`
	Skipped    int            `json:"skipped"`
	Failed     []uuid.UUID    `json:"failed,omitempty"`
	Violations []uuid.UUID    `json:"consistency_violations,omitempty"`
}

// ExecutePurges purges every principal whose cooling-off window has elapsed
// at now. Each principal is purged all-or-nothing in its own transaction; a
// failure for one principal is logged and does not stop the others. Running
// it again after a partial failure only picks up what is still due.
func (s *Scheduler) ExecutePurges(ctx context.Context, now time.Time) (*PurgeReport, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanErasurePurgeRun)
	defer span.End()

	report, err := s.executePurges(ctx, now)
	if report != nil {
		span.SetAttributes(telemetry.AttrAffected.Int(len(report.Purged)))
	}
	telemetry.RecordError(span, err)
	return report, err
}

func (s *Scheduler) executePurges(ctx context.Context, now time.Time) (*PurgeReport, error) {
	due, err := s.tx.Repositories().Principals().ListDueForPurge(ctx, now, s.policy.BatchSize)
	if err != nil {
		return nil, errors.NewInternalError("failed to list principals due for purge").WithCause(err)
	}
	s.metrics.SetPendingPurges(len(due))

	report := &PurgeReport{Due: len(due)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.policy.Concurrency)
	for _, id := range due {
		g.Go(func() error {
			pctx, end := telemetry.StartPrincipalSpan(gctx, telemetry.SpanErasurePurge, id)
			res, err := s.purgeOne(pctx, id, now)
			if err == nil && res != nil {
				err = s.verify(pctx, id)
			}
			end(err)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && errors.IsType(err, errors.ErrorTypeConsistency):
				report.Violations = append(report.Violations, id)
				s.metrics.RecordPurge(gctx, false)
				telemetry.Critical(s.logger, "purge left principal data behind",
					zap.String("principal_id", id.String()), zap.Error(err))
			case err != nil:
				report.Failed = append(report.Failed, id)
				s.logger.Error("purge failed", zap.String("principal_id", id.String()), zap.Error(err))
			case res == nil:
				report.Skipped++
			default:
				report.Purged = append(report.Purged, res)
				s.metrics.RecordPurge(gctx, true)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	s.logger.Info("purge sweep finished",
		zap.Int("due", report.Due),
		zap.Int("purged", len(report.Purged)),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", len(report.Failed)),
		zap.Int("violations", len(report.Violations)))
	return report, nil
}

// purgeOne erases one principal. It returns nil without error when the
// principal is no longer due, e.g. the request was cancelled first.
func (s *Scheduler) purgeOne(ctx context.Context, principalID uuid.UUID, now time.Time) (*PurgeResult, error) {
	var res *PurgeResult
	err := compliance.WithPrincipalLock(ctx, s.locker, principalID, func() error {
		return s.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
			p, err := repos.Principals().GetForUpdate(ctx, principalID)
			if err != nil {
				return err
			}
			if !p.PurgeDue(now) {
				return nil
			}

			r := &PurgeResult{PrincipalID: principalID, PurgedAt: now}
			requestedAt := p.DeletionRequestedAt

			if r.ConsentsDeleted, err = repos.Consents().DeleteByPrincipal(ctx, principalID); err != nil {
				return fmt.Errorf("deleting consent records: %w", err)
			}
			switch s.policy.GrievanceRetention {
			case RetainNone:
				r.GrievancesDeleted, err = repos.Grievances().DeleteByPrincipal(ctx, principalID)
			default:
				r.GrievancesAnonymized, err = repos.Grievances().AnonymizeByPrincipal(ctx, principalID, now)
			}
			if err != nil {
				return fmt.Errorf("erasing grievances: %w", err)
			}
			if !s.policy.RetainAuditTrail {
				if r.AuditEventsDeleted, err = repos.Audit().DeleteByPrincipal(ctx, principalID); err != nil {
					return fmt.Errorf("deleting audit events: %w", err)
				}
			}

			p.MarkPurged(now, s.pseudonyms.Email(principalID), s.pseudonyms.Name(principalID))
			if err := repos.Principals().Update(ctx, p); err != nil {
				return err
			}

			ev := audit.NewEvent(principalID, audit.CategoryDeletion, "deletion.executed").
				WithResource("principal", principalID.String()).
				WithDetail("consents_deleted", r.ConsentsDeleted).
				WithDetail("grievances_deleted", r.GrievancesDeleted).
				WithDetail("grievances_anonymized", r.GrievancesAnonymized).
				WithDetail("audit_events_deleted", r.AuditEventsDeleted).
				WithDetail("grievance_retention", string(s.policy.GrievanceRetention))
			if requestedAt != nil {
				ev.WithDetail("requested_at", *requestedAt)
			}
			ev.RetentionExempt = true
			if err := s.audit.RecordTx(ctx, repos, ev); err != nil {
				return err
			}

			payload := map[string]interface{}{
				"principal_id":     principalID.String(),
				"purged_at":        now,
				"consents_deleted": r.ConsentsDeleted,
			}
			if _, err := notification.EnqueueGovernance(ctx, repos.Principals(), repos.Outbox(), notification.KindDeletionExecuted, payload, now); err != nil {
				return fmt.Errorf("enqueueing deletion notice: %w", err)
			}
			res = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if res != nil {
		s.logger.Info("principal purged",
			zap.String("principal_id", principalID.String()),
			zap.Int("consents_deleted", res.ConsentsDeleted),
			zap.Int("grievances_anonymized", res.GrievancesAnonymized),
			zap.Int("grievances_deleted", res.GrievancesDeleted))
	}
	return res, nil
}

// verify checks after commit that nothing owned by the principal survived.
func (s *Scheduler) verify(ctx context.Context, principalID uuid.UUID) error {
	repos := s.tx.Repositories()
	p, err := repos.Principals().Get(ctx, principalID)
	if err != nil {
		return err
	}
	consents, err := repos.Consents().CountByPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	grievances, err := repos.Grievances().CountByPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	if !p.Purged() || p.Active || consents != 0 || grievances != 0 {
		return errors.NewConsistencyError("principal data remains after purge").
			WithDetails(map[string]interface{}{
				"principal_id": principalID.String(),
				"purged":       p.Purged(),
				"consents":     consents,
				"grievances":   grievances,
			})
	}
	return nil
}
