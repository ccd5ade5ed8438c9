package audit

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/telemetry"
)

// BreachReport describes a personal data breach being declared.
type BreachReport struct {
	Kind               string                 `json:"kind" validate:"required,max=100"`
	Description        string                 `json:"description" validate:"max=5000"`
	AffectedPrincipals []uuid.UUID            `json:"affected_principals"`
	AffectedCount      int                    `json:"affected_count" validate:"gte=0"`
	Details            map[string]interface{} `json:"details,omitempty"`
}

// BreachResult summarises a declaration.
type BreachResult struct {
	Event              *audit.Event `json:"event"`
	PrincipalsNotified int          `json:"principals_notified"`
	GovernanceNotified int          `json:"governance_notified"`
}

// DetectBreach records a critical breach event and notifies every affected
// principal plus governance, all in one transaction.
func (e *Engine) DetectBreach(ctx context.Context, r BreachReport) (*BreachResult, error) {
	r.Kind = strings.TrimSpace(r.Kind)
	if r.Kind == "" {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "breach kind is required")
	}
	affected := dedupe(r.AffectedPrincipals)
	if r.AffectedCount < len(affected) {
		r.AffectedCount = len(affected)
	}

	res := &BreachResult{}
	err := e.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
		now := e.clock.Now()
		ev := audit.NewEvent(uuid.Nil, audit.CategoryBreach, "breach.declared").
			WithSeverity(audit.SeverityCritical).
			WithResource("breach", r.Kind).
			WithDetail("affected_count", r.AffectedCount).
			WithDetail("description", r.Description)
		for k, v := range r.Details {
			ev.WithDetail(k, v)
		}
		ev.RetentionExempt = true
		if err := e.RecordTx(ctx, repos, ev); err != nil {
			return err
		}

		payload := map[string]interface{}{
			"breach_event_id": ev.ID.String(),
			"kind":            r.Kind,
			"description":     r.Description,
			"affected_count":  r.AffectedCount,
			"declared_at":     now,
		}

		notified := 0
		for _, pid := range affected {
			p, err := repos.Principals().Get(ctx, pid)
			if err != nil {
				if errors.IsType(err, errors.ErrorTypeNotFound) {
					continue
				}
				return err
			}
			if p.Purged() {
				continue
			}
			if err := repos.Outbox().Enqueue(ctx, notification.ToPrincipal(notification.KindBreachNotification, pid, payload, now)); err != nil {
				return errors.NewInternalError("failed to enqueue breach notification").WithCause(err)
			}
			notified++
		}

		gov, err := notification.EnqueueGovernance(ctx, repos.Principals(), repos.Outbox(), notification.KindBreachNotification, payload, now)
		if err != nil {
			return errors.NewInternalError("failed to enqueue governance breach notice").WithCause(err)
		}

		res.Event = ev
		res.PrincipalsNotified = notified
		res.GovernanceNotified = gov
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.Critical(e.logger, "personal data breach declared",
		zap.String("kind", r.Kind),
		zap.String("event_id", res.Event.ID.String()),
		zap.Int("affected_count", r.AffectedCount),
		zap.Int("principals_notified", res.PrincipalsNotified))
	return res, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
