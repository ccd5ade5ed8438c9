// Package grievance implements the grievance tracker: ticketed complaints
// with SLA deadlines, escalation and governance resolution.
package grievance

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/dpdp-compliance-engine/internal/metrics"
)

// maxTicketAttempts bounds retries after a ticket number collision.
const maxTicketAttempts = 5

// AuditRecorder appends audit events inside an open transaction.
type AuditRecorder interface {
	RecordTx(ctx context.Context, repos compliance.Repositories, ev *audit.Event) error
}

// Policy configures deadlines and who may close out escalations.
type Policy struct {
	SLAWindow                 time.Duration
	CloseOutRoles             []principal.Role
	EscalationRequiresOverdue bool
	SweepBatchSize            int
}

func PolicyFrom(c config.GrievanceConfig) Policy {
	roles := make([]principal.Role, 0, len(c.CloseOutRoles))
	for _, r := range c.CloseOutRoles {
		roles = append(roles, principal.Role(r))
	}
	return Policy{
		SLAWindow:                 c.SLAWindow,
		CloseOutRoles:             roles,
		EscalationRequiresOverdue: c.EscalationRequiresOverdue,
		SweepBatchSize:            c.SweepBatchSize,
	}
}

func (p Policy) allowCloseOut(role principal.Role) bool {
	for _, r := range p.CloseOutRoles {
		if r == role {
			return true
		}
	}
	return false
}

// SubmitRequest is the input to Submit.
type SubmitRequest struct {
	Subject     string `json:"subject" validate:"required,min=5,max=200"`
	Description string `json:"description" validate:"required,min=10,max=5000"`
	Category    string `json:"category" validate:"omitempty,oneof=data_access data_correction data_deletion consent_withdrawal data_breach other"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
}

// Tracker is the grievance service.
type Tracker struct {
	tx      compliance.TransactionManager
	locker  compliance.Locker
	audit   AuditRecorder
	policy  Policy
	clock   clock.Clock
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewTracker(
	tx compliance.TransactionManager,
	locker compliance.Locker,
	recorder AuditRecorder,
	policy Policy,
	clk clock.Clock,
	m *metrics.Registry,
	logger *zap.Logger,
) *Tracker {
	return &Tracker{
		tx:      tx,
		locker:  locker,
		audit:   recorder,
		policy:  policy,
		clock:   clk,
		metrics: m,
		logger:  logger.With(zap.String("component", "grievance_tracker")),
	}
}

// Submit files a grievance for principalID and sends a confirmation.
func (t *Tracker) Submit(ctx context.Context, principalID uuid.UUID, req SubmitRequest) (g *grievance.Grievance, err error) {
	ctx, end := telemetry.StartPrincipalSpan(ctx, telemetry.SpanGrievanceSubmit, principalID, telemetry.AttrCategory.String(req.Category))
	defer func() { end(err) }()

	category, err := grievance.ParseCategory(req.Category)
	if err != nil {
		return nil, err
	}
	priority, err := grievance.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	// Validate once outside the retry loop.
	if _, err := grievance.New(principalID, req.Subject, req.Description, category, priority, t.clock.Now(), t.policy.SLAWindow); err != nil {
		return nil, err
	}

	err = compliance.WithPrincipalLock(ctx, t.locker, principalID, func() error {
		for attempt := 1; ; attempt++ {
			err := t.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
				var err error
				g, err = t.submitTx(ctx, repos, principalID, req.Subject, req.Description, category, priority)
				return err
			})
			if err == nil || !errors.HasCode(err, errors.CodeTicketCollision) || attempt == maxTicketAttempts {
				return err
			}
			t.logger.Warn("ticket number collision, retrying",
				zap.String("principal_id", principalID.String()),
				zap.Int("attempt", attempt))
		}
	})
	if err != nil {
		return nil, err
	}

	t.metrics.RecordGrievanceSubmitted(ctx, string(g.Category))
	t.logger.Info("grievance submitted",
		zap.String("grievance_id", g.ID.String()),
		zap.String("ticket", g.TicketNumber),
		zap.Time("sla_deadline", g.SLADeadline))
	return g, nil
}

func (t *Tracker) submitTx(ctx context.Context, repos compliance.Repositories, principalID uuid.UUID, subject, description string, category grievance.Category, priority grievance.Priority) (*grievance.Grievance, error) {
	owner, err := repos.Principals().GetForUpdate(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if owner.Purged() {
		return nil, errors.NewStateError(errors.CodeAlreadyPurged, "principal data has been erased")
	}

	now := t.clock.Now()
	g, err := grievance.New(principalID, subject, description, category, priority, now, t.policy.SLAWindow)
	if err != nil {
		return nil, err
	}
	seq, err := repos.Grievances().NextTicketSequence(ctx, now)
	if err != nil {
		return nil, errors.NewInternalError("failed to allocate ticket number").WithCause(err)
	}
	g.TicketNumber = grievance.FormatTicket(now, seq)
	if err := repos.Grievances().Create(ctx, g); err != nil {
		return nil, err
	}

	ev := audit.NewEvent(principalID, audit.CategoryGrievance, "grievance.submitted").
		WithResource("grievance", g.ID.String()).
		WithDetail("ticket_number", g.TicketNumber).
		WithDetail("category", string(g.Category)).
		WithDetail("priority", string(g.Priority)).
		WithDetail("sla_deadline", g.SLADeadline)
	if err := t.audit.RecordTx(ctx, repos, ev); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"grievance_id":  g.ID.String(),
		"ticket_number": g.TicketNumber,
		"subject":       g.Subject,
		"sla_deadline":  g.SLADeadline,
	}
	if err := repos.Outbox().Enqueue(ctx, notification.ToPrincipal(notification.KindGrievanceConfirmation, principalID, payload, now)); err != nil {
		return nil, errors.NewInternalError("failed to enqueue grievance confirmation").WithCause(err)
	}
	return g, nil
}

// Escalate moves an open grievance to escalated. The owner and governance
// roles may escalate.
func (t *Tracker) Escalate(ctx context.Context, id uuid.UUID, requester principal.Identity, reason string) (*grievance.Grievance, error) {
	return t.mutate(ctx, id, func(ctx context.Context, repos compliance.Repositories, g *grievance.Grievance, now time.Time) (*audit.Event, error) {
		if err := principal.Authorize(requester, principal.OpEscalateGrievance, g.PrincipalID); err != nil {
			return nil, err
		}
		if t.policy.EscalationRequiresOverdue && !requester.Role.Governance() && g.Status.Open() && !now.After(g.SLADeadline) {
			return nil, errors.NewStateError(errors.CodeEscalationNotDue, "grievance can be escalated once its SLA deadline has passed").
				WithDetails(map[string]interface{}{"sla_deadline": g.SLADeadline})
		}

		from := g.Status
		if err := g.Escalate(reason, now); err != nil {
			return nil, err
		}
		t.metrics.RecordGrievanceTransition(ctx, string(from), string(g.Status))
		return audit.NewEvent(g.PrincipalID, audit.CategoryGrievance, "grievance.escalated").
			WithResource("grievance", g.ID.String()).
			WithDetail("ticket_number", g.TicketNumber).
			WithDetail("from", string(from)).
			WithDetail("reason", g.EscalationReason).
			WithDetail("requested_by", requester.PrincipalID.String()), nil
	})
}

// UpdateStatus applies a governance status change.
func (t *Tracker) UpdateStatus(ctx context.Context, id uuid.UUID, actor principal.Identity, status, resolution string) (*grievance.Grievance, error) {
	to, err := grievance.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return t.mutate(ctx, id, func(ctx context.Context, repos compliance.Repositories, g *grievance.Grievance, now time.Time) (*audit.Event, error) {
		if err := principal.Authorize(actor, principal.OpUpdateGrievanceStatus, g.PrincipalID); err != nil {
			return nil, err
		}
		from := g.Status
		if err := g.Transition(to, resolution, actor.PrincipalID, t.policy.allowCloseOut(actor.Role), now); err != nil {
			return nil, err
		}
		t.metrics.RecordGrievanceTransition(ctx, string(from), string(to))

		ev := audit.NewEvent(g.PrincipalID, audit.CategoryGrievance, "grievance.status_changed").
			WithResource("grievance", g.ID.String()).
			WithDetail("ticket_number", g.TicketNumber).
			WithDetail("from", string(from)).
			WithDetail("to", string(to))
		if to == grievance.StatusResolved {
			ev.WithDetail("resolution", g.Resolution)
		}
		return ev, nil
	})
}

// mutate loads the grievance under its owner's lock and persists fn's
// changes together with the returned audit event.
func (t *Tracker) mutate(ctx context.Context, id uuid.UUID, fn func(context.Context, compliance.Repositories, *grievance.Grievance, time.Time) (*audit.Event, error)) (*grievance.Grievance, error) {
	current, err := t.tx.Repositories().Grievances().Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var g *grievance.Grievance
	err = compliance.WithPrincipalLock(ctx, t.locker, current.PrincipalID, func() error {
		return t.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
			var err error
			g, err = repos.Grievances().GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			ev, err := fn(ctx, repos, g, t.clock.Now())
			if err != nil {
				return err
			}
			if err := repos.Grievances().Update(ctx, g); err != nil {
				return err
			}
			return t.audit.RecordTx(ctx, repos, ev)
		})
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("grievance updated",
		zap.String("grievance_id", g.ID.String()),
		zap.String("ticket", g.TicketNumber),
		zap.String("status", string(g.Status)))
	return g, nil
}

// CheckSLABreaches flags every open grievance past its deadline exactly
// once. Each flag, its audit event and its notification commit together, so
// a sweep that fails part way can simply run again.
func (t *Tracker) CheckSLABreaches(ctx context.Context, now time.Time) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanGrievanceSLA)
	defer span.End()

	flagged, err := t.checkSLABreaches(ctx, now)
	span.SetAttributes(telemetry.AttrAffected.Int(flagged))
	telemetry.RecordError(span, err)
	return flagged, err
}

func (t *Tracker) checkSLABreaches(ctx context.Context, now time.Time) (int, error) {
	overdue, err := t.tx.Repositories().Grievances().ListOverdue(ctx, now, t.policy.SweepBatchSize)
	if err != nil {
		return 0, errors.NewInternalError("failed to list overdue grievances").WithCause(err)
	}

	flagged := 0
	var failures []error
	for _, g := range overdue {
		if err := ctx.Err(); err != nil {
			return flagged, err
		}
		marked, err := t.flagBreach(ctx, g, now)
		if err != nil {
			t.logger.Error("failed to flag SLA breach",
				zap.String("grievance_id", g.ID.String()),
				zap.Error(err))
			failures = append(failures, fmt.Errorf("grievance %s: %w", g.ID, err))
			continue
		}
		if marked {
			flagged++
			t.metrics.RecordSLABreach(ctx)
		}
	}

	if flagged > 0 {
		t.logger.Warn("grievance SLA breaches flagged", zap.Int("count", flagged))
	}
	return flagged, stderrors.Join(failures...)
}

func (t *Tracker) flagBreach(ctx context.Context, g *grievance.Grievance, now time.Time) (bool, error) {
	marked := false
	err := t.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
		ok, err := repos.Grievances().MarkBreachNotified(ctx, g.ID, now)
		if err != nil || !ok {
			return err
		}
		marked = true

		overdueBy := now.Sub(g.SLADeadline).Round(time.Second)
		ev := audit.NewEvent(g.PrincipalID, audit.CategoryGrievance, "grievance.sla_breached").
			WithSeverity(audit.SeverityWarning).
			WithResource("grievance", g.ID.String()).
			WithDetail("ticket_number", g.TicketNumber).
			WithDetail("status", string(g.Status)).
			WithDetail("sla_deadline", g.SLADeadline).
			WithDetail("overdue_by", overdueBy.String())
		if err := t.audit.RecordTx(ctx, repos, ev); err != nil {
			return err
		}

		payload := map[string]interface{}{
			"grievance_id":  g.ID.String(),
			"ticket_number": g.TicketNumber,
			"status":        string(g.Status),
			"sla_deadline":  g.SLADeadline,
			"overdue_by":    overdueBy.String(),
		}
		if g.AssignedTo != nil {
			return repos.Outbox().Enqueue(ctx, notification.ToPrincipal(notification.KindGrievanceSLABreach, *g.AssignedTo, payload, now))
		}
		_, err = notification.EnqueueGovernance(ctx, repos.Principals(), repos.Outbox(), notification.KindGrievanceSLABreach, payload, now)
		return err
	})
	return marked, err
}

// Get returns one grievance. Callers authorize against its PrincipalID.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*grievance.Grievance, error) {
	return t.tx.Repositories().Grievances().Get(ctx, id)
}

// List returns grievances matching f, oldest first.
func (t *Tracker) List(ctx context.Context, f grievance.Filter) ([]*grievance.Grievance, error) {
	out, err := t.tx.Repositories().Grievances().List(ctx, f)
	if err != nil {
		return nil, errors.NewInternalError("failed to list grievances").WithCause(err)
	}
	return out, nil
}
