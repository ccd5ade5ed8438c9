// Package orchestrator is the single entry point for externally triggered
// compliance operations. Each call resolves the caller, checks the central
// authorization table, delegates to the owning service and makes sure an
// audit event exists whatever the outcome.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/dpdp-compliance-engine/internal/metrics"
	auditsvc "github.com/davidleathers/dpdp-compliance-engine/internal/service/audit"
	consentsvc "github.com/davidleathers/dpdp-compliance-engine/internal/service/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service/erasure"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service/grievance"
)

// SweepRunner runs a named periodic task on demand.
type SweepRunner interface {
	RunNow(ctx context.Context, task string) (map[string]interface{}, error)
}

// Services bundles the components the orchestrator delegates to.
type Services struct {
	Consent    *consentsvc.Ledger
	Grievances *grievance.Tracker
	Erasure    *erasure.Scheduler
	Audit      *auditsvc.Engine
}

type Orchestrator struct {
	tx         compliance.TransactionManager
	locker     compliance.Locker
	consent    *consentsvc.Ledger
	grievances *grievance.Tracker
	erasure    *erasure.Scheduler
	audit      *auditsvc.Engine
	sweeps     SweepRunner
	clock      clock.Clock
	metrics    *metrics.Registry
	logger     *zap.Logger
}

func New(
	tx compliance.TransactionManager,
	locker compliance.Locker,
	svc Services,
	clk clock.Clock,
	m *metrics.Registry,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		tx:         tx,
		locker:     locker,
		consent:    svc.Consent,
		grievances: svc.Grievances,
		erasure:    svc.Erasure,
		audit:      svc.Audit,
		clock:      clk,
		metrics:    m,
		logger:     logger.With(zap.String("component", "orchestrator")),
	}
}

// SetSweepRunner attaches the scheduler used by RunSweep. The scheduler is
// built from the same services, so it is wired after construction.
func (o *Orchestrator) SetSweepRunner(r SweepRunner) {
	o.sweeps = r
}

// call is the per-operation context: the verified caller and the target.
type call struct {
	op     principal.Operation
	caller principal.Identity
	target uuid.UUID
	// category classifies failure events for this operation.
	category audit.Category
}

// span starts the operation span. finish ends it, recording err.
func (o *Orchestrator) span(ctx context.Context, op principal.Operation) (context.Context, func(error)) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator."+string(op),
		attribute.String("compliance.operation", string(op)))
	return ctx, func(err error) {
		telemetry.RecordError(span, err)
		span.End()
	}
}

// begin resolves the caller from ctx and starts the operation span. The
// caller must still exist and not be purged; the stored role wins over the
// one carried by the credential. finish is never nil.
func (o *Orchestrator) begin(ctx context.Context, op principal.Operation, category audit.Category) (context.Context, *call, func(error), error) {
	ctx, finish := o.span(ctx, op)

	id, ok := principal.IdentityFrom(ctx)
	if !ok || id.PrincipalID == uuid.Nil {
		return ctx, nil, finish, errors.NewUnauthenticatedError("no verified identity on request")
	}
	p, err := o.tx.Repositories().Principals().Get(ctx, id.PrincipalID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			err = errors.NewUnauthenticatedError("identity does not match a known principal")
		}
		return ctx, nil, finish, err
	}
	if p.Purged() || !p.Active {
		return ctx, nil, finish, errors.NewUnauthenticatedError("principal is no longer active")
	}
	id.Role = p.Role

	meta, _ := audit.RequestMetaFrom(ctx)
	meta.ActorID = id.PrincipalID
	ctx = audit.WithRequestMeta(ctx, meta)

	return ctx, &call{op: op, caller: id, category: category}, finish, nil
}

// authorize checks the table and records a denial.
func (o *Orchestrator) authorize(ctx context.Context, c *call, owner uuid.UUID) error {
	c.target = owner
	if err := principal.Authorize(c.caller, c.op, owner); err != nil {
		o.recordDenial(ctx, c, err)
		return err
	}
	return nil
}

// recordDenial audits a refused operation against the caller so repeated
// probing shows up in the caller's own anomaly history.
func (o *Orchestrator) recordDenial(ctx context.Context, c *call, cause error) {
	ev := audit.NewEvent(c.caller.PrincipalID, audit.CategorySecurity, "authorization.denied").
		WithSeverity(audit.SeverityWarning).
		WithDetail("operation", string(c.op)).
		WithDetail("role", string(c.caller.Role))
	ev.Outcome = audit.OutcomeDenied
	if c.target != uuid.Nil {
		ev.WithResource("principal", c.target.String())
	}
	if appErr, ok := errors.As(cause); ok {
		ev.WithDetail("code", appErr.Code)
	}
	o.record(ctx, ev)
}

// fail audits an operation that was authorized but did not take effect.
// Services record their own success events inside the mutating transaction.
func (o *Orchestrator) fail(ctx context.Context, c *call, err error) error {
	if errors.IsType(err, errors.ErrorTypeAuthorization) {
		o.recordDenial(ctx, c, err)
		return err
	}

	subject := c.target
	if subject == uuid.Nil {
		subject = c.caller.PrincipalID
	}
	ev := audit.NewEvent(subject, c.category, string(c.op)).
		WithDetail("error", err.Error())
	ev.Outcome = audit.OutcomeFailure
	if appErr, ok := errors.As(err); ok {
		ev.WithDetail("code", appErr.Code)
		switch {
		case appErr.Type == errors.ErrorTypeInternal || appErr.Type == errors.ErrorTypeConsistency:
			ev.WithSeverity(audit.SeverityError)
		case appErr.RightsAffecting:
			ev.WithSeverity(audit.SeverityWarning)
		}
	} else {
		ev.WithSeverity(audit.SeverityError)
	}
	o.record(ctx, ev)
	return err
}

// record appends an orchestrator-level event in its own transaction. A failure
// to audit is logged and never replaces the operation's own result.
func (o *Orchestrator) record(ctx context.Context, ev *audit.Event) *audit.Event {
	if _, err := o.audit.Record(ctx, ev); err != nil {
		o.logger.Error("failed to record audit event",
			zap.String("action", ev.Action),
			zap.String("principal_id", ev.Subject().String()),
			zap.Error(err))
		return nil
	}
	return ev
}

func (o *Orchestrator) now() time.Time {
	return o.clock.Now()
}
