package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	auditsvc "github.com/davidleathers/dpdp-compliance-engine/internal/service/audit"
)

// RecordRequest is an externally reported audit event, e.g. a login seen by
// the identity provider.
type RecordRequest struct {
	PrincipalID  uuid.UUID              `json:"principal_id"`
	Category     string                 `json:"category" validate:"required"`
	Action       string                 `json:"action" validate:"required,max=100"`
	Severity     string                 `json:"severity" validate:"omitempty,oneof=info warning error critical"`
	ResourceType string                 `json:"resource_type" validate:"max=100"`
	ResourceID   string                 `json:"resource_id" validate:"max=200"`
	IPAddress    string                 `json:"ip_address" validate:"omitempty,ip"`
	UserAgent    string                 `json:"user_agent" validate:"max=500"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// RecordAudit appends an event on behalf of an integrated system. Security
// relevant events are scored against the principal's history.
func (o *Orchestrator) RecordAudit(ctx context.Context, req RecordRequest) (ev *audit.Event, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpRecordAudit, audit.CategoryAdminAction)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, uuid.Nil); err != nil {
		return nil, err
	}

	category, err := audit.ParseCategory(req.Category)
	if err != nil {
		return nil, o.fail(ctx, c, err)
	}
	ev = audit.NewEvent(req.PrincipalID, category, req.Action).
		WithResource(req.ResourceType, req.ResourceID)
	if req.Severity != "" {
		sev, perr := audit.ParseSeverity(req.Severity)
		if perr != nil {
			return nil, o.fail(ctx, c, perr)
		}
		ev.WithSeverity(sev)
	}
	for k, v := range req.Details {
		ev.WithDetail(k, v)
	}
	ev.IPAddress = req.IPAddress
	ev.UserAgent = req.UserAgent

	if _, err = o.audit.Record(ctx, ev); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return ev, nil
}

// ScoreAccess assesses a prospective access without recording it.
func (o *Orchestrator) ScoreAccess(ctx context.Context, target uuid.UUID, action, ipAddress string) (a *auditsvc.Assessment, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpScoreAccess, audit.CategorySecurity)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, uuid.Nil); err != nil {
		return nil, err
	}
	if a, err = o.audit.Score(ctx, target, action, ipAddress, o.now()); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return a, nil
}

func (o *Orchestrator) DeclareBreach(ctx context.Context, r auditsvc.BreachReport) (res *auditsvc.BreachResult, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpDeclareBreach, audit.CategoryBreach)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, uuid.Nil); err != nil {
		return nil, err
	}
	if res, err = o.audit.DetectBreach(ctx, r); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return res, nil
}

func (o *Orchestrator) ListAudit(ctx context.Context, f audit.Filter) (events []*audit.Event, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpListAudit, audit.CategoryAdminAction)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, uuid.Nil); err != nil {
		return nil, err
	}
	return o.audit.List(ctx, f)
}

// RunSweep runs a scheduler task immediately. The sweep's own audit events
// are recorded as system-initiated.
func (o *Orchestrator) RunSweep(ctx context.Context, task string) (summary map[string]interface{}, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpRunSweep, audit.CategoryAdminAction)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, uuid.Nil); err != nil {
		return nil, err
	}
	if o.sweeps == nil {
		return nil, errors.NewInternalError("sweep scheduler is not configured")
	}

	started := o.now()
	summary, err = o.sweeps.RunNow(audit.SystemContext(ctx), task)
	if err != nil {
		return nil, o.fail(ctx, c, err)
	}

	ev := audit.NewEvent(c.caller.PrincipalID, audit.CategoryAdminAction, "sweep.triggered").
		WithDetail("task", task).
		WithDetail("duration_ms", o.now().Sub(started).Milliseconds())
	for k, v := range summary {
		ev.WithDetail(k, v)
	}
	o.record(ctx, ev)
	o.logger.Info("sweep run on demand",
		zap.String("task", task),
		zap.String("actor_id", c.caller.PrincipalID.String()))
	return summary, nil
}
