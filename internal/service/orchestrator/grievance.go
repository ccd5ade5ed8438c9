package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	grievancesvc "github.com/davidleathers/dpdp-compliance-engine/internal/service/grievance"
)

func (o *Orchestrator) SubmitGrievance(ctx context.Context, target uuid.UUID, req grievancesvc.SubmitRequest) (g *grievance.Grievance, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpSubmitGrievance, audit.CategoryGrievance)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, target); err != nil {
		return nil, err
	}
	if g, err = o.grievances.Submit(ctx, target, req); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return g, nil
}

func (o *Orchestrator) GetGrievance(ctx context.Context, id uuid.UUID) (g *grievance.Grievance, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpViewGrievance, audit.CategoryGrievance)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if g, err = o.grievances.Get(ctx, id); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	if err = o.authorize(ctx, c, g.PrincipalID); err != nil {
		return nil, err
	}
	return g, nil
}

// EscalateGrievance escalates on behalf of the caller. Ownership is checked
// by the tracker once the grievance is loaded.
func (o *Orchestrator) EscalateGrievance(ctx context.Context, id uuid.UUID, reason string) (g *grievance.Grievance, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpEscalateGrievance, audit.CategoryGrievance)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if g, err = o.grievances.Escalate(ctx, id, c.caller, reason); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return g, nil
}

func (o *Orchestrator) UpdateGrievanceStatus(ctx context.Context, id uuid.UUID, status, resolution string) (g *grievance.Grievance, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpUpdateGrievanceStatus, audit.CategoryGrievance)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, uuid.Nil); err != nil {
		return nil, err
	}
	if g, err = o.grievances.UpdateStatus(ctx, id, c.caller, status, resolution); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return g, nil
}

// ListGrievances lists the caller's own grievances, or any grievances for a
// governance caller.
func (o *Orchestrator) ListGrievances(ctx context.Context, f grievance.Filter) (out []*grievance.Grievance, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpListGrievances, audit.CategoryGrievance)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if c.caller.Role == principal.RolePrincipal && f.PrincipalID == uuid.Nil {
		f.PrincipalID = c.caller.PrincipalID
	}
	if f.PrincipalID == c.caller.PrincipalID {
		c.op = principal.OpViewGrievance
	}
	if err = o.authorize(ctx, c, f.PrincipalID); err != nil {
		return nil, err
	}
	if out, err = o.grievances.List(ctx, f); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return out, nil
}
