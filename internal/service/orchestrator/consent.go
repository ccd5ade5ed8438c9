package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

func (o *Orchestrator) GrantConsent(ctx context.Context, target uuid.UUID, purpose string) (rec *consent.Record, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpGrantConsent, audit.CategoryConsent)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, target); err != nil {
		return nil, err
	}
	if rec, err = o.consent.Grant(ctx, target, purpose); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return rec, nil
}

func (o *Orchestrator) WithdrawConsent(ctx context.Context, target uuid.UUID, purpose string) (rec *consent.Record, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpWithdrawConsent, audit.CategoryConsent)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, target); err != nil {
		return nil, err
	}
	if rec, err = o.consent.Withdraw(ctx, target, purpose); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return rec, nil
}

// ConsentStatus folds the target's ledger for one purpose. Reads by anyone
// other than the owner are audited.
func (o *Orchestrator) ConsentStatus(ctx context.Context, target uuid.UUID, purpose string) (status consent.Status, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpViewConsent, audit.CategoryConsent)
	defer func() { finish(err) }()
	if err != nil {
		return "", err
	}
	if err = o.authorize(ctx, c, target); err != nil {
		return "", err
	}
	if status, err = o.consent.CurrentStatus(ctx, target, purpose); err != nil {
		return "", o.fail(ctx, c, err)
	}
	o.auditForeignRead(ctx, c, target, "consent.status_viewed", purpose)
	return status, nil
}

// ConsentHistory returns the target's ledger, optionally for one purpose.
func (o *Orchestrator) ConsentHistory(ctx context.Context, target uuid.UUID, purpose string) (records []*consent.Record, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpViewConsent, audit.CategoryConsent)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, target); err != nil {
		return nil, err
	}
	if records, err = o.consent.History(ctx, target, purpose); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	o.auditForeignRead(ctx, c, target, "consent.history_viewed", purpose)
	return records, nil
}

func (o *Orchestrator) auditForeignRead(ctx context.Context, c *call, target uuid.UUID, action, purpose string) {
	if c.caller.PrincipalID == target {
		return
	}
	ev := audit.NewEvent(target, audit.CategoryDataAccess, action).
		WithResource("principal", target.String())
	if purpose != "" {
		ev.WithDetail("purpose", purpose)
	}
	o.record(ctx, ev)
}
