package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

func (o *Orchestrator) RequestDeletion(ctx context.Context, target uuid.UUID) (p *principal.Principal, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpRequestDeletion, audit.CategoryDeletion)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, target); err != nil {
		return nil, err
	}
	if p, err = o.erasure.RequestDeletion(ctx, target); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return p, nil
}

func (o *Orchestrator) CancelDeletion(ctx context.Context, target uuid.UUID) (p *principal.Principal, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpCancelDeletion, audit.CategoryDeletion)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, target); err != nil {
		return nil, err
	}
	if p, err = o.erasure.CancelDeletion(ctx, target); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return p, nil
}
