package notification

import (
	"context"
	"time"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

// EnqueueGovernance fans a finding out to every active DPO. Without any DPO
// on record the message is addressed to the role so the transport can route
// it to a shared mailbox or SIEM.
func EnqueueGovernance(ctx context.Context, principals principal.Repository, outbox Outbox, kind Kind, payload map[string]interface{}, now time.Time) (int, error) {
	dpos, err := principals.ListByRole(ctx, principal.RoleDPO)
	if err != nil {
		return 0, err
	}
	if len(dpos) == 0 {
		if err := outbox.Enqueue(ctx, ToRole(kind, principal.RoleDPO, payload, now)); err != nil {
			return 0, err
		}
		return 1, nil
	}
	for _, dpo := range dpos {
		if err := outbox.Enqueue(ctx, ToPrincipal(kind, dpo.ID, payload, now)); err != nil {
			return 0, err
		}
	}
	return len(dpos), nil
}
