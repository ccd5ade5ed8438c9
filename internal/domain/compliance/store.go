// Package compliance holds the persistence and coordination ports shared by
// the compliance services.
package compliance

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

// Repositories groups the stores bound to one transaction (or to none, for
// plain reads).
type Repositories interface {
	Principals() principal.Repository
	Consents() consent.Repository
	Grievances() grievance.Repository
	Audit() audit.Repository
	Outbox() notification.Outbox
}

// TransactionManager runs a unit of work atomically. If fn returns an error
// every write made through repos is discarded.
type TransactionManager interface {
	ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
	// Repositories returns stores for reads outside a transaction. They must
	// not be used from inside ExecuteInTransaction.
	Repositories() Repositories
}

// Locker serializes mutations per principal across the process or cluster.
type Locker interface {
	Lock(ctx context.Context, principalID uuid.UUID) (unlock func(), err error)
}

// WithPrincipalLock runs fn while holding the lock for principalID.
func WithPrincipalLock(ctx context.Context, l Locker, principalID uuid.UUID, fn func() error) error {
	unlock, err := l.Lock(ctx, principalID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
