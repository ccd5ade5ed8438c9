package principal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists principals. Implementations return a not_found AppError
// for unknown ids and a conflict AppError on duplicate email.
type Repository interface {
	Create(ctx context.Context, p *Principal) error
	Get(ctx context.Context, id uuid.UUID) (*Principal, error)
	// GetForUpdate loads the principal and holds a row lock until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Principal, error)
	GetByEmail(ctx context.Context, email string) (*Principal, error)
	Update(ctx context.Context, p *Principal) error
	ListByRole(ctx context.Context, role Role) ([]*Principal, error)
	// ListDueForPurge returns ids of principals whose scheduled purge is at or
	// before now and that have not been purged yet.
	ListDueForPurge(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}
