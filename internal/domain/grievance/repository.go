package grievance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows grievance listings. Zero values mean no restriction.
type Filter struct {
	PrincipalID uuid.UUID
	Status      Status
	Limit       int
	Offset      int
}

// Repository persists grievances. Create rejects a duplicate ticket number
// with a conflict AppError.
type Repository interface {
	Create(ctx context.Context, g *Grievance) error
	Get(ctx context.Context, id uuid.UUID) (*Grievance, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Grievance, error)
	Update(ctx context.Context, g *Grievance) error
	List(ctx context.Context, f Filter) ([]*Grievance, error)

	// NextTicketSequence atomically allocates the next per-day sequence.
	NextTicketSequence(ctx context.Context, day time.Time) (int, error)

	// ListOverdue returns open grievances past their deadline that have not
	// been flagged yet.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Grievance, error)
	// MarkBreachNotified sets the breach marker if it is still unset and
	// reports whether this call set it.
	MarkBreachNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	DeleteByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error)
	AnonymizeByPrincipal(ctx context.Context, principalID uuid.UUID, at time.Time) (int, error)
	CountByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error)
}
