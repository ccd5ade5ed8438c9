package consent

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the append-only consent ledger store. Append must reject a
// duplicate (principal, purpose, version) with a conflict AppError.
type Repository interface {
	Append(ctx context.Context, r *Record) error
	History(ctx context.Context, principalID uuid.UUID, purpose Purpose) ([]*Record, error)
	ListByPrincipal(ctx context.Context, principalID uuid.UUID) ([]*Record, error)
	DeleteByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error)
	CountByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error)
}
