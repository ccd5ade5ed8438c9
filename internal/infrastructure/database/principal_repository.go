package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

// PrincipalRepository implements principal.Repository.
type PrincipalRepository struct {
	q querier
}

const principalColumns = `id, email, name, role, active, deletion_requested_at,
	scheduled_purge_at, purged_at, created_at, updated_at`

func (r *PrincipalRepository) Create(ctx context.Context, p *principal.Principal) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO principals (`+principalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.Email, p.Name, string(p.Role), p.Active,
		p.DeletionRequestedAt, p.ScheduledPurgeAt, p.PurgedAt,
		p.CreatedAt, p.UpdatedAt,
	)
	return mapError(err, "principal")
}

func (r *PrincipalRepository) Get(ctx context.Context, id uuid.UUID) (*principal.Principal, error) {
	return r.getOne(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, id)
}

func (r *PrincipalRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*principal.Principal, error) {
	return r.getOne(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1 FOR UPDATE`, id)
}

func (r *PrincipalRepository) GetByEmail(ctx context.Context, email string) (*principal.Principal, error) {
	return r.getOne(ctx, `SELECT `+principalColumns+` FROM principals WHERE email = $1`, email)
}

func (r *PrincipalRepository) getOne(ctx context.Context, query string, arg any) (*principal.Principal, error) {
	p, err := scanPrincipal(r.q.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, mapError(err, "principal")
	}
	return p, nil
}

func (r *PrincipalRepository) Update(ctx context.Context, p *principal.Principal) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE principals SET
			email = $2, name = $3, role = $4, active = $5,
			deletion_requested_at = $6, scheduled_purge_at = $7, purged_at = $8,
			updated_at = $9
		WHERE id = $1`,
		p.ID, p.Email, p.Name, string(p.Role), p.Active,
		p.DeletionRequestedAt, p.ScheduledPurgeAt, p.PurgedAt, p.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "principal")
	}
	if tag.RowsAffected() == 0 {
		return notFound("principal")
	}
	return nil
}

func (r *PrincipalRepository) ListByRole(ctx context.Context, role principal.Role) ([]*principal.Principal, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+principalColumns+` FROM principals
		WHERE role = $1 ORDER BY created_at, id`, string(role))
	if err != nil {
		return nil, mapError(err, "principal")
	}
	defer rows.Close()

	var out []*principal.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, mapError(err, "principal")
		}
		out = append(out, p)
	}
	return out, mapError(rows.Err(), "principal")
}

func (r *PrincipalRepository) ListDueForPurge(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id FROM principals
		WHERE scheduled_purge_at IS NOT NULL AND scheduled_purge_at <= $1 AND purged_at IS NULL
		ORDER BY scheduled_purge_at, id
		LIMIT $2`, now, limitOrAll(limit))
	if err != nil {
		return nil, mapError(err, "principal")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err, "principal")
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err(), "principal")
}

func scanPrincipal(row rowScanner) (*principal.Principal, error) {
	var (
		p    principal.Principal
		role string
	)
	if err := row.Scan(
		&p.ID, &p.Email, &p.Name, &role, &p.Active,
		&p.DeletionRequestedAt, &p.ScheduledPurgeAt, &p.PurgedAt,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Role = principal.Role(role)
	utc(&p.CreatedAt, &p.UpdatedAt)
	utcPtr(p.DeletionRequestedAt, p.ScheduledPurgeAt, p.PurgedAt)
	return &p, nil
}
