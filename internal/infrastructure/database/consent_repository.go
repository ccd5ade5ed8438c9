package database

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
)

// ConsentRepository is the append-only ledger table. Records are never
// updated; a purge deletes them wholesale.
type ConsentRepository struct {
	q querier
}

const consentColumns = `id, principal_id, purpose, status, version, granted_at, withdrawn_at, created_at`

func (r *ConsentRepository) Append(ctx context.Context, rec *consent.Record) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO consent_records (`+consentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.PrincipalID, string(rec.Purpose), string(rec.Status), rec.Version,
		rec.GrantedAt, rec.WithdrawnAt, rec.CreatedAt,
	)
	return mapError(err, "consent version")
}

func (r *ConsentRepository) History(ctx context.Context, principalID uuid.UUID, purpose consent.Purpose) ([]*consent.Record, error) {
	return r.list(ctx, `
		SELECT `+consentColumns+` FROM consent_records
		WHERE principal_id = $1 AND purpose = $2`, principalID, string(purpose))
}

func (r *ConsentRepository) ListByPrincipal(ctx context.Context, principalID uuid.UUID) ([]*consent.Record, error) {
	return r.list(ctx, `
		SELECT `+consentColumns+` FROM consent_records
		WHERE principal_id = $1`, principalID)
}

func (r *ConsentRepository) list(ctx context.Context, query string, args ...any) ([]*consent.Record, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "consent")
	}
	defer rows.Close()

	var out []*consent.Record
	for rows.Next() {
		var (
			rec             consent.Record
			purpose, status string
		)
		if err := rows.Scan(&rec.ID, &rec.PrincipalID, &purpose, &status, &rec.Version,
			&rec.GrantedAt, &rec.WithdrawnAt, &rec.CreatedAt); err != nil {
			return nil, mapError(err, "consent")
		}
		rec.Purpose = consent.Purpose(purpose)
		rec.Status = consent.Status(status)
		utc(&rec.GrantedAt, &rec.CreatedAt)
		utcPtr(rec.WithdrawnAt)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "consent")
	}
	consent.SortHistory(out)
	return out, nil
}

func (r *ConsentRepository) DeleteByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM consent_records WHERE principal_id = $1`, principalID)
	if err != nil {
		return 0, mapError(err, "consent")
	}
	return int(tag.RowsAffected()), nil
}

func (r *ConsentRepository) CountByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT count(*) FROM consent_records WHERE principal_id = $1`, principalID).Scan(&n)
	return n, mapError(err, "consent")
}
