package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
)

// GrievanceRepository implements grievance.Repository.
type GrievanceRepository struct {
	q querier
}

const grievanceColumns = `id, principal_id, ticket_number, subject, description, category, priority,
	status, assigned_to, resolution, escalation_reason, sla_deadline, breach_notified_at,
	escalated_at, resolved_at, anonymized_at, created_at, updated_at`

func (r *GrievanceRepository) Create(ctx context.Context, g *grievance.Grievance) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO grievances (`+grievanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		g.ID, nullableID(g.PrincipalID), g.TicketNumber, g.Subject, g.Description,
		string(g.Category), string(g.Priority), string(g.Status), g.AssignedTo,
		g.Resolution, g.EscalationReason, g.SLADeadline, g.BreachNotifiedAt,
		g.EscalatedAt, g.ResolvedAt, g.AnonymizedAt, g.CreatedAt, g.UpdatedAt,
	)
	return mapError(err, "grievance")
}

func (r *GrievanceRepository) Get(ctx context.Context, id uuid.UUID) (*grievance.Grievance, error) {
	g, err := scanGrievance(r.q.QueryRow(ctx, `SELECT `+grievanceColumns+` FROM grievances WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "grievance")
	}
	return g, nil
}

func (r *GrievanceRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*grievance.Grievance, error) {
	g, err := scanGrievance(r.q.QueryRow(ctx, `SELECT `+grievanceColumns+` FROM grievances WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "grievance")
	}
	return g, nil
}

func (r *GrievanceRepository) Update(ctx context.Context, g *grievance.Grievance) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE grievances SET
			principal_id = $2, subject = $3, description = $4, priority = $5, status = $6,
			assigned_to = $7, resolution = $8, escalation_reason = $9, sla_deadline = $10,
			breach_notified_at = $11, escalated_at = $12, resolved_at = $13,
			anonymized_at = $14, updated_at = $15
		WHERE id = $1`,
		g.ID, nullableID(g.PrincipalID), g.Subject, g.Description, string(g.Priority),
		string(g.Status), g.AssignedTo, g.Resolution, g.EscalationReason, g.SLADeadline,
		g.BreachNotifiedAt, g.EscalatedAt, g.ResolvedAt, g.AnonymizedAt, g.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "grievance")
	}
	if tag.RowsAffected() == 0 {
		return notFound("grievance")
	}
	return nil
}

func (r *GrievanceRepository) List(ctx context.Context, f grievance.Filter) ([]*grievance.Grievance, error) {
	var (
		where []string
		args  []any
	)
	if f.PrincipalID != uuid.Nil {
		args = append(args, f.PrincipalID)
		where = append(where, fmt.Sprintf("principal_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + grievanceColumns + ` FROM grievances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitOrAll(f.Limit), max(f.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at, ticket_number LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return r.list(ctx, query, args...)
}

func (r *GrievanceRepository) list(ctx context.Context, query string, args ...any) ([]*grievance.Grievance, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "grievance")
	}
	defer rows.Close()

	var out []*grievance.Grievance
	for rows.Next() {
		g, err := scanGrievance(rows)
		if err != nil {
			return nil, mapError(err, "grievance")
		}
		out = append(out, g)
	}
	return out, mapError(rows.Err(), "grievance")
}

// NextTicketSequence upserts the per-day counter. Concurrent callers queue on
// the counter row, so sequences are gap-free within committed transactions.
func (r *GrievanceRepository) NextTicketSequence(ctx context.Context, day time.Time) (int, error) {
	var seq int
	err := r.q.QueryRow(ctx, `
		INSERT INTO grievance_ticket_counters (day, last_seq) VALUES ($1::date, 1)
		ON CONFLICT (day) DO UPDATE SET last_seq = grievance_ticket_counters.last_seq + 1
		RETURNING last_seq`, day.UTC().Format("2006-01-02")).Scan(&seq)
	return seq, mapError(err, "ticket counter")
}

func (r *GrievanceRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*grievance.Grievance, error) {
	return r.list(ctx, `
		SELECT `+grievanceColumns+` FROM grievances
		WHERE status IN ('pending', 'in_progress') AND breach_notified_at IS NULL AND sla_deadline < $1
		ORDER BY sla_deadline, id
		LIMIT $2`, now, limitOrAll(limit))
}

func (r *GrievanceRepository) MarkBreachNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE grievances SET breach_notified_at = $2, updated_at = $2
		WHERE id = $1 AND breach_notified_at IS NULL`, id, at)
	if err != nil {
		return false, mapError(err, "grievance")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM grievances WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, mapError(err, "grievance")
	}
	if !exists {
		return false, notFound("grievance")
	}
	return false, nil
}

func (r *GrievanceRepository) DeleteByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM grievances WHERE principal_id = $1`, principalID)
	if err != nil {
		return 0, mapError(err, "grievance")
	}
	return int(tag.RowsAffected()), nil
}

// AnonymizeByPrincipal mirrors grievance.Anonymize in SQL.
func (r *GrievanceRepository) AnonymizeByPrincipal(ctx context.Context, principalID uuid.UUID, at time.Time) (int, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE grievances SET
			principal_id = NULL, subject = '[redacted]', description = '[redacted]',
			resolution = '', escalation_reason = '', anonymized_at = $2, updated_at = $2
		WHERE principal_id = $1`, principalID, at)
	if err != nil {
		return 0, mapError(err, "grievance")
	}
	return int(tag.RowsAffected()), nil
}

func (r *GrievanceRepository) CountByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT count(*) FROM grievances WHERE principal_id = $1`, principalID).Scan(&n)
	return n, mapError(err, "grievance")
}

func scanGrievance(row rowScanner) (*grievance.Grievance, error) {
	var (
		g                          grievance.Grievance
		principalID                *uuid.UUID
		category, priority, status string
	)
	if err := row.Scan(
		&g.ID, &principalID, &g.TicketNumber, &g.Subject, &g.Description, &category, &priority,
		&status, &g.AssignedTo, &g.Resolution, &g.EscalationReason, &g.SLADeadline, &g.BreachNotifiedAt,
		&g.EscalatedAt, &g.ResolvedAt, &g.AnonymizedAt, &g.CreatedAt, &g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	g.PrincipalID = idOrNil(principalID)
	g.Category = grievance.Category(category)
	g.Priority = grievance.Priority(priority)
	g.Status = grievance.Status(status)
	utc(&g.SLADeadline, &g.CreatedAt, &g.UpdatedAt)
	utcPtr(g.BreachNotifiedAt, g.EscalatedAt, g.ResolvedAt, g.AnonymizedAt)
	return &g, nil
}
