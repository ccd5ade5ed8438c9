package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
)

// AuditRepository stores the append-only audit trail.
type AuditRepository struct {
	q querier
}

const auditColumns = `id, principal_id, actor_id, action, category, severity, outcome,
	resource_type, resource_id, details, ip_address, user_agent, is_anomaly,
	anomaly_score, retention_exempt, created_at`

func (r *AuditRepository) Append(ctx context.Context, e *audit.Event) error {
	details, err := encodeJSON(e.Details)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO audit_events (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.PrincipalID, e.ActorID, e.Action, string(e.Category), string(e.Severity),
		string(e.Outcome), e.ResourceType, e.ResourceID, details, e.IPAddress, e.UserAgent,
		e.IsAnomaly, e.AnomalyScore, e.RetentionExempt, e.CreatedAt,
	)
	return mapError(err, "audit event")
}

func (r *AuditRepository) History(ctx context.Context, principalID uuid.UUID, categories []audit.Category, since time.Time) ([]*audit.Event, error) {
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = string(c)
	}
	return r.list(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE principal_id = $1 AND category = ANY($2) AND created_at >= $3
		ORDER BY created_at, id`, principalID, names, since)
}

func (r *AuditRepository) ListByPrincipal(ctx context.Context, principalID uuid.UUID) ([]*audit.Event, error) {
	return r.list(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE principal_id = $1
		ORDER BY created_at, id`, principalID)
}

// List returns matches oldest first. With a limit it keeps the newest rows.
func (r *AuditRepository) List(ctx context.Context, f audit.Filter) ([]*audit.Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PrincipalID != uuid.Nil {
		add("principal_id = $%d", f.PrincipalID)
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.MinSeverity != "" {
		add("severity = ANY($%d)", atLeast(f.MinSeverity))
	}
	if f.AnomalyOnly {
		where = append(where, "is_anomaly")
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitOrAll(f.Limit))
	query = fmt.Sprintf(`SELECT * FROM (%s ORDER BY created_at DESC, id DESC LIMIT $%d) newest
		ORDER BY created_at, id`, query, len(args))

	return r.list(ctx, query, args...)
}

func atLeast(min audit.Severity) []string {
	var out []string
	for _, s := range []audit.Severity{audit.SeverityInfo, audit.SeverityWarning, audit.SeverityError, audit.SeverityCritical} {
		if s.AtLeast(min) {
			out = append(out, string(s))
		}
	}
	return out
}

func (r *AuditRepository) list(ctx context.Context, query string, args ...any) ([]*audit.Event, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "audit event")
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		var (
			e                           audit.Event
			category, severity, outcome string
			details                     []byte
		)
		if err := rows.Scan(
			&e.ID, &e.PrincipalID, &e.ActorID, &e.Action, &category, &severity, &outcome,
			&e.ResourceType, &e.ResourceID, &details, &e.IPAddress, &e.UserAgent, &e.IsAnomaly,
			&e.AnomalyScore, &e.RetentionExempt, &e.CreatedAt,
		); err != nil {
			return nil, mapError(err, "audit event")
		}
		if e.Details, err = decodeJSON(details); err != nil {
			return nil, mapError(err, "audit event")
		}
		e.Category = audit.Category(category)
		e.Severity = audit.Severity(severity)
		e.Outcome = audit.Outcome(outcome)
		utc(&e.CreatedAt)
		out = append(out, &e)
	}
	return out, mapError(rows.Err(), "audit event")
}

func (r *AuditRepository) DeleteByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM audit_events WHERE principal_id = $1 AND NOT retention_exempt`, principalID)
	if err != nil {
		return 0, mapError(err, "audit event")
	}
	return int(tag.RowsAffected()), nil
}
