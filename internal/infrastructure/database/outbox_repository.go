package database

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

// OutboxRepository implements notification.Outbox.
type OutboxRepository struct {
	q querier
}

const outboxColumns = `id, kind, recipient_id, recipient_role, payload, status, attempts,
	next_attempt_at, last_error, created_at, delivered_at`

func (r *OutboxRepository) Enqueue(ctx context.Context, m *notification.Message) error {
	payload, err := encodeJSON(m.Payload)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO notification_outbox (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, string(m.Kind), m.RecipientID, string(m.RecipientRole), payload, string(m.Status),
		m.Attempts, m.NextAttemptAt, m.LastError, m.CreatedAt, m.DeliveredAt,
	)
	return mapError(err, "notification")
}

// ClaimDue leases due rows. SKIP LOCKED lets several dispatchers claim
// disjoint batches; the lease keeps a crashed dispatcher's batch from being
// redelivered until it expires.
func (r *OutboxRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*notification.Message, error) {
	out, err := r.list(ctx, `
		UPDATE notification_outbox SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, now, now.Add(lease), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *OutboxRepository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, `
		UPDATE notification_outbox
		SET status = 'delivered', attempts = attempts + 1, delivered_at = $2, last_error = ''
		WHERE id = $1`, id, at)
}

func (r *OutboxRepository) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	return r.exec(ctx, `
		UPDATE notification_outbox SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1`, id, attempts, next, lastErr)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	return r.exec(ctx, `
		UPDATE notification_outbox SET status = 'failed', attempts = $2, last_error = $3
		WHERE id = $1`, id, attempts, lastErr)
}

func (r *OutboxRepository) exec(ctx context.Context, query string, args ...any) error {
	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err, "notification")
	}
	if tag.RowsAffected() == 0 {
		return notFound("notification")
	}
	return nil
}

func (r *OutboxRepository) List(ctx context.Context, kind notification.Kind) ([]*notification.Message, error) {
	return r.list(ctx, `
		SELECT `+outboxColumns+` FROM notification_outbox
		WHERE $1 = '' OR kind = $1
		ORDER BY created_at, id`, string(kind))
}

func (r *OutboxRepository) list(ctx context.Context, query string, args ...any) ([]*notification.Message, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "notification")
	}
	defer rows.Close()

	var out []*notification.Message
	for rows.Next() {
		var (
			m                  notification.Message
			kind, role, status string
			payload            []byte
		)
		if err := rows.Scan(&m.ID, &kind, &m.RecipientID, &role, &payload, &status, &m.Attempts,
			&m.NextAttemptAt, &m.LastError, &m.CreatedAt, &m.DeliveredAt); err != nil {
			return nil, mapError(err, "notification")
		}
		if m.Payload, err = decodeJSON(payload); err != nil {
			return nil, mapError(err, "notification")
		}
		m.Kind = notification.Kind(kind)
		m.RecipientRole = principal.Role(role)
		m.Status = notification.Status(status)
		utc(&m.NextAttemptAt, &m.CreatedAt)
		utcPtr(m.DeliveredAt)
		out = append(out, &m)
	}
	return out, mapError(rows.Err(), "notification")
}
