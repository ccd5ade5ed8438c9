package notification

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

// Kind identifies the template and routing of a notification.
type Kind string

const (
	KindWelcome               Kind = "welcome"
	KindConsentWithdrawn      Kind = "consent_withdrawn"
	KindGrievanceConfirmation Kind = "grievance_confirmation"
	KindGrievanceSLABreach    Kind = "grievance_sla_breach"
	KindBreachNotification    Kind = "breach_notification"
	KindAnomalyAlert          Kind = "anomaly_alert"
	KindDeletionScheduled     Kind = "deletion_scheduled"
	KindDeletionCancelled     Kind = "deletion_cancelled"
	KindDeletionExecuted      Kind = "deletion_executed"
)

// Governance reports whether the kind is a finding meant for oversight roles.
func (k Kind) Governance() bool {
	switch k {
	case KindGrievanceSLABreach, KindBreachNotification, KindAnomalyAlert, KindDeletionExecuted:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Message is an outbox row. It is written in the same transaction as the
// state change that triggers it and delivered out of band.
type Message struct {
	ID            uuid.UUID              `json:"id"`
	Kind          Kind                   `json:"kind"`
	RecipientID   *uuid.UUID             `json:"recipient_id,omitempty"`
	RecipientRole principal.Role         `json:"recipient_role,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	Status        Status                 `json:"status"`
	Attempts      int                    `json:"attempts"`
	NextAttemptAt time.Time              `json:"next_attempt_at"`
	LastError     string                 `json:"last_error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	DeliveredAt   *time.Time             `json:"delivered_at,omitempty"`
}

// ToPrincipal addresses a message to one principal.
func ToPrincipal(kind Kind, recipient uuid.UUID, payload map[string]interface{}, now time.Time) *Message {
	id := recipient
	return newMessage(kind, &id, "", payload, now)
}

// ToRole addresses a message to whoever holds role.
func ToRole(kind Kind, role principal.Role, payload map[string]interface{}, now time.Time) *Message {
	return newMessage(kind, nil, role, payload, now)
}

func newMessage(kind Kind, recipient *uuid.UUID, role principal.Role, payload map[string]interface{}, now time.Time) *Message {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Message{
		ID:            uuid.New(),
		Kind:          kind,
		RecipientID:   recipient,
		RecipientRole: role,
		Payload:       payload,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

// Outbox stores messages until a dispatcher delivers them.
type Outbox interface {
	Enqueue(ctx context.Context, m *Message) error
	// ClaimDue returns pending messages due at now and leases them until
	// now+lease so concurrent dispatchers skip them.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Message, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
	List(ctx context.Context, kind Kind) ([]*Message, error)
}

// Transport delivers one message to an external channel.
type Transport interface {
	Name() string
	Send(ctx context.Context, m *Message) error
}
