package grievance

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusEscalated  Status = "escalated"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInProgress, StatusResolved, StatusEscalated:
		return st, nil
	}
	return "", errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("unknown grievance status %q", s))
}

// Open reports whether the SLA clock still runs for this status.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusInProgress
}

type Category string

const (
	CategoryDataAccess        Category = "data_access"
	CategoryDataCorrection    Category = "data_correction"
	CategoryDataDeletion      Category = "data_deletion"
	CategoryConsentWithdrawal Category = "consent_withdrawal"
	CategoryDataBreach        Category = "data_breach"
	CategoryOther             Category = "other"
)

func ParseCategory(s string) (Category, error) {
	if s == "" {
		return CategoryOther, nil
	}
	switch c := Category(s); c {
	case CategoryDataAccess, CategoryDataCorrection, CategoryDataDeletion,
		CategoryConsentWithdrawal, CategoryDataBreach, CategoryOther:
		return c, nil
	}
	return "", errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("unknown grievance category %q", s))
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	switch p := Priority(s); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("unknown grievance priority %q", s))
}

const (
	minSubjectLen     = 5
	maxSubjectLen     = 200
	minDescriptionLen = 10
	maxDescriptionLen = 5000
)

// Grievance is a complaint raised by a principal. PrincipalID is uuid.Nil once
// the grievance has been anonymised by an erasure purge.
type Grievance struct {
	ID               uuid.UUID  `json:"id"`
	PrincipalID      uuid.UUID  `json:"principal_id"`
	TicketNumber     string     `json:"ticket_number"`
	Subject          string     `json:"subject"`
	Description      string     `json:"description"`
	Category         Category   `json:"category"`
	Priority         Priority   `json:"priority"`
	Status           Status     `json:"status"`
	AssignedTo       *uuid.UUID `json:"assigned_to,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
	SLADeadline      time.Time  `json:"sla_deadline"`
	BreachNotifiedAt *time.Time `json:"breach_notified_at,omitempty"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	AnonymizedAt     *time.Time `json:"anonymized_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// New validates input and creates a pending grievance with its SLA deadline.
// The ticket number is assigned by the caller.
func New(principalID uuid.UUID, subject, description string, category Category, priority Priority, now time.Time, slaWindow time.Duration) (*Grievance, error) {
	subject = strings.TrimSpace(subject)
	description = strings.TrimSpace(description)

	if n := utf8.RuneCountInString(subject); n < minSubjectLen || n > maxSubjectLen {
		return nil, errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("subject must be between %d and %d characters", minSubjectLen, maxSubjectLen))
	}
	if n := utf8.RuneCountInString(description); n < minDescriptionLen || n > maxDescriptionLen {
		return nil, errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("description must be between %d and %d characters", minDescriptionLen, maxDescriptionLen))
	}

	return &Grievance{
		ID:          uuid.New(),
		PrincipalID: principalID,
		Subject:     subject,
		Description: description,
		Category:    category,
		Priority:    priority,
		Status:      StatusPending,
		SLADeadline: now.Add(slaWindow),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Escalate moves an open grievance to escalated.
func (g *Grievance) Escalate(reason string, now time.Time) error {
	if !g.Status.Open() {
		return errors.NewStateError(errors.CodeAlreadyTerminal,
			fmt.Sprintf("grievance %s is already %s", g.TicketNumber, g.Status)).AffectsRights()
	}
	escalated := now
	g.Status = StatusEscalated
	g.EscalationReason = strings.TrimSpace(reason)
	g.EscalatedAt = &escalated
	g.UpdatedAt = now
	return nil
}

// Transition applies a governance status change. allowCloseOut decides whether
// an escalated grievance may still receive its final resolution.
func (g *Grievance) Transition(to Status, resolution string, actor uuid.UUID, allowCloseOut bool, now time.Time) error {
	if !g.canTransition(to, allowCloseOut) {
		return errors.NewStateError(errors.CodeInvalidTransition,
			fmt.Sprintf("cannot move grievance from %s to %s", g.Status, to)).
			WithDetails(map[string]interface{}{"from": string(g.Status), "to": string(to)})
	}

	switch to {
	case StatusInProgress:
		assignee := actor
		g.AssignedTo = &assignee
	case StatusResolved:
		resolution = strings.TrimSpace(resolution)
		if resolution == "" {
			return errors.NewValidationError(errors.CodeResolutionRequired, "a resolution is required to resolve a grievance")
		}
		resolved := now
		g.Resolution = resolution
		g.ResolvedAt = &resolved
	case StatusEscalated:
		escalated := now
		g.EscalatedAt = &escalated
	}

	g.Status = to
	g.UpdatedAt = now
	return nil
}

func (g *Grievance) canTransition(to Status, allowCloseOut bool) bool {
	switch g.Status {
	case StatusPending:
		return to == StatusInProgress || to == StatusEscalated
	case StatusInProgress:
		return to == StatusResolved || to == StatusEscalated
	case StatusEscalated:
		return to == StatusResolved && allowCloseOut
	}
	return false
}

// SLABreached reports whether the grievance is overdue and not yet flagged.
func (g *Grievance) SLABreached(now time.Time) bool {
	return g.Status.Open() && g.BreachNotifiedAt == nil && now.After(g.SLADeadline)
}

// Anonymize strips the link to the principal and the free-text content while
// keeping the ticket for statistics.
func (g *Grievance) Anonymize(now time.Time) {
	anonymized := now
	g.PrincipalID = uuid.Nil
	g.Subject = "[redacted]"
	g.Description = "[redacted]"
	g.Resolution = ""
	g.EscalationReason = ""
	g.AnonymizedAt = &anonymized
	g.UpdatedAt = now
}

// TicketPrefix starts every ticket number.
const TicketPrefix = "GRV"

// FormatTicket renders the ticket number for the seq-th grievance of day.
func FormatTicket(day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", TicketPrefix, day.UTC().Format("20060102"), seq)
}
