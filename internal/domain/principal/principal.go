package principal

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

// Principal is a data subject or a governance actor known to the engine.
// Deletion state lives on the principal: at most one open request exists at a
// time, represented by the pair DeletionRequestedAt/ScheduledPurgeAt.
type Principal struct {
	ID     uuid.UUID `json:"id"`
	Email  string    `json:"email"`
	Name   string    `json:"name"`
	Role   Role      `json:"role"`
	Active bool      `json:"active"`

	DeletionRequestedAt *time.Time `json:"deletion_requested_at,omitempty"`
	ScheduledPurgeAt    *time.Time `json:"scheduled_purge_at,omitempty"`
	PurgedAt            *time.Time `json:"purged_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an active principal.
func New(email, name string, role Role, now time.Time) (*Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "email address is invalid").WithCause(err)
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 200 {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "name must be between 1 and 200 characters")
	}
	if !role.Valid() {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "unknown role")
	}

	return &Principal{
		ID:        uuid.New(),
		Email:     email,
		Name:      name,
		Role:      role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Purged reports whether the principal's data has been irreversibly erased.
func (p *Principal) Purged() bool {
	return p.PurgedAt != nil
}

// DeletionPending reports whether an erasure request is open.
func (p *Principal) DeletionPending() bool {
	return p.ScheduledPurgeAt != nil
}

// PurgeDue reports whether the cooling-off window has elapsed at now.
func (p *Principal) PurgeDue(now time.Time) bool {
	return p.ScheduledPurgeAt != nil && !p.Purged() && !now.Before(*p.ScheduledPurgeAt)
}

// Rename applies a correction to the principal's display name.
func (p *Principal) Rename(name string, now time.Time) error {
	if p.Purged() {
		return errors.NewStateError(errors.CodeAlreadyPurged, "principal data has been purged").AffectsRights()
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 200 {
		return errors.NewValidationError(errors.CodeInvalidInput, "name must be between 1 and 200 characters")
	}
	p.Name = name
	p.UpdatedAt = now
	return nil
}

// RequestDeletion opens an erasure request. The purge is scheduled exactly
// coolingOff after now.
func (p *Principal) RequestDeletion(now time.Time, coolingOff time.Duration) error {
	if p.Purged() {
		return errors.NewStateError(errors.CodeAlreadyPurged, "principal data has already been purged").AffectsRights()
	}
	if p.DeletionPending() {
		return errors.NewStateError(errors.CodeAlreadyRequested, "a deletion request is already pending").
			WithDetails(map[string]interface{}{"scheduled_purge_at": p.ScheduledPurgeAt.UTC()})
	}

	requested := now
	scheduled := now.Add(coolingOff)
	p.DeletionRequestedAt = &requested
	p.ScheduledPurgeAt = &scheduled
	p.UpdatedAt = now
	return nil
}

// CancelDeletion clears an open erasure request.
func (p *Principal) CancelDeletion(now time.Time) error {
	if p.Purged() {
		return errors.NewStateError(errors.CodeAlreadyPurged, "principal data has already been purged").AffectsRights()
	}
	if !p.DeletionPending() {
		return errors.NewStateError(errors.CodeNoRequestPending, "no deletion request is pending")
	}
	p.DeletionRequestedAt = nil
	p.ScheduledPurgeAt = nil
	p.UpdatedAt = now
	return nil
}

// MarkPurged deactivates the principal, replaces its identifying fields with
// the given pseudonyms and consumes the deletion request.
func (p *Principal) MarkPurged(now time.Time, pseudonymEmail, pseudonymName string) {
	purged := now
	p.Email = pseudonymEmail
	p.Name = pseudonymName
	p.Active = false
	p.PurgedAt = &purged
	p.DeletionRequestedAt = nil
	p.ScheduledPurgeAt = nil
	p.UpdatedAt = now
}
