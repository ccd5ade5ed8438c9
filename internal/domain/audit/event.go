package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

// Category is the closed set of audit categories.
type Category string

const (
	CategoryAuth             Category = "auth"
	CategoryConsent          Category = "consent"
	CategoryDataAccess       Category = "data_access"
	CategoryDataModification Category = "data_modification"
	CategoryGrievance        Category = "grievance"
	CategoryDeletion         Category = "deletion"
	CategoryAdminAction      Category = "admin_action"
	CategorySecurity         Category = "security"
	CategoryBreach           Category = "breach"
)

var categories = map[Category]bool{
	CategoryAuth:             true,
	CategoryConsent:          true,
	CategoryDataAccess:       true,
	CategoryDataModification: true,
	CategoryGrievance:        true,
	CategoryDeletion:         true,
	CategoryAdminAction:      true,
	CategorySecurity:         true,
	CategoryBreach:           true,
}

func (c Category) Valid() bool {
	return categories[c]
}

func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", errors.NewValidationError(errors.CodeInvalidCategory, fmt.Sprintf("unknown audit category %q", s))
	}
	return c, nil
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.Valid() {
		return "", errors.NewValidationError(errors.CodeInvalidSeverity, fmt.Sprintf("unknown audit severity %q", s))
	}
	return sev, nil
}

// Outcome records whether the audited action took effect.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailure Outcome = "failure"
)

// Event is an append-only audit trail entry. Once appended it is never
// mutated; it is only removed by an erasure purge, and never if
// RetentionExempt is set.
type Event struct {
	ID           uuid.UUID              `json:"id"`
	PrincipalID  *uuid.UUID             `json:"principal_id,omitempty"`
	ActorID      *uuid.UUID             `json:"actor_id,omitempty"`
	Action       string                 `json:"action"`
	Category     Category               `json:"category"`
	Severity     Severity               `json:"severity"`
	Outcome      Outcome                `json:"outcome"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`

	IsAnomaly    bool            `json:"is_anomaly"`
	AnomalyScore decimal.Decimal `json:"anomaly_score"`

	RetentionExempt bool      `json:"retention_exempt"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks the closed enumerations before an append.
func (e *Event) Validate() error {
	if !e.Category.Valid() {
		return errors.NewValidationError(errors.CodeInvalidCategory, fmt.Sprintf("unknown audit category %q", e.Category))
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if !e.Severity.Valid() {
		return errors.NewValidationError(errors.CodeInvalidSeverity, fmt.Sprintf("unknown audit severity %q", e.Severity))
	}
	if e.Action == "" {
		return errors.NewValidationError(errors.CodeInvalidInput, "audit action is required")
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	return nil
}

// Subject returns the principal id or uuid.Nil.
func (e *Event) Subject() uuid.UUID {
	if e.PrincipalID == nil {
		return uuid.Nil
	}
	return *e.PrincipalID
}

// NewEvent starts an event about principalID (uuid.Nil for system events).
func NewEvent(principalID uuid.UUID, category Category, action string) *Event {
	e := &Event{
		Category: category,
		Action:   action,
		Severity: SeverityInfo,
		Outcome:  OutcomeSuccess,
		Details:  map[string]interface{}{},
	}
	if principalID != uuid.Nil {
		id := principalID
		e.PrincipalID = &id
	}
	return e
}

// WithResource sets the target resource.
func (e *Event) WithResource(resourceType, resourceID string) *Event {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithDetail adds one structured detail entry.
func (e *Event) WithDetail(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

func (e *Event) WithSeverity(s Severity) *Event {
	e.Severity = s
	return e
}
