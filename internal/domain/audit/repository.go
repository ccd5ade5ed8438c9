package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows audit listings. Zero values mean no restriction.
type Filter struct {
	PrincipalID uuid.UUID
	Category    Category
	MinSeverity Severity
	AnomalyOnly bool
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Repository is the append-only audit store.
type Repository interface {
	Append(ctx context.Context, e *Event) error
	// History returns events about principalID in categories created at or
	// after since, oldest first.
	History(ctx context.Context, principalID uuid.UUID, categories []Category, since time.Time) ([]*Event, error)
	ListByPrincipal(ctx context.Context, principalID uuid.UUID) ([]*Event, error)
	List(ctx context.Context, f Filter) ([]*Event, error)
	// DeleteByPrincipal removes events about principalID. Retention-exempt
	// events are always kept.
	DeleteByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error)
}

// severityRank orders severities for filtering.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Matches applies f to e in memory.
func (f Filter) Matches(e *Event) bool {
	if f.PrincipalID != uuid.Nil && e.Subject() != f.PrincipalID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.MinSeverity != "" && !e.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if f.AnomalyOnly && !e.IsAnomaly {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}
