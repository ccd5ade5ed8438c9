package consent

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

// Purpose scopes a consent decision.
type Purpose string

const (
	PurposeEssential      Purpose = "essential"
	PurposeAnalytics      Purpose = "analytics"
	PurposeMarketing      Purpose = "marketing"
	PurposeDataProcessing Purpose = "data_processing"
)

// Status is the state carried by a single ledger record or the folded state
// of a (principal, purpose) pair.
type Status string

const (
	StatusGranted   Status = "granted"
	StatusWithdrawn Status = "withdrawn"
	// StatusNeverSet is only produced by folding an empty history.
	StatusNeverSet Status = "never_set"
)

// Record is one immutable entry in the consent ledger.
type Record struct {
	ID          uuid.UUID  `json:"id"`
	PrincipalID uuid.UUID  `json:"principal_id"`
	Purpose     Purpose    `json:"purpose"`
	Status      Status     `json:"status"`
	Version     int        `json:"version"`
	GrantedAt   time.Time  `json:"granted_at"`
	WithdrawnAt *time.Time `json:"withdrawn_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewGrant builds the next granted record for a purpose. prev is the latest
// record for the same pair, or nil.
func NewGrant(principalID uuid.UUID, purpose Purpose, prev *Record, now time.Time) *Record {
	return &Record{
		ID:          newRecordID(),
		PrincipalID: principalID,
		Purpose:     purpose,
		Status:      StatusGranted,
		Version:     nextVersion(prev),
		GrantedAt:   now,
		CreatedAt:   now,
	}
}

// NewWithdrawal builds the withdrawn record superseding an active grant.
func NewWithdrawal(active *Record, now time.Time) *Record {
	withdrawn := now
	return &Record{
		ID:          newRecordID(),
		PrincipalID: active.PrincipalID,
		Purpose:     active.Purpose,
		Status:      StatusWithdrawn,
		Version:     nextVersion(active),
		GrantedAt:   active.GrantedAt,
		WithdrawnAt: &withdrawn,
		CreatedAt:   now,
	}
}

func nextVersion(prev *Record) int {
	if prev == nil {
		return 1
	}
	return prev.Version + 1
}

// UUIDv7 ids sort by creation time, which keeps the id tie-breaker in Latest
// consistent with insertion order.
func newRecordID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// before orders records by creation time, then version, then id.
func before(a, b *Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	return a.ID.String() < b.ID.String()
}

// SortHistory orders records oldest first.
func SortHistory(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool { return before(records[i], records[j]) })
}

// Latest returns the authoritative record for purpose among records, or nil.
func Latest(records []*Record, purpose Purpose) *Record {
	var latest *Record
	for _, r := range records {
		if r.Purpose != purpose {
			continue
		}
		if latest == nil || before(latest, r) {
			latest = r
		}
	}
	return latest
}

// Fold derives the current status of purpose from its history.
func Fold(records []*Record, purpose Purpose) Status {
	latest := Latest(records, purpose)
	if latest == nil {
		return StatusNeverSet
	}
	return latest.Status
}

// Catalog is the configured, closed set of purposes.
type Catalog struct {
	purposes        map[Purpose]bool
	nonWithdrawable map[Purpose]bool
	order           []Purpose
}

// NewCatalog builds a catalog. The essential purpose is always present.
func NewCatalog(purposes []string, nonWithdrawable []string) *Catalog {
	c := &Catalog{
		purposes:        make(map[Purpose]bool),
		nonWithdrawable: make(map[Purpose]bool),
	}
	c.add(PurposeEssential)
	for _, p := range purposes {
		c.add(Purpose(p))
	}
	for _, p := range nonWithdrawable {
		c.nonWithdrawable[Purpose(p)] = true
	}
	return c
}

// DefaultCatalog is used when no purposes are configured.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		[]string{string(PurposeAnalytics), string(PurposeMarketing), string(PurposeDataProcessing)},
		[]string{string(PurposeEssential)},
	)
}

func (c *Catalog) add(p Purpose) {
	if !c.purposes[p] {
		c.purposes[p] = true
		c.order = append(c.order, p)
	}
}

// Parse validates s against the catalog.
func (c *Catalog) Parse(s string) (Purpose, error) {
	p := Purpose(s)
	if !c.purposes[p] {
		return "", errors.NewValidationError(errors.CodeInvalidPurpose, fmt.Sprintf("unknown consent purpose %q", s)).
			WithDetails(map[string]interface{}{"purpose": s})
	}
	return p, nil
}

// Withdrawable reports whether consent for p may be withdrawn.
func (c *Catalog) Withdrawable(p Purpose) bool {
	return !c.nonWithdrawable[p]
}

// Purposes lists the catalog in configuration order.
func (c *Catalog) Purposes() []Purpose {
	out := make([]Purpose, len(c.order))
	copy(out, c.order)
	return out
}
