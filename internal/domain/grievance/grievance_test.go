package grievance

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

const slaWindow = 7 * 24 * time.Hour

func newTestGrievance(t *testing.T, now time.Time) *Grievance {
	t.Helper()
	g, err := New(uuid.New(), "Data not deleted", "My account data is still visible after request.", CategoryDataDeletion, PriorityMedium, now, slaWindow)
	require.NoError(t, err)
	g.TicketNumber = FormatTicket(now, 1)
	return g
}

func TestNew(t *testing.T) {
	created := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		subject     string
		description string
		wantErr     bool
	}{
		{name: "valid", subject: "Wrong address", description: "Please correct my postal address."},
		{name: "subject too short", subject: "Hi", description: "Please correct my postal address.", wantErr: true},
		{name: "subject too long", subject: strings.Repeat("x", 201), description: "Please correct my postal address.", wantErr: true},
		{name: "description too short", subject: "Wrong address", description: "fix it", wantErr: true},
		{name: "description too long", subject: "Wrong address", description: strings.Repeat("y", 5001), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(uuid.New(), tt.subject, tt.description, CategoryDataCorrection, PriorityLow, created, slaWindow)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusPending, g.Status)
			assert.Equal(t, time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC), g.SLADeadline)
		})
	}
}

func TestTransition(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	actor := uuid.New()

	tests := []struct {
		name       string
		from       Status
		to         Status
		resolution string
		closeOut   bool
		wantCode   string
	}{
		{name: "start work", from: StatusPending, to: StatusInProgress},
		{name: "resolve in progress", from: StatusInProgress, to: StatusResolved, resolution: "Address corrected"},
		{name: "resolve requires text", from: StatusInProgress, to: StatusResolved, wantCode: errors.CodeResolutionRequired},
		{name: "escalate pending", from: StatusPending, to: StatusEscalated},
		{name: "escalate in progress", from: StatusInProgress, to: StatusEscalated},
		{name: "skip in progress", from: StatusPending, to: StatusResolved, resolution: "done", wantCode: errors.CodeInvalidTransition},
		{name: "reopen resolved", from: StatusResolved, to: StatusPending, wantCode: errors.CodeInvalidTransition},
		{name: "back to pending", from: StatusInProgress, to: StatusPending, wantCode: errors.CodeInvalidTransition},
		{name: "close out escalated", from: StatusEscalated, to: StatusResolved, resolution: "Handled by board", closeOut: true},
		{name: "close out disabled", from: StatusEscalated, to: StatusResolved, resolution: "Handled by board", wantCode: errors.CodeInvalidTransition},
		{name: "escalated to in progress", from: StatusEscalated, to: StatusInProgress, closeOut: true, wantCode: errors.CodeInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGrievance(t, now.Add(-time.Hour))
			g.Status = tt.from

			err := g.Transition(tt.to, tt.resolution, actor, tt.closeOut, now)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, tt.wantCode), "got %v", err)
				assert.Equal(t, tt.from, g.Status, "state must not change on error")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, g.Status)
			assert.Equal(t, now, g.UpdatedAt)
			if tt.to == StatusInProgress {
				require.NotNil(t, g.AssignedTo)
				assert.Equal(t, actor, *g.AssignedTo)
			}
			if tt.to == StatusResolved {
				require.NotNil(t, g.ResolvedAt)
				assert.Equal(t, tt.resolution, g.Resolution)
			}
		})
	}
}

func TestEscalate(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	g := newTestGrievance(t, now)
	require.NoError(t, g.Escalate("  no response  ", now))
	assert.Equal(t, StatusEscalated, g.Status)
	assert.Equal(t, "no response", g.EscalationReason)
	require.NotNil(t, g.EscalatedAt)

	err := g.Escalate("again", now)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyTerminal))

	resolved := newTestGrievance(t, now)
	resolved.Status = StatusResolved
	err = resolved.Escalate("late", now)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyTerminal))
	assert.True(t, errors.IsRightsAffecting(err))
}

func TestSLABreached(t *testing.T) {
	created := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	g := newTestGrievance(t, created)

	assert.False(t, g.SLABreached(created.Add(slaWindow)), "deadline itself is not a breach")
	assert.True(t, g.SLABreached(time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC)))

	flagged := created.Add(8 * 24 * time.Hour)
	g.BreachNotifiedAt = &flagged
	assert.False(t, g.SLABreached(created.Add(9*24*time.Hour)))

	escalated := newTestGrievance(t, created)
	escalated.Status = StatusEscalated
	assert.False(t, escalated.SLABreached(created.Add(30*24*time.Hour)))
}

func TestAnonymize(t *testing.T) {
	now := time.Now().UTC()
	g := newTestGrievance(t, now)
	ticket := g.TicketNumber

	g.Anonymize(now)

	assert.Equal(t, uuid.Nil, g.PrincipalID)
	assert.Equal(t, "[redacted]", g.Subject)
	assert.Equal(t, ticket, g.TicketNumber)
	require.NotNil(t, g.AnonymizedAt)
}

func TestFormatTicket(t *testing.T) {
	day := time.Date(2026, 1, 10, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "GRV-20260110-0001", FormatTicket(day, 1))
	assert.Equal(t, "GRV-20260110-0420", FormatTicket(day, 420))
}

func TestParse(t *testing.T) {
	c, err := ParseCategory("")
	require.NoError(t, err)
	assert.Equal(t, CategoryOther, c)

	_, err = ParseCategory("billing")
	assert.Error(t, err)

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	_, err = ParseStatus("closed")
	assert.Error(t, err)
}
