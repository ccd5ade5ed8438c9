package principal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	p, err := New("  Asha@Example.IN ", " Asha ", RolePrincipal, t0)
	require.NoError(t, err)
	assert.Equal(t, "asha@example.in", p.Email)
	assert.Equal(t, "Asha", p.Name)
	assert.True(t, p.Active)

	tests := []struct {
		name  string
		email string
		pname string
		role  Role
	}{
		{"bad email", "not-an-email", "Asha", RolePrincipal},
		{"blank name", "a@example.in", "   ", RolePrincipal},
		{"unknown role", "a@example.in", "Asha", Role("root")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.email, tt.pname, tt.role, t0)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}
}

func TestDeletionLifecycle(t *testing.T) {
	const coolingOff = 30 * 24 * time.Hour
	p, err := New("a@example.in", "Asha", RolePrincipal, t0)
	require.NoError(t, err)

	require.NoError(t, p.RequestDeletion(t0, coolingOff))
	assert.Equal(t, t0.Add(coolingOff), *p.ScheduledPurgeAt)
	assert.False(t, p.PurgeDue(t0.Add(29*24*time.Hour)))
	assert.True(t, p.PurgeDue(t0.Add(coolingOff)))

	err = p.RequestDeletion(t0.Add(time.Hour), coolingOff)
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyRequested))

	require.NoError(t, p.CancelDeletion(t0.Add(time.Hour)))
	assert.Nil(t, p.ScheduledPurgeAt)
	assert.Nil(t, p.DeletionRequestedAt)
	assert.True(t, errors.HasCode(p.CancelDeletion(t0), errors.CodeNoRequestPending))

	// A second request schedules from its own timestamp.
	later := t0.Add(48 * time.Hour)
	require.NoError(t, p.RequestDeletion(later, coolingOff))
	assert.Equal(t, later.Add(coolingOff), *p.ScheduledPurgeAt)

	p.MarkPurged(later.Add(coolingOff), "purged-1@invalid", "purged")
	assert.True(t, p.Purged())
	assert.False(t, p.Active)
	assert.Nil(t, p.ScheduledPurgeAt)

	for _, err := range []error{
		p.CancelDeletion(later),
		p.RequestDeletion(later, coolingOff),
		p.Rename("Asha K", later),
	} {
		assert.True(t, errors.HasCode(err, errors.CodeAlreadyPurged))
		assert.True(t, errors.IsRightsAffecting(err))
	}
}
