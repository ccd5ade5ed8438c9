package database

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  errors.ErrorType
		wantCode  string
		retryable bool
	}{
		{"no rows", pgx.ErrNoRows, errors.ErrorTypeNotFound, errors.CodeNotFound, false},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), errors.ErrorTypeNotFound, errors.CodeNotFound, false},
		{"duplicate email", &pgconn.PgError{Code: "23505", ConstraintName: "principals_email_key"}, errors.ErrorTypeConflict, errors.CodeConflict, true},
		{"duplicate ticket", &pgconn.PgError{Code: "23505", ConstraintName: "grievances_ticket_number_key"}, errors.ErrorTypeConflict, errors.CodeTicketCollision, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, errors.ErrorTypeConflict, errors.CodeConflict, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, errors.ErrorTypeConflict, errors.CodeConflict, true},
		{"other", fmt.Errorf("connection reset"), errors.ErrorTypeInternal, errors.CodeInternal, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(tt.err, "principal")
			assert.True(t, errors.IsType(err, tt.wantType), "%v", err)
			assert.True(t, errors.HasCode(err, tt.wantCode), "%v", err)
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}

	appErr := errors.NewStateError(errors.CodeAlreadyPurged, "purged")
	assert.Same(t, appErr, mapError(appErr, "principal"))
	assert.NoError(t, mapError(nil, "principal"))
}

func TestLimitOrAll(t *testing.T) {
	assert.Equal(t, int64(25), limitOrAll(25))
	assert.Greater(t, limitOrAll(0), int64(1_000_000))
	assert.Greater(t, limitOrAll(-1), int64(1_000_000))
}
