package rest

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
)

func TestDescribe(t *testing.T) {
	h := NewBaseHandler(APIVersion, clock.NewFake(t0), zaptest.NewLogger(t))

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		check      func(t *testing.T, body *ErrorResponse)
	}{
		{
			name:       "plain error is masked",
			err:        fmt.Errorf("pq: connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   errors.CodeInternal,
			check: func(t *testing.T, body *ErrorResponse) {
				assert.Equal(t, "an internal error occurred", body.Message)
			},
		},
		{
			name:       "internal app error hides message and details",
			err:        errors.NewInternalError("relation principals missing").WithDetails(map[string]interface{}{"table": "principals"}),
			wantStatus: http.StatusInternalServerError,
			wantCode:   errors.CodeInternal,
			check: func(t *testing.T, body *ErrorResponse) {
				assert.Equal(t, "an internal error occurred", body.Message)
				assert.Nil(t, body.Metadata)
			},
		},
		{
			name:       "rights affecting state error is flagged",
			err:        errors.NewStateError(errors.CodeAlreadyPurged, "principal data has already been purged").AffectsRights(),
			wantStatus: http.StatusConflict,
			wantCode:   errors.CodeAlreadyPurged,
			check: func(t *testing.T, body *ErrorResponse) {
				assert.Equal(t, true, body.Metadata["rights_affecting"])
			},
		},
		{
			name:       "consent required keeps its details",
			err:        errors.NewConsentRequiredError("marketing"),
			wantStatus: http.StatusForbidden,
			wantCode:   errors.CodeConsentRequired,
			check: func(t *testing.T, body *ErrorResponse) {
				assert.Equal(t, "marketing", body.Metadata["purpose"])
			},
		},
		{
			name:       "rate limit carries retry after",
			err:        errors.NewRateLimitError("slow down"),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   errors.CodeRateLimited,
			check: func(t *testing.T, body *ErrorResponse) {
				assert.Equal(t, 1, body.RetryAfter)
			},
		},
		{
			name:       "wrapped deadline",
			err:        fmt.Errorf("listing grievances: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "REQUEST_TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := h.describe(context.Background(), tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body.Code)
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}
