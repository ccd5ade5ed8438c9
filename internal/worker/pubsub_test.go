package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

type fakeRunner struct {
	calls []string
	err   error
	ctxOK bool
}

func (f *fakeRunner) RunNow(ctx context.Context, name string) (map[string]interface{}, error) {
	f.calls = append(f.calls, name)
	_, f.ctxOK = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	return map[string]interface{}{"processed": 3}, nil
}

func TestHandler_Process(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		runErr    error
		want      Outcome
		wantCalls []string
	}{
		{
			name:      "runs the named task",
			data:      `{"task":"erasure-purge"}`,
			want:      Ack,
			wantCalls: []string{"erasure-purge"},
		},
		{
			name: "malformed json is dropped",
			data: `{"task":`,
			want: Ack,
		},
		{
			name: "missing task is dropped",
			data: `{}`,
			want: Ack,
		},
		{
			name:      "unknown task is dropped",
			data:      `{"task":"reindex"}`,
			runErr:    errors.NewNotFoundError("sweep task reindex"),
			want:      Ack,
			wantCalls: []string{"reindex"},
		},
		{
			name:      "failed sweep is redelivered",
			data:      `{"task":"grievance-sla"}`,
			runErr:    fmt.Errorf("database unavailable"),
			want:      Nack,
			wantCalls: []string{"grievance-sla"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.runErr}
			h := NewHandler(runner, time.Minute, zaptest.NewLogger(t))

			got := h.Process(context.Background(), "msg-1", []byte(tt.data))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCalls, runner.calls)
			if len(tt.wantCalls) > 0 {
				assert.True(t, runner.ctxOK, "sweep should run under the handler timeout")
			}
		})
	}
}
