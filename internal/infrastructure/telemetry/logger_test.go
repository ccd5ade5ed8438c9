package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		env     string
		enabled zapcore.Level
		wantErr bool
	}{
		{level: "debug", env: "development", enabled: zapcore.DebugLevel},
		{level: "", env: "production", enabled: zapcore.InfoLevel},
		{level: "warning", env: "production", enabled: zapcore.WarnLevel},
		{level: "verbose", env: "development", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.env, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.env)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.enabled))
			assert.False(t, logger.Core().Enabled(tt.enabled-1))
		})
	}
}

func TestCritical(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Critical(zap.New(core), "purge verification failed", zap.String("principal_id", "p-1"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "critical", entry.ContextMap()["severity"])
}

func TestWithTrace_NoSpan(t *testing.T) {
	logger := zap.NewNop()
	assert.Same(t, logger, WithTrace(context.Background(), logger))
}
