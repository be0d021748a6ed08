package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		env   string
		level string
		want  zapcore.Level
	}{
		{"dev", "", zapcore.DebugLevel},
		{"prod", "", zapcore.InfoLevel},
		{"prod", "warn", zapcore.WarnLevel},
		{"dev", "bogus", zapcore.DebugLevel},
	}
	for _, tt := range tests {
		logger, err := NewLogger(tt.env, tt.level)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(tt.want), "%s/%s", tt.env, tt.level)
		if tt.want > zapcore.DebugLevel {
			assert.False(t, logger.Core().Enabled(tt.want-1), "%s/%s", tt.env, tt.level)
		}
	}
}
