package observ

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		env, level string
		want       zapcore.Level
	}{
		{"production", "debug", zapcore.DebugLevel},
		{"development", "warn", zapcore.WarnLevel},
		{"development", "nonsense", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		logger, err := NewLogger(tt.env, tt.level)
		if err != nil {
			t.Fatalf("NewLogger(%s, %s): %v", tt.env, tt.level, err)
		}
		if !logger.Core().Enabled(tt.want) {
			t.Errorf("%s/%s: level %s should be enabled", tt.env, tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
			t.Errorf("%s/%s: level %s should be disabled", tt.env, tt.level, tt.want-1)
		}
	}
}
