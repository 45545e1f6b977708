package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNamedAndNop(t *testing.T) {
	assert.NotNil(t, Get())
	assert.NotNil(t, Named("pipeline"))
	assert.Same(t, Get(), Named(""))
	assert.Equal(t, zerolog.Disabled, Nop().GetLevel())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_SERVICE", "")

	opt := FromEnv()
	assert.Equal(t, "debug", opt.Level)
	assert.Equal(t, "json", opt.Format)
	assert.Equal(t, "behavior", opt.Service)
}
