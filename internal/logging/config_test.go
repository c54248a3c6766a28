package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "console", mutate: func(c *Config) { c.Format = "console" }},
		{name: "bad format", mutate: func(c *Config) { c.Format = "xml" }, wantErr: "format"},
		{name: "no output", mutate: func(c *Config) { c.Output.Stdout = false }, wantErr: "output"},
		{name: "zero tick", mutate: func(c *Config) { c.Sampling.Tick = 0 }, wantErr: "tick"},
		{
			name:    "sampling errors",
			mutate:  func(c *Config) { c.Sampling.Levels["error"] = LevelSampling{Initial: 1} },
			wantErr: "never sampled",
		},
		{
			name:    "unknown sampling level",
			mutate:  func(c *Config) { c.Sampling.Levels["loud"] = LevelSampling{Initial: 1} },
			wantErr: "loud",
		},
		{name: "bad pattern", mutate: func(c *Config) { c.Redaction.Patterns = []string{"("} }, wantErr: "invalid redaction"},
		{name: "empty field", mutate: func(c *Config) { c.Fields["env"] = "" }, wantErr: "empty value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("TRACE")
	assert.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	assert.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(NewDefaultConfig(), nil)
	assert.NoError(t, err)
	assert.True(t, l.Enabled(zapcore.InfoLevel))
	assert.False(t, l.Enabled(zapcore.DebugLevel))
	assert.NotNil(t, l.Underlying())

	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{OTEL: true}
	_, err = NewLogger(cfg, nil)
	assert.Error(t, err, "otel output without a provider")
}
