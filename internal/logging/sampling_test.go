package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSampledCore(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    time.Minute,
		Levels: map[string]LevelSampling{
			"debug": {Initial: 2, Thereafter: 0},
			"info":  {Initial: 3, Thereafter: 0},
		},
	})
	l := zap.New(sampled)

	for i := 0; i < 10; i++ {
		l.Debug("repeat")
		l.Info("repeat")
		l.Warn("repeat")
		l.Error("repeat")
	}

	count := func(lvl zapcore.Level) int {
		return observed.Filter(func(e observer.LoggedEntry) bool { return e.Level == lvl }).Len()
	}
	assert.Equal(t, 2, count(zapcore.DebugLevel))
	assert.Equal(t, 3, count(zapcore.InfoLevel))
	assert.Equal(t, 10, count(zapcore.WarnLevel), "unconfigured level passes through")
	assert.Equal(t, 10, count(zapcore.ErrorLevel), "errors are never sampled")
}

func TestSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Equal(t, core, newSampledCore(core, SamplingConfig{}))
}
