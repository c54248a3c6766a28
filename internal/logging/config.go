package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level     zapcore.Level     `koanf:"level"`
	Format    string            `koanf:"format"`
	Output    OutputConfig      `koanf:"output"`
	Sampling  SamplingConfig    `koanf:"sampling"`
	Caller    bool              `koanf:"caller"`
	Fields    map[string]string `koanf:"fields"`
	Redaction RedactionConfig   `koanf:"redaction"`
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`
}

// SamplingConfig controls log volume per level.
type SamplingConfig struct {
	Enabled bool          `koanf:"enabled"`
	Tick    time.Duration `koanf:"tick"`
	// Levels maps a level name (trace, debug, info, warn) to its rate.
	Levels map[string]LevelSampling `koanf:"levels"`
}

// LevelSampling logs the first Initial entries with the same message per
// tick, then every Thereafter-th. Thereafter 0 drops the rest.
type LevelSampling struct {
	Initial    int `koanf:"initial"`
	Thereafter int `koanf:"thereafter"`
}

// RedactionConfig controls sensitive data redaction.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

const maxPatternLen = 200

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    time.Second,
			Levels:  DefaultLevelSampling(),
		},
		Caller: true,
		Fields: map[string]string{"service": "groove"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields:  []string{"password", "secret", "token", "api_key", "authorization", "credential"},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`nats://[^:/\s]+:[^@\s]+@`,
			},
		},
	}
}

// DefaultLevelSampling keeps every pass outcome at info under normal load
// and thins debug output hard.
func DefaultLevelSampling() map[string]LevelSampling {
	return map[string]LevelSampling{
		"trace": {Initial: 1, Thereafter: 0},
		"debug": {Initial: 10, Thereafter: 0},
		"info":  {Initial: 100, Thereafter: 10},
		"warn":  {Initial: 100, Thereafter: 100},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
		}
		for name, s := range c.Sampling.Levels {
			lvl, err := LevelFromString(name)
			if err != nil {
				return fmt.Errorf("sampling level %q: %w", name, err)
			}
			if lvl >= zapcore.ErrorLevel {
				return fmt.Errorf("sampling level %q: errors are never sampled", name)
			}
			if s.Initial < 0 || s.Thereafter < 0 {
				return fmt.Errorf("sampling level %q: negative rate", name)
			}
		}
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
