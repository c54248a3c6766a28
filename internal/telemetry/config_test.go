package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "disabled skips validation", mutate: func(c *Config) { c.Endpoint = "" }},
		{name: "enabled defaults", mutate: func(c *Config) { c.Enabled = true }},
		{name: "ipv6 loopback insecure", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }},
		{name: "http scheme loopback", mutate: func(c *Config) { c.Enabled = true; c.Protocol = "http"; c.Endpoint = "http://127.0.0.1:4318" }},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "" },
			wantErr: "endpoint is required",
		},
		{
			name:    "insecure remote",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" },
			wantErr: "insecure export",
		},
		{
			name:    "bad protocol",
			mutate:  func(c *Config) { c.Enabled = true; c.Protocol = "udp" },
			wantErr: "protocol",
		},
		{
			name:    "sample rate above one",
			mutate:  func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
		{
			name:    "zero metrics interval",
			mutate:  func(c *Config) { c.Enabled = true; c.MetricsInterval = 0 },
			wantErr: "metrics_interval",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Enabled = true; c.ShutdownTimeout = 0 },
			wantErr: "shutdown_timeout",
		},
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

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "groove", cfg.ServiceName)
	assert.Equal(t, 15*time.Second, cfg.MetricsInterval)
}
