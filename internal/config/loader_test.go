package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
consumer:
  lanes: 4
  base_backoff: 250ms
thresholds:
  harm_threshold: -0.4
  withhold_rate: 0.2
store:
  dir: /tmp/groove-data
  gc_interval: 5m
stream:
  url: nats://broker:4222
embeddings:
  provider: tei
  api_key: s3cret
  timeout: 3s
http:
  addr: ":9000"
logging:
  level: debug
  format: console
`

// withHome points the home directory at a temp dir and returns the groove
// config directory inside it.
func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "groove")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	return dir
}

func writeConfig(t *testing.T, dir, body string, perm os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), perm))
	require.NoError(t, os.Chmod(p, perm))
	return p
}

func TestLoadWithFile_Defaults(t *testing.T) {
	withHome(t)
	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want.Thresholds, cfg.Thresholds)
	assert.Equal(t, want.Stream.URL, cfg.Stream.URL)
	assert.Equal(t, "tei", cfg.Embeddings.Provider)
	assert.True(t, cfg.Transcripts.Redaction.Enabled)
}

func TestLoadWithFile_FileOverridesDefaults(t *testing.T) {
	p := writeConfig(t, withHome(t), sampleYAML, 0o600)

	cfg, err := LoadWithFile(p)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Consumer.Lanes)
	assert.Equal(t, 250*time.Millisecond, cfg.Consumer.BaseBackoff)
	assert.Equal(t, 8, cfg.Consumer.Shards, "unset keys keep defaults")
	assert.Equal(t, -0.4, cfg.Thresholds.HarmThreshold)
	assert.Equal(t, 0.2, cfg.Thresholds.WithholdRate)
	assert.Equal(t, 0.8, cfg.Thresholds.SimilarityThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Store.GCInterval)
	assert.Equal(t, "nats://broker:4222", cfg.Stream.URL)
	assert.Equal(t, "s3cret", cfg.Embeddings.APIKey.Value())
	assert.Equal(t, 3*time.Second, cfg.Embeddings.Timeout.Duration())
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "debug", cfg.Logging.Level.String())
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	p := writeConfig(t, withHome(t), sampleYAML, 0o600)
	t.Setenv("GROOVE_STREAM_URL", "nats://env:4222")
	t.Setenv("GROOVE_THRESHOLDS_HARM_THRESHOLD", "-0.5")
	t.Setenv("GROOVE_CONSUMER_MAX_IN_FLIGHT", "7")

	cfg, err := LoadWithFile(p)
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.Stream.URL)
	assert.Equal(t, -0.5, cfg.Thresholds.HarmThreshold)
	assert.Equal(t, 7, cfg.Consumer.MaxInFlight)
}

func TestLoadWithFile_RejectsImpossibleThresholds(t *testing.T) {
	p := writeConfig(t, withHome(t), "thresholds:\n  harm_threshold: 0.2\n", 0o600)
	_, err := LoadWithFile(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "harm_threshold")
}

func TestLoadWithFile_FileChecks(t *testing.T) {
	dir := withHome(t)

	t.Run("world readable", func(t *testing.T) {
		p := writeConfig(t, dir, sampleYAML, 0o644)
		_, err := LoadWithFile(p)
		assert.ErrorContains(t, err, "insecure config file permissions")
	})

	t.Run("too large", func(t *testing.T) {
		big := make([]byte, maxConfigFileSize+10)
		for i := range big {
			big[i] = '#'
		}
		p := writeConfig(t, dir, string(big), 0o600)
		_, err := LoadWithFile(p)
		assert.ErrorContains(t, err, "too large")
	})

	t.Run("outside allowed dirs", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(other, []byte(sampleYAML), 0o600))
		_, err := LoadWithFile(other)
		assert.ErrorContains(t, err, "must be in")
	})

	t.Run("traversal", func(t *testing.T) {
		_, err := LoadWithFile(filepath.Join(dir, "..", "..", "evil.yaml"))
		assert.ErrorContains(t, err, "must be in")
	})
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "stream.url", envKey("GROOVE_STREAM_URL"))
	assert.Equal(t, "thresholds.min_sessions_per_arm", envKey("GROOVE_THRESHOLDS_MIN_SESSIONS_PER_ARM"))
	assert.Equal(t, "debug", envKey("GROOVE_DEBUG"))
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, EnsureConfigDir())
	info, err := os.Stat(filepath.Join(home, ".config", "groove"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
