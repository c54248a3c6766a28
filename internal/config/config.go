// Package config loads groove daemon configuration.
//
// Values come from built-in defaults, then a YAML file, then GROOVE_*
// environment variables. Attribution thresholds in the file can be changed
// while the daemon runs; see Watch.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/run-vibes/groove/internal/attribution"
	"github.com/run-vibes/groove/internal/embeddings"
	"github.com/run-vibes/groove/internal/learningstore"
	"github.com/run-vibes/groove/internal/logging"
	"github.com/run-vibes/groove/internal/secrets"
	"github.com/run-vibes/groove/internal/stream"
	"github.com/run-vibes/groove/internal/telemetry"
)

// Config holds the complete daemon configuration.
type Config struct {
	Consumer    attribution.ConsumerConfig `koanf:"consumer"`
	Thresholds  attribution.Thresholds     `koanf:"thresholds"`
	Store       learningstore.Options      `koanf:"store"`
	Stream      stream.Config              `koanf:"stream"`
	Embeddings  EmbeddingsConfig           `koanf:"embeddings"`
	Transcripts TranscriptsConfig          `koanf:"transcripts"`
	HTTP        HTTPConfig                 `koanf:"http"`
	Logging     logging.Config             `koanf:"logging"`
	Telemetry   telemetry.Config           `koanf:"telemetry"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	CacheDir          string   `koanf:"cache_dir"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	Timeout           Duration `koanf:"timeout"`
	CacheSize         int      `koanf:"cache_size"`
}

// ProviderConfig converts to the embeddings package's configuration.
func (e EmbeddingsConfig) ProviderConfig() embeddings.ProviderConfig {
	return embeddings.ProviderConfig{
		Provider:          e.Provider,
		Model:             e.Model,
		BaseURL:           e.BaseURL,
		APIKey:            e.APIKey.Value(),
		CacheDir:          e.CacheDir,
		RequestsPerSecond: e.RequestsPerSecond,
		Burst:             e.Burst,
		Timeout:           e.Timeout.Duration(),
		CacheSize:         e.CacheSize,
	}
}

// TranscriptsConfig locates session transcripts. An empty Dir disables
// transcript loading; attribution then runs on outcomes alone.
type TranscriptsConfig struct {
	Dir string `koanf:"dir"`

	// Redaction scrubs credentials from transcript text before it is
	// embedded.
	Redaction secrets.Config `koanf:"redaction"`
}

// HTTPConfig configures the query and admin API.
type HTTPConfig struct {
	Addr            string   `koanf:"addr"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// AdminToken, when set, is required as a bearer token on mutating routes.
	AdminToken Secret `koanf:"admin_token"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Consumer:   attribution.DefaultConsumerConfig(),
		Thresholds: attribution.DefaultThresholds(),
		Store: learningstore.Options{
			Dir:        "/var/lib/groove",
			GCInterval: 10 * time.Minute,
		},
		Stream: stream.DefaultConfig(),
		Embeddings: EmbeddingsConfig{
			Provider:  "tei",
			Model:     embeddings.DefaultModel,
			BaseURL:   "http://localhost:8080",
			Timeout:   Duration(10 * time.Second),
			CacheSize: 4096,
		},
		Transcripts: TranscriptsConfig{
			Redaction: secrets.Config{Enabled: true},
		},
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:7474",
			ReadTimeout:     Duration(10 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

// Validate reports every problem at once. Invalid thresholds are fatal at
// startup and rejected on reload.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !c.Store.InMemory && c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir is required unless store.in_memory is set"))
	}
	if c.Stream.URL == "" {
		errs = append(errs, errors.New("stream.url is required"))
	}
	switch c.Embeddings.Provider {
	case "tei":
		if c.Embeddings.BaseURL == "" {
			errs = append(errs, errors.New("embeddings.base_url is required for the tei provider"))
		}
	case "fastembed", "none":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider %q must be tei, fastembed or none", c.Embeddings.Provider))
	}
	if c.Embeddings.CacheSize < 0 {
		errs = append(errs, errors.New("embeddings.cache_size must not be negative"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must be positive"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
