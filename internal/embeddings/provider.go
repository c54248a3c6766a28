package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "BAAI/bge-small-en-v1.5"

// Provider generates embeddings for learning insights and transcript turns.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	// Provider is "tei", "fastembed" or "none".
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`

	// BaseURL and APIKey are used by the tei provider.
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`

	// CacheDir is the fastembed model directory.
	CacheDir string `koanf:"cache_dir"`

	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	Timeout           time.Duration `koanf:"timeout"`

	// CacheSize is the number of vectors kept in memory. Zero disables the cache.
	CacheSize int `koanf:"cache_size"`
}

var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-large-en-v1.5":                 1024,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

// ModelDimension returns the embedding size of a known model.
func ModelDimension(model string) (int, bool) {
	dim, ok := knownDimensions[model]
	return dim, ok
}

// detectDimensionFromModel falls back to name patterns for unknown models.
func detectDimensionFromModel(model string) int {
	if dim, ok := ModelDimension(model); ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

// NewProvider creates the configured provider. It returns (nil, nil) for
// provider "none"; the attribution engine then runs keyword-only detection.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "none":
		return nil, nil
	case "tei", "":
		var svc *Service
		svc, err = NewService(Config{
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			APIKey:            cfg.APIKey,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			Timeout:           cfg.Timeout,
		}, logger)
		if err == nil {
			p = &teiProvider{Service: svc, dimension: detectDimensionFromModel(cfg.Model)}
		}
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", p.Dimension()),
		zap.Int("cache_size", cfg.CacheSize))

	if cfg.CacheSize > 0 {
		return NewCachedProvider(p, cfg.Model, cfg.CacheSize, logger)
	}
	return p, nil
}

// teiProvider wraps Service to implement Provider.
type teiProvider struct {
	*Service
	dimension int
}

func (t *teiProvider) Dimension() int { return t.dimension }

// Close is a no-op; the HTTP client holds no per-provider resources.
func (t *teiProvider) Close() error { return nil }
