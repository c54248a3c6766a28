package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDimensionFromModel(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"BAAI/bge-small-en-v1.5", 384},
		{"BAAI/bge-base-en-v1.5", 768},
		{"sentence-transformers/all-MiniLM-L6-v2", 384},
		{"acme/Embed-Large", 1024},
		{"acme/some-base-model", 768},
		{"unknown", 384},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, detectDimensionFromModel(tt.model))
		})
	}
}

func TestNewProvider_TEI(t *testing.T) {
	_, srv := newFakeTEI(t)
	p, err := NewProvider(ProviderConfig{Provider: "tei", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 384, p.Dimension())
	vec, err := p.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, float32(3), vec[0])
}

func TestNewProvider_WrapsInCache(t *testing.T) {
	_, srv := newFakeTEI(t)
	p, err := NewProvider(ProviderConfig{Provider: "tei", BaseURL: srv.URL, CacheSize: 8}, nil)
	require.NoError(t, err)
	_, ok := p.(*CachedProvider)
	assert.True(t, ok)
}

func TestNewProvider_None(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNewProvider_Errors(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Provider: "openai"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewProvider(ProviderConfig{Provider: "tei"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
