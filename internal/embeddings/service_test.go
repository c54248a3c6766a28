package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTEI answers /embed with one vector per input whose first component is
// the input length.
type fakeTEI struct {
	calls  atomic.Int32
	status int
	auth   atomic.Value
}

func (f *fakeTEI) handler(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	f.auth.Store(r.Header.Get("Authorization"))
	if f.status != 0 {
		http.Error(w, "model overloaded", f.status)
		return
	}
	var req struct {
		Inputs json.RawMessage `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var inputs []string
	if err := json.Unmarshal(req.Inputs, &inputs); err != nil {
		var single string
		if err := json.Unmarshal(req.Inputs, &single); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		inputs = []string{single}
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = []float32{float32(len(in)), 1}
	}
	_ = json.NewEncoder(w).Encode(out)
}

func newFakeTEI(t *testing.T) (*fakeTEI, *httptest.Server) {
	t.Helper()
	f := &fakeTEI{}
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	return f, srv
}

func TestNewService(t *testing.T) {
	tests := []struct {
		name       string
		config     Config
		wantErr    bool
		errMessage string
	}{
		{
			name:   "valid TEI configuration",
			config: Config{BaseURL: "http://localhost:8080", Model: DefaultModel},
		},
		{
			name:   "with api key and limits",
			config: Config{BaseURL: "http://localhost:8080", APIKey: "k", RequestsPerSecond: 5, Burst: 1},
		},
		{
			name:       "empty base URL",
			config:     Config{Model: "test"},
			wantErr:    true,
			errMessage: "base URL required",
		},
		{
			name:       "negative rate",
			config:     Config{BaseURL: "http://localhost:8080", RequestsPerSecond: -1},
			wantErr:    true,
			errMessage: "negative rate limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, err := NewService(tt.config, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Contains(t, err.Error(), tt.errMessage)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, service)
		})
	}
}

func TestService_Embed(t *testing.T) {
	f, srv := newFakeTEI(t)
	svc, err := NewService(Config{BaseURL: srv.URL, Model: DefaultModel, APIKey: "secret"}, nil)
	require.NoError(t, err)

	vec, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 1}, vec)
	assert.Equal(t, "Bearer secret", f.auth.Load())

	_, err = svc.Embed(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestService_EmbedBatch(t *testing.T) {
	_, srv := newFakeTEI(t)
	svc, err := NewService(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	vecs, err := svc.EmbedBatch(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(3), vecs[1][0])

	_, err = svc.EmbedBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestService_ServerErrorIsEmbeddingFailure(t *testing.T) {
	f, srv := newFakeTEI(t)
	f.status = http.StatusServiceUnavailable
	svc, err := NewService(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")
}

func TestService_RateLimitHonorsContext(t *testing.T) {
	_, srv := newFakeTEI(t)
	svc, err := NewService(Config{BaseURL: srv.URL, RequestsPerSecond: 0.001, Burst: 1}, nil)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = svc.Embed(ctx, "second")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}
