package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-vibes/groove/internal/attribution"
	apihttp "github.com/run-vibes/groove/internal/http"
	"github.com/run-vibes/groove/internal/logging"
)

func startServer(t *testing.T) *attribution.InMemoryStore {
	t.Helper()
	store := attribution.NewInMemoryStore()
	reg, err := attribution.NewThresholdRegistry(attribution.DefaultThresholds())
	require.NoError(t, err)
	q := attribution.NewQueryService(store, attribution.NewManager(store, store, attribution.NewLockedRandom(nil, 1)), reg)
	srv, err := apihttp.NewServer(q, logging.NewNop(), apihttp.Config{})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	prevURL, prevToken := serverURL, adminToken
	serverURL, adminToken = ts.URL, ""
	t.Cleanup(func() { serverURL, adminToken = prevURL, prevToken })
	return store
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--server", serverURL))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"health", "value", "history", "experiment", "errors", "thresholds",
		"put-learning", "withhold", "reenable", "replay", "outcome"}
	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, c.Name())
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}
}

func TestPutLearningThenValue(t *testing.T) {
	store := startServer(t)

	out, err := execute(t, "put-learning", "l1", "--scope", "proj", "--insight", "Wrap errors with context")
	require.NoError(t, err)
	assert.Contains(t, out, "learning l1 saved")

	l, err := store.GetLearning(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "proj", l.Scope)

	out, err = execute(t, "value", "l1")
	require.NoError(t, err)
	assert.Contains(t, out, `"learning_id": "l1"`)
	assert.Contains(t, out, `"status": "active"`)
}

func TestValue_UnknownLearning(t *testing.T) {
	startServer(t)
	_, err := execute(t, "value", "ghost")
	assert.ErrorIs(t, err, attribution.ErrNotFound)
}

func TestLearningRequest_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scope":"proj","insight":"from file","embedding":[0.1,0.2]}`), 0o600))

	learningFile, learningScope, learningInsight = path, "", ""
	t.Cleanup(func() { learningFile = "" })
	req, err := learningRequest(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "from file", req.Insight)
	assert.Equal(t, []float32{0.1, 0.2}, req.Embedding)

	learningFile = "-"
	_, err = learningRequest(strings.NewReader(`{"scope":"x"}`))
	assert.ErrorContains(t, err, "insight is required")
}

func TestWithhold_RequiresSession(t *testing.T) {
	startServer(t)
	withholdSession = ""
	_, err := execute(t, "withhold", "l1")
	assert.ErrorContains(t, err, "--session is required")
}

func TestHealthOutput(t *testing.T) {
	startServer(t)
	out, err := execute(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
}
