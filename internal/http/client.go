package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/run-vibes/groove/internal/attribution"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Unwrap maps statuses back onto engine errors so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return attribution.ErrNotFound
	case http.StatusBadRequest:
		return attribution.ErrInvalidEvent
	case http.StatusConflict:
		return attribution.ErrVersionConflict
	case http.StatusServiceUnavailable:
		return attribution.ErrTransient
	}
	return nil
}

// Client calls the groove API.
type Client struct {
	baseURL    string
	adminToken string
	http       *http.Client
}

// NewClient creates a client for baseURL, e.g. http://127.0.0.1:7474.
func NewClient(baseURL, adminToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Health returns the server's health report. A degraded server returns the
// report together with an APIError.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

// Value fetches a learning's current estimate.
func (c *Client) Value(ctx context.Context, learningID string) (attribution.LearningValue, error) {
	var out attribution.LearningValue
	err := c.do(ctx, http.MethodGet, learningPath(learningID, "value"), nil, nil, &out)
	return out, err
}

// History fetches the newest attribution records for a learning.
func (c *Client) History(ctx context.Context, learningID string, limit int) ([]attribution.AttributionRecord, error) {
	var out HistoryResponse
	err := c.do(ctx, http.MethodGet, learningPath(learningID, "history"), limitQuery(limit), nil, &out)
	return out.Records, err
}

// Experiment fetches a learning's ablation experiment.
func (c *Client) Experiment(ctx context.Context, learningID string) (*attribution.AblationExperiment, error) {
	var out attribution.AblationExperiment
	if err := c.do(ctx, http.MethodGet, learningPath(learningID, "experiment"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Errors lists retained error records.
func (c *Client) Errors(ctx context.Context, limit int) ([]attribution.ErrorRecord, error) {
	var out ErrorsResponse
	err := c.do(ctx, http.MethodGet, "/v1/errors", limitQuery(limit), nil, &out)
	return out.Errors, err
}

// Thresholds fetches the active threshold snapshot.
func (c *Client) Thresholds(ctx context.Context) (attribution.Thresholds, error) {
	var out attribution.Thresholds
	err := c.do(ctx, http.MethodGet, "/v1/thresholds", nil, nil, &out)
	return out, err
}

// PutLearning upserts a learning's content.
func (c *Client) PutLearning(ctx context.Context, learningID string, req LearningRequest) error {
	return c.do(ctx, http.MethodPut, learningPath(learningID, ""), nil, req, nil)
}

// ShouldWithhold asks whether the learning should be withheld from a session.
func (c *Client) ShouldWithhold(ctx context.Context, learningID string, sc attribution.SessionContext) (bool, error) {
	var out WithholdResponse
	err := c.do(ctx, http.MethodPost, learningPath(learningID, "withhold"), nil, sc, &out)
	return out.Withhold, err
}

// Reenable returns a learning to active.
func (c *Client) Reenable(ctx context.Context, learningID string) (ReenableResponse, error) {
	var out ReenableResponse
	err := c.do(ctx, http.MethodPost, learningPath(learningID, "reenable"), nil, nil, &out)
	return out, err
}

// Replay reprocesses up to limit stored error records.
func (c *Client) Replay(ctx context.Context, limit int) (attribution.ReplayReport, error) {
	var out attribution.ReplayReport
	err := c.do(ctx, http.MethodPost, "/v1/replay", limitQuery(limit), nil, &out)
	return out, err
}

func learningPath(id, suffix string) string {
	p := "/v1/learnings/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
		}
		// Health reports its checks even when degraded.
		if out != nil && path == "/health" {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
