package http

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/run-vibes/groove/internal/attribution"
)

const maxReplayLimit = 1000

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HistoryResponse is the response body for GET /v1/learnings/:id/history.
type HistoryResponse struct {
	LearningID string                          `json:"learning_id"`
	Records    []attribution.AttributionRecord `json:"records"`
}

// ErrorsResponse is the response body for GET /v1/errors.
type ErrorsResponse struct {
	Errors []attribution.ErrorRecord `json:"errors"`
}

// LearningRequest is the request body for PUT /v1/learnings/:id. Status is
// owned by the engine and cannot be set here.
type LearningRequest struct {
	Scope     string    `json:"scope"`
	Insight   string    `json:"insight"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// WithholdResponse is the response body for POST /v1/learnings/:id/withhold.
type WithholdResponse struct {
	LearningID string `json:"learning_id"`
	Withhold   bool   `json:"withhold"`
}

// ReenableResponse is the response body for POST /v1/learnings/:id/reenable.
// Transition is nil when the learning was already active.
type ReenableResponse struct {
	Value      attribution.LearningValue     `json:"value"`
	Transition *attribution.StatusTransition `json:"transition,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	for _, name := range names {
		if err := s.checks[name](c.Request().Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	return c.JSON(code, resp)
}

func (s *Server) handleValue(c echo.Context) error {
	v, err := s.query.Value(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleHistory(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	id := c.Param("id")
	recs, err := s.query.History(c.Request().Context(), id, limit)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []attribution.AttributionRecord{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{LearningID: id, Records: recs})
}

func (s *Server) handleExperiment(c echo.Context) error {
	exp, err := s.query.Experiment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exp)
}

func (s *Server) handleWithhold(c echo.Context) error {
	var sc attribution.SessionContext
	if err := c.Bind(&sc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if sc.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	id := c.Param("id")
	withhold, err := s.query.ShouldWithhold(c.Request().Context(), id, sc)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, WithholdResponse{LearningID: id, Withhold: withhold})
}

func (s *Server) handleErrors(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	recs, err := s.query.Errors(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []attribution.ErrorRecord{}
	}
	return c.JSON(http.StatusOK, ErrorsResponse{Errors: recs})
}

func (s *Server) handleThresholds(c echo.Context) error {
	return c.JSON(http.StatusOK, s.query.Thresholds())
}

func (s *Server) handlePutLearning(c echo.Context) error {
	var req LearningRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Insight == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "insight is required")
	}
	l := attribution.Learning{
		ID:        c.Param("id"),
		Scope:     req.Scope,
		Insight:   req.Insight,
		Embedding: req.Embedding,
		CreatedAt: req.CreatedAt,
	}
	if err := s.query.PutLearning(c.Request().Context(), l); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleReenable(c echo.Context) error {
	v, tr, err := s.query.Reenable(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ReenableResponse{Value: v, Transition: tr})
}

func (s *Server) handleReplay(c echo.Context) error {
	if s.replayer == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "replay is not available")
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	if limit <= 0 || limit > maxReplayLimit {
		limit = maxReplayLimit
	}
	report, err := s.replayer.Replay(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
