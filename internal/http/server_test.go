package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

type mockRuns struct {
	mock.Mock
}

func (m *mockRuns) Submit(ctx context.Context, req orchestrator.RunRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockRuns) StartResume(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

func (m *mockRuns) Status(ctx context.Context, runID string) (orchestrator.Status, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(orchestrator.Status), args.Error(1)
}

func (m *mockRuns) Records(ctx context.Context, runID string) ([]audit.Record, error) {
	args := m.Called(ctx, runID)
	records, _ := args.Get(0).([]audit.Record)
	return records, args.Error(1)
}

func newTestServer(t *testing.T) (*Server, *mockRuns) {
	t.Helper()
	runs := &mockRuns{}
	s, err := NewServer(runs, zap.NewNop(), &Config{Host: "127.0.0.1", Port: 0, Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { runs.AssertExpectations(t) })
	return s, runs
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(&mockRuns{}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", s.config.Host)
		assert.Equal(t, 9191, s.config.Port)
	})

	t.Run("requires logger", func(t *testing.T) {
		_, err := NewServer(&mockRuns{}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("requires runs", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "runs cannot be nil")
	})
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthResponse{Status: "ok", Version: "test"}, resp)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	audit.NewMetrics().Transition("PLAN", "RED")

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "phasectl_phase_transitions_total")
}

func TestSubmitRun(t *testing.T) {
	plan := orchestrator.RunRequest{
		Phases: []orchestrator.PhasePlan{{
			Phase: agent.PhaseGreen,
			Tasks: []agent.Task{{ID: "impl", Phase: agent.PhaseGreen, RequiredCapability: agent.CapabilityBackend}},
		}},
		TotalBudget: 5000,
	}

	t.Run("accepted", func(t *testing.T) {
		s, runs := newTestServer(t)
		runs.On("Submit", mock.Anything, mock.MatchedBy(func(r orchestrator.RunRequest) bool {
			return r.TotalBudget == 5000 && len(r.Phases) == 1 && r.Phases[0].Tasks[0].ID == "impl"
		})).Return("run-1", nil)

		rec := do(t, s, http.MethodPost, "/api/v1/runs", plan)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var resp SubmitResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "run-1", resp.RunID)
	})

	t.Run("invalid plan", func(t *testing.T) {
		s, runs := newTestServer(t)
		runs.On("Submit", mock.Anything, mock.Anything).
			Return("", fmt.Errorf("%w: %w", orchestrator.ErrInvalidPlan, orchestrator.ErrDependencyCycle))

		rec := do(t, s, http.MethodPost, "/api/v1/runs", plan)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp.Message, "dependency cycle")
	})

	t.Run("empty plan", func(t *testing.T) {
		s, _ := newTestServer(t)
		rec := do(t, s, http.MethodPost, "/api/v1/runs", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		s, _ := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString("{not json"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("shutting down", func(t *testing.T) {
		s, runs := newTestServer(t)
		runs.On("Submit", mock.Anything, mock.Anything).Return("", orchestrator.ErrShuttingDown)

		rec := do(t, s, http.MethodPost, "/api/v1/runs", plan)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestRunStatus(t *testing.T) {
	s, runs := newTestServer(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	runs.On("Status", mock.Anything, "run-1").Return(orchestrator.Status{
		RunID:         "run-1",
		State:         checkpoint.StateFailed,
		Phase:         agent.PhaseRed,
		ErrorClass:    agent.ErrorQualityGate,
		Reason:        "missing field test_results",
		CheckpointRef: "cp-1",
		UpdatedAt:     now,
	}, nil)
	runs.On("Status", mock.Anything, "nope").Return(orchestrator.Status{}, fmt.Errorf("%w: nope", checkpoint.ErrRunNotFound))

	rec := do(t, s, http.MethodGet, "/api/v1/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, checkpoint.StateFailed, st.State)
	assert.Equal(t, agent.PhaseRed, st.Phase)
	assert.Equal(t, agent.ErrorQualityGate, st.ErrorClass)
	assert.Equal(t, "cp-1", st.CheckpointRef)

	rec = do(t, s, http.MethodGet, "/api/v1/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeRun(t *testing.T) {
	s, runs := newTestServer(t)
	runs.On("StartResume", mock.Anything, "run-1").Return(nil)
	runs.On("StartResume", mock.Anything, "run-2").Return(fmt.Errorf("%w: run-2", orchestrator.ErrRunComplete))
	runs.On("StartResume", mock.Anything, "run-3").Return(fmt.Errorf("%w: run-3", orchestrator.ErrRunActive))

	rec := do(t, s, http.MethodPost, "/api/v1/runs/run-1/resume", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp ResumeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ResumeResponse{RunID: "run-1", State: "RUNNING"}, resp)

	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/v1/runs/run-2/resume", nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/v1/runs/run-3/resume", nil).Code)
}

func TestRunRecords(t *testing.T) {
	s, runs := newTestServer(t)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	runs.On("Records", mock.Anything, "run-1").Return([]audit.Record{
		{RunID: "run-1", Seq: 1, TaskID: "a", Phase: agent.PhasePlan, Attempt: 1, StartTime: start, EndTime: start.Add(time.Second), UnitsConsumed: 40, Outcome: audit.OutcomeSuccess},
		{RunID: "run-1", Seq: 2, TaskID: "b", Phase: agent.PhaseRed, Attempt: 1, StartTime: start, EndTime: start.Add(3 * time.Second), UnitsConsumed: 60, Outcome: audit.OutcomeFailed, ErrorClass: agent.ErrorTransient},
	}, nil)
	runs.On("Records", mock.Anything, "empty").Return(nil, nil)
	runs.On("Records", mock.Anything, "bad..id").Return(nil, checkpoint.ErrInvalidRunID)
	runs.On("Records", mock.Anything, "broken").Return(nil, fmt.Errorf("reading journal: %w", checkpoint.ErrCorruptJournal))

	rec := do(t, s, http.MethodGet, "/api/v1/runs/run-1/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RecordsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Records, 2)
	assert.Equal(t, 2, resp.Summary.Total)
	assert.Equal(t, int64(100), resp.Summary.TotalUnits)

	rec = do(t, s, http.MethodGet, "/api/v1/runs/empty/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":[]`)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/runs/bad..id/records", nil).Code)

	rec = do(t, s, http.MethodGet, "/api/v1/runs/broken/records", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "journal", "internal errors are not echoed")
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{orchestrator.ErrInvalidPlan, http.StatusBadRequest},
		{checkpoint.ErrInvalidRunID, http.StatusBadRequest},
		{checkpoint.ErrRunNotFound, http.StatusNotFound},
		{orchestrator.ErrRunActive, http.StatusConflict},
		{orchestrator.ErrRunComplete, http.StatusConflict},
		{orchestrator.ErrDuplicateRun, http.StatusConflict},
		{orchestrator.ErrShuttingDown, http.StatusServiceUnavailable},
		{checkpoint.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(fmt.Errorf("wrapped: %w", tt.err)), tt.err.Error())
	}
}
