package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	httpserver "github.com/fyrsmithlabs/phasectl/internal/http"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// fakeRuns keeps runs in memory.
type fakeRuns struct {
	submitted []orchestrator.RunRequest
	statuses  map[string]orchestrator.Status
	records   map[string][]audit.Record
	resumed   []string
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{
		statuses: map[string]orchestrator.Status{},
		records:  map[string][]audit.Record{},
	}
}

func (f *fakeRuns) Submit(_ context.Context, req orchestrator.RunRequest) (string, error) {
	f.submitted = append(f.submitted, req)
	id := fmt.Sprintf("run-%d", len(f.submitted))
	f.statuses[id] = orchestrator.Status{RunID: id, State: checkpoint.StateRunning, Phase: agent.PhasePlan}
	return id, nil
}

func (f *fakeRuns) StartResume(_ context.Context, runID string) error {
	st, ok := f.statuses[runID]
	if !ok {
		return checkpoint.ErrRunNotFound
	}
	if st.State == checkpoint.StateComplete {
		return orchestrator.ErrRunComplete
	}
	f.resumed = append(f.resumed, runID)
	return nil
}

func (f *fakeRuns) Status(_ context.Context, runID string) (orchestrator.Status, error) {
	st, ok := f.statuses[runID]
	if !ok {
		return orchestrator.Status{}, checkpoint.ErrRunNotFound
	}
	return st, nil
}

func (f *fakeRuns) Records(_ context.Context, runID string) ([]audit.Record, error) {
	if _, ok := f.statuses[runID]; !ok {
		return nil, checkpoint.ErrRunNotFound
	}
	return f.records[runID], nil
}

func newTestClient(t *testing.T, runs *fakeRuns) *Client {
	t.Helper()
	srv, err := httpserver.NewServer(runs, zap.NewNop(), &httpserver.Config{Version: "test"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := New(ts.URL+"/", time.Second)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	c, err := New("http://localhost:9191/", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9191", c.baseURL)
	assert.Equal(t, DefaultTimeout, c.http.Timeout)

	_, err = New("localhost:9191", 0)
	assert.Error(t, err)
	_, err = New("ftp://localhost", 0)
	assert.Error(t, err)
}

func TestClient_Health(t *testing.T) {
	c := newTestClient(t, newFakeRuns())
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)
}

func TestClient_SubmitAndStatus(t *testing.T) {
	runs := newFakeRuns()
	c := newTestClient(t, runs)
	ctx := context.Background()

	id, err := c.Submit(ctx, orchestrator.RunRequest{
		Phases: []orchestrator.PhasePlan{{
			Phase: agent.PhasePlan,
			Tasks: []agent.Task{{ID: "outline", Phase: agent.PhasePlan}},
		}},
		TotalBudget: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)
	require.Len(t, runs.submitted, 1)
	assert.Equal(t, int64(500), runs.submitted[0].TotalBudget)
	assert.Equal(t, "outline", runs.submitted[0].Phases[0].Tasks[0].ID)

	st, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateRunning, st.State)
	assert.Equal(t, agent.PhasePlan, st.Phase)
}

func TestClient_Errors(t *testing.T) {
	runs := newFakeRuns()
	runs.statuses["done"] = orchestrator.Status{RunID: "done", State: checkpoint.StateComplete}
	c := newTestClient(t, runs)
	ctx := context.Background()

	_, err := c.Status(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	err = c.Resume(ctx, "done")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)
	assert.False(t, IsNotFound(err))

	_, err = c.Submit(ctx, orchestrator.RunRequest{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestClient_ResumeAndRecords(t *testing.T) {
	runs := newFakeRuns()
	runs.statuses["r1"] = orchestrator.Status{RunID: "r1", State: checkpoint.StateResumable}
	runs.records["r1"] = []audit.Record{
		{RunID: "r1", Seq: 1, TaskID: "a", Phase: agent.PhasePlan, Outcome: audit.OutcomeSuccess, UnitsConsumed: 40},
		{RunID: "r1", Seq: 2, TaskID: "b", Phase: agent.PhaseRed, Outcome: audit.OutcomeFailed, UnitsConsumed: 60},
	}
	c := newTestClient(t, runs)
	ctx := context.Background()

	require.NoError(t, c.Resume(ctx, "r1"))
	assert.Equal(t, []string{"r1"}, runs.resumed)

	recs, err := c.Records(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", recs.RunID)
	require.Len(t, recs.Records, 2)
	assert.Equal(t, "b", recs.Records[1].TaskID)
	assert.Equal(t, 2, recs.Summary.Total)
	assert.Equal(t, int64(100), recs.Summary.TotalUnits)
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := New(url, 200*time.Millisecond)
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send request")
}

func TestClient_SubmitTaskWithoutPhase(t *testing.T) {
	runs := newFakeRuns()
	c := newTestClient(t, runs)

	req := orchestrator.RunRequest{Phases: []orchestrator.PhasePlan{{
		Phase: agent.PhasePlan,
		Tasks: []agent.Task{{ID: "outline", Description: "outline the feature"}},
	}}}
	id, err := c.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)

	require.Len(t, runs.submitted, 1)
	got := runs.submitted[0].Phases[0]
	assert.Equal(t, agent.PhasePlan, got.Phase)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "outline", got.Tasks[0].ID)
	assert.Empty(t, got.Tasks[0].Phase)
}
