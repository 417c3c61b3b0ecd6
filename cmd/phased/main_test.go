package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fyrsmithlabs/phasectl/internal/http"
	"github.com/fyrsmithlabs/phasectl/internal/logging"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, port int) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "phasectl.yaml")
	content := fmt.Sprintf(`
server:
  host: 127.0.0.1
  port: %d
  shutdown_timeout: 5s
logging:
  level: warn
store:
  dir: %s
budget:
  total_units: 5000
handlers:
  - capability: general
    kind: static
    payload:
      output: done
`, port, filepath.Join(dir, "state"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	port := freePort(t)
	path := writeConfig(t, port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, path) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	body, err := json.Marshal(orchestrator.RunRequest{Phases: []orchestrator.PhasePlan{{
		Phase: agent.PhasePlan,
		Tasks: []agent.Task{{ID: "outline", Phase: agent.PhasePlan}},
	}}})
	require.NoError(t, err)
	resp, err := http.Post(base+"/api/v1/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var submitted httpserver.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/v1/runs/" + submitted.RunID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st orchestrator.Status
		return json.NewDecoder(resp.Body).Decode(&st) == nil && st.State == "COMPLETE"
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "phasectl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run:\n  workers: 0\n"), 0o600))

	err := run(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading configuration")
}

func TestProgressLogger(t *testing.T) {
	tl := logging.NewTestLogger()
	cb := progressLogger(context.Background(), tl.Logger)

	cb(orchestrator.PhaseProgress{RunID: "run-1", Phase: agent.PhaseRed, State: orchestrator.ProgressStarted, Percentage: 16})
	cb(orchestrator.PhaseProgress{RunID: "run-1", Phase: agent.PhaseRed, State: orchestrator.ProgressFailed, Message: "task t1 failed"})

	entries := tl.Entries("phase progress")
	require.Len(t, entries, 2)
	assert.Equal(t, "run-1", entries[0].ContextMap()["run.id"])
	assert.Equal(t, "RED", entries[0].ContextMap()["phase"])
	assert.Equal(t, "task t1 failed", entries[1].ContextMap()["detail"])
}
