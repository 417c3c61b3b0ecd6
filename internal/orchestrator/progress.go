package orchestrator

import "github.com/fyrsmithlabs/phasectl/pkg/agent"

// ProgressState describes where a phase is.
type ProgressState string

const (
	ProgressStarted   ProgressState = "started"
	ProgressCompleted ProgressState = "completed"
	ProgressFailed    ProgressState = "failed"
)

// PhaseProgress reports progress during a run.
type PhaseProgress struct {
	RunID      string        `json:"run_id"`
	Phase      agent.Phase   `json:"phase"`
	State      ProgressState `json:"state"`
	Message    string        `json:"message"`
	Percentage int           `json:"percentage"`
}

// ProgressCallback receives progress updates during a run. It is called
// from the goroutine driving the run and must not block.
type ProgressCallback func(progress PhaseProgress)

func percentage(phase agent.Phase, done bool) int {
	n := phase.Index()
	if done {
		n++
	}
	return n * 100 / len(agent.AllPhases())
}
