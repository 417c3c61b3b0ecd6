package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Controller errors.
var (
	ErrRunActive    = errors.New("run is already executing")
	ErrRunComplete  = errors.New("run already completed")
	ErrShuttingDown = errors.New("controller is shutting down")
	ErrDuplicateRun = errors.New("identical plan is already executing")
)

// PhaseError is why a phase failed.
type PhaseError struct {
	Phase  agent.Phase
	TaskID string
	Class  agent.ErrorClass
	Reason string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: task %s failed (%s): %s", e.Phase, e.TaskID, e.Class, e.Reason)
}
