package agents

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/phasectl/internal/budget"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Request is what every handler kind receives.
type Request struct {
	Task    agent.Task        `json:"task"`
	Context map[string]string `json:"context"`
	Skills  map[string]string `json:"skills,omitempty"`
	Budget  agent.BudgetSlice `json:"budget"`
}

// Response is what every handler kind answers.
type Response struct {
	Payload       map[string]any `json:"payload,omitempty"`
	UnitsConsumed int64          `json:"units_consumed"`
	Error         *agent.Error   `json:"error,omitempty"`
}

// NewRequest builds the envelope for one delegation.
func NewRequest(task agent.Task, slice agent.ContextSlice, grant agent.BudgetSlice) Request {
	entries := slice.Entries
	if entries == nil {
		entries = map[string]string{}
	}
	return Request{Task: task, Context: entries, Skills: slice.Skills, Budget: grant}
}

// Result converts the response into a handler return value.
func (r Response) Result() (*agent.Result, error) {
	if r.Error != nil {
		class := r.Error.Class
		if class == "" {
			class = agent.ErrorFatal
		}
		return nil, &agent.Error{Class: class, Message: r.Error.Message}
	}
	if r.UnitsConsumed < 0 {
		return nil, agent.NewError(agent.ErrorValidationFailure, "negative units_consumed %d", r.UnitsConsumed)
	}
	return &agent.Result{Payload: r.Payload, UnitsConsumed: r.UnitsConsumed}, nil
}

func decodeResponse(data []byte) (*agent.Result, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, agent.NewError(agent.ErrorValidationFailure, "malformed response: %v", err)
	}
	return resp.Result()
}

// estimateUnits sizes a payload when the handler does not report usage.
func estimateUnits(payload map[string]any) int64 {
	if len(payload) == 0 {
		return 0
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	return int64((len(data) + budget.DefaultCharsPerUnit - 1) / budget.DefaultCharsPerUnit)
}

func describe(task agent.Task) string {
	return fmt.Sprintf("%s/%s", task.Phase, task.ID)
}
