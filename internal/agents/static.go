package agents

import (
	"context"
	"maps"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// StaticHandler answers every task with the same payload.
type StaticHandler struct {
	payload map[string]any
	units   int64
}

// NewStaticHandler creates a handler returning payload. Units default to
// the payload's encoded size when zero.
func NewStaticHandler(payload map[string]any, units int64) *StaticHandler {
	if units <= 0 {
		units = estimateUnits(payload)
	}
	return &StaticHandler{payload: payload, units: units}
}

// Invoke implements agent.Handler.
func (h *StaticHandler) Invoke(ctx context.Context, _ agent.Task, _ agent.ContextSlice, _ agent.BudgetSlice) (*agent.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &agent.Result{Payload: maps.Clone(h.payload), UnitsConsumed: h.units}, nil
}
