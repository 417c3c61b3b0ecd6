package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

func TestRunRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     RunRequest
		wantErr error
		errText string
	}{
		{
			name: "inputs from initial context and earlier phases",
			req: RunRequest{
				InitialContext: map[string]string{"ticket": "add ledger"},
				Phases: []PhasePlan{
					{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "spec", InputContextKeys: []string{"ticket"}}}},
					{Phase: agent.PhaseRed, Tasks: []agent.Task{{ID: "tests", InputContextKeys: []string{"spec"}}}},
				},
			},
		},
		{
			name:    "unknown phase",
			req:     RunRequest{Phases: []PhasePlan{{Phase: "DEPLOY"}}},
			wantErr: ErrInvalidPlan,
			errText: "unknown phase",
		},
		{
			name: "phases out of order",
			req: RunRequest{Phases: []PhasePlan{
				{Phase: agent.PhaseGreen},
				{Phase: agent.PhaseRed},
			}},
			wantErr: ErrInvalidPlan,
			errText: "out of order",
		},
		{
			name: "phase listed twice",
			req: RunRequest{Phases: []PhasePlan{
				{Phase: agent.PhaseRed},
				{Phase: agent.PhaseRed},
			}},
			wantErr: ErrInvalidPlan,
			errText: "listed twice",
		},
		{
			name: "duplicate task id",
			req: RunRequest{Phases: []PhasePlan{
				{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "a"}}},
				{Phase: agent.PhaseRed, Tasks: []agent.Task{{ID: "a"}}},
			}},
			wantErr: ErrInvalidPlan,
			errText: "duplicate task id",
		},
		{
			name: "task phase mismatch",
			req: RunRequest{Phases: []PhasePlan{
				{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "a", Phase: agent.PhaseRed}}},
			}},
			wantErr: ErrInvalidPlan,
			errText: "declares phase",
		},
		{
			name: "unknown capability",
			req: RunRequest{Phases: []PhasePlan{
				{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "a", RequiredCapability: "wizard"}}},
			}},
			wantErr: ErrInvalidPlan,
			errText: "unknown capability",
		},
		{
			name: "input nothing produces",
			req: RunRequest{Phases: []PhasePlan{
				{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "a", InputContextKeys: []string{"ghost"}}}},
			}},
			wantErr: ErrInvalidPlan,
			errText: "nothing produces",
		},
		{
			name: "input produced by a later phase",
			req: RunRequest{Phases: []PhasePlan{
				{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "a", InputContextKeys: []string{"b"}}}},
				{Phase: agent.PhaseRed, Tasks: []agent.Task{{ID: "b"}}},
			}},
			wantErr: ErrInvalidPlan,
			errText: "nothing produces",
		},
		{
			name: "same phase cycle",
			req: RunRequest{Phases: []PhasePlan{
				{Phase: agent.PhasePlan, Tasks: []agent.Task{
					{ID: "a", InputContextKeys: []string{"b"}},
					{ID: "b", InputContextKeys: []string{"a"}},
				}},
			}},
			wantErr: ErrDependencyCycle,
		},
		{
			name:    "negative ceiling",
			req:     RunRequest{PhaseCeilings: map[agent.Phase]int64{agent.PhasePlan: -1}},
			wantErr: ErrInvalidPlan,
			errText: "negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.errText != "" {
				assert.Contains(t, err.Error(), tt.errText)
			}
		})
	}
}

func TestBuildSchedule_Order(t *testing.T) {
	req := RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{
			{ID: "late", InputContextKeys: []string{"first.out"}, Priority: 10},
			{ID: "first", OutputKey: "first.out"},
			{ID: "urgent", Priority: 5},
		}},
	}}

	s, err := buildSchedule(req)
	require.NoError(t, err)

	var ids []string
	for _, task := range s.tasks[agent.PhasePlan] {
		ids = append(ids, task.ID)
		assert.Equal(t, agent.PhasePlan, task.Phase)
	}
	assert.Equal(t, []string{"urgent", "first", "late"}, ids)
	assert.Equal(t, []string{"first"}, s.deps["late"])
	assert.Empty(t, s.deps["first"])
}

func TestBuildSchedule_SelfOutputReadsEarlierVersion(t *testing.T) {
	req := RunRequest{
		InitialContext: map[string]string{"notes": "v1"},
		Phases: []PhasePlan{
			{Phase: agent.PhaseSync, Tasks: []agent.Task{{ID: "docs", OutputKey: "notes", InputContextKeys: []string{"notes"}}}},
		},
	}
	s, err := buildSchedule(req)
	require.NoError(t, err)
	assert.Empty(t, s.deps["docs"])
}

func TestSchedule_InputsAfter(t *testing.T) {
	req := RunRequest{
		InitialContext: map[string]string{"ticket": "x"},
		Phases: []PhasePlan{
			{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "spec", InputContextKeys: []string{"ticket"}}}},
			{Phase: agent.PhaseRed, Tasks: []agent.Task{{ID: "tests", InputContextKeys: []string{"spec"}}}},
			{Phase: agent.PhaseSync, Tasks: []agent.Task{{ID: "docs", InputContextKeys: []string{"spec", "tests"}}}},
		},
	}
	s, err := buildSchedule(req)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"spec", "spec", "tests"}, s.inputsAfter(agent.PhasePlan))
	assert.ElementsMatch(t, []string{"spec", "tests"}, s.inputsAfter(agent.PhaseRed))
	assert.Empty(t, s.inputsAfter(agent.PhaseSync))
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "run-"))
}
