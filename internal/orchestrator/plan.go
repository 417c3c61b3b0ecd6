package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Plan validation errors.
var (
	ErrInvalidPlan     = errors.New("invalid run plan")
	ErrDependencyCycle = errors.New("dependency cycle between tasks")
)

// PhasePlan lists the tasks of one phase.
type PhasePlan struct {
	Phase agent.Phase  `json:"phase" yaml:"phase"`
	Tasks []agent.Task `json:"tasks" yaml:"tasks"`
}

// RunRequest is a submitted run.
type RunRequest struct {
	Phases         []PhasePlan           `json:"phases" yaml:"phases"`
	InitialContext map[string]string     `json:"initial_context,omitempty" yaml:"initial_context"`
	TotalBudget    int64                 `json:"total_budget,omitempty" yaml:"total_budget"`
	PhaseCeilings  map[agent.Phase]int64 `json:"phase_ceilings,omitempty" yaml:"phase_ceilings"`
}

// NewRunID returns a sortable, unique run identifier.
func NewRunID() string {
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102T150405"), uuid.New().String()[:8])
}

// schedule is a validated plan: tasks per phase in dispatch order, and the
// same-phase tasks each task waits for.
type schedule struct {
	tasks map[agent.Phase][]agent.Task
	deps  map[string][]string
}

// inputsAfter returns the input keys named by tasks in phases after phase.
func (s *schedule) inputsAfter(phase agent.Phase) []string {
	var keys []string
	for _, p := range agent.AllPhases() {
		if p.Index() <= phase.Index() {
			continue
		}
		for _, t := range s.tasks[p] {
			keys = append(keys, t.InputContextKeys...)
		}
	}
	return keys
}

// normalized returns a copy of r in which every task carries the phase of
// the plan entry it is listed under.
func (r RunRequest) normalized() RunRequest {
	out := r
	out.Phases = make([]PhasePlan, len(r.Phases))
	for i, pp := range r.Phases {
		tasks := make([]agent.Task, len(pp.Tasks))
		copy(tasks, pp.Tasks)
		for j := range tasks {
			if tasks[j].Phase == "" {
				tasks[j].Phase = pp.Phase
			}
		}
		out.Phases[i] = PhasePlan{Phase: pp.Phase, Tasks: tasks}
	}
	return out
}

// Validate checks the plan without building a schedule.
func (r RunRequest) Validate() error {
	_, err := buildSchedule(r)
	return err
}

func buildSchedule(r RunRequest) (*schedule, error) {
	s := &schedule{
		tasks: make(map[agent.Phase][]agent.Task),
		deps:  make(map[string][]string),
	}

	var errs []error
	last := -1
	seenPhase := make(map[agent.Phase]bool)
	for _, pp := range r.Phases {
		if !pp.Phase.IsValid() {
			errs = append(errs, fmt.Errorf("unknown phase %q", pp.Phase))
			continue
		}
		if seenPhase[pp.Phase] {
			errs = append(errs, fmt.Errorf("phase %s listed twice", pp.Phase))
			continue
		}
		if pp.Phase.Index() < last {
			errs = append(errs, fmt.Errorf("phase %s out of order", pp.Phase))
		}
		seenPhase[pp.Phase] = true
		last = pp.Phase.Index()
	}
	for c, units := range r.PhaseCeilings {
		if !c.IsValid() {
			errs = append(errs, fmt.Errorf("ceiling for unknown phase %q", c))
		} else if units < 0 {
			errs = append(errs, fmt.Errorf("ceiling for %s is negative", c))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, errors.Join(errs...))
	}

	byPhase := make(map[agent.Phase][]agent.Task)
	ids := make(map[string]bool)
	for _, pp := range r.Phases {
		for _, t := range pp.Tasks {
			if t.Phase == "" {
				t.Phase = pp.Phase
			}
			switch {
			case t.ID == "":
				errs = append(errs, fmt.Errorf("task without id in %s", pp.Phase))
				continue
			case ids[t.ID]:
				errs = append(errs, fmt.Errorf("duplicate task id %q", t.ID))
				continue
			case t.Phase != pp.Phase:
				errs = append(errs, fmt.Errorf("task %s declares phase %s inside %s", t.ID, t.Phase, pp.Phase))
				continue
			case t.RequiredCapability != "" && !t.RequiredCapability.IsValid():
				errs = append(errs, fmt.Errorf("task %s requires unknown capability %q", t.ID, t.RequiredCapability))
				continue
			}
			ids[t.ID] = true
			byPhase[pp.Phase] = append(byPhase[pp.Phase], t)
		}
	}

	available := make(map[string]bool, len(r.InitialContext))
	for k := range r.InitialContext {
		available[k] = true
	}
	for _, phase := range agent.AllPhases() {
		tasks := byPhase[phase]
		ordered, err := orderPhase(tasks, available, s.deps)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", phase, err))
			continue
		}
		s.tasks[phase] = ordered
		for _, t := range tasks {
			available[t.ResultKey()] = true
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, errors.Join(errs...))
	}
	return s, nil
}

// orderPhase resolves same-phase dependencies and returns tasks in a
// topological order, preferring higher priority and then declaration
// order among ready tasks.
func orderPhase(tasks []agent.Task, available map[string]bool, deps map[string][]string) ([]agent.Task, error) {
	producers := make(map[string][]int)
	for i, t := range tasks {
		producers[t.ResultKey()] = append(producers[t.ResultKey()], i)
	}

	var errs []error
	indegree := make([]int, len(tasks))
	dependents := make([][]int, len(tasks))
	for i, t := range tasks {
		seen := make(map[int]bool)
		for _, key := range t.InputContextKeys {
			var found bool
			for _, j := range producers[key] {
				if j == i {
					continue
				}
				found = true
				if !seen[j] {
					seen[j] = true
					indegree[i]++
					dependents[j] = append(dependents[j], i)
					deps[t.ID] = append(deps[t.ID], tasks[j].ID)
				}
			}
			if !found && !available[key] {
				errs = append(errs, fmt.Errorf("task %s reads %q which nothing produces", t.ID, key))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	less := func(a, b int) bool {
		if tasks[a].Priority != tasks[b].Priority {
			return tasks[a].Priority > tasks[b].Priority
		}
		return a < b
	}
	var ready []int
	for i := range tasks {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	ordered := make([]agent.Task, 0, len(tasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(x, y int) bool { return less(ready[x], ready[y]) })
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, tasks[next])
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(ordered) != len(tasks) {
		var stuck []string
		for i, n := range indegree {
			if n > 0 {
				stuck = append(stuck, tasks[i].ID)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, stuck)
	}
	return ordered, nil
}
