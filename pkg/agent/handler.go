package agent

import "context"

// Task is one unit of delegated work. Tasks are never mutated after the
// orchestrator creates them.
type Task struct {
	ID                 string     `json:"id" yaml:"id"`
	Phase              Phase      `json:"phase" yaml:"phase"`
	Description        string     `json:"description" yaml:"description"`
	RequiredCapability Capability `json:"required_capability,omitempty" yaml:"required_capability"`
	InputContextKeys   []string   `json:"input_context_keys,omitempty" yaml:"input_context_keys"`
	Priority           int        `json:"priority,omitempty" yaml:"priority"`

	// OutputKey is the context key the result payload is stored under.
	// Empty means the task ID.
	OutputKey string `json:"output_key,omitempty" yaml:"output_key"`

	// RequiredOutputs lists payload fields the result must carry.
	RequiredOutputs []string `json:"required_outputs,omitempty" yaml:"required_outputs"`

	// Skills names opaque skill blobs forwarded to the handler.
	Skills []string `json:"skills,omitempty" yaml:"skills"`
}

// ResultKey returns the context key the task's payload is written to.
func (t Task) ResultKey() string {
	if t.OutputKey != "" {
		return t.OutputKey
	}
	return t.ID
}

// ContextSlice is the bounded view of the context store a handler receives.
type ContextSlice struct {
	// Entries maps each requested key to its latest value.
	Entries map[string]string `json:"entries"`

	// Skills maps skill names to their configured content. The
	// orchestrator passes these through without interpreting them.
	Skills map[string]string `json:"skills,omitempty"`
}

// Size returns the number of characters carried by the slice.
func (s ContextSlice) Size() int {
	n := 0
	for k, v := range s.Entries {
		n += len(k) + len(v)
	}
	for k, v := range s.Skills {
		n += len(k) + len(v)
	}
	return n
}

// BudgetSlice tells a handler how many units it was granted.
type BudgetSlice struct {
	Phase Phase `json:"phase"`
	Units int64 `json:"units"`
}

// Result is a successful handler response.
type Result struct {
	Payload       map[string]any `json:"payload"`
	UnitsConsumed int64          `json:"units_consumed"`
}

// Handler performs a task on behalf of the orchestrator.
//
// Implementations must return promptly once ctx is done. Errors should be
// *Error values; any other error is treated as Fatal.
type Handler interface {
	Invoke(ctx context.Context, task Task, slice ContextSlice, budget BudgetSlice) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task Task, slice ContextSlice, budget BudgetSlice) (*Result, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, task Task, slice ContextSlice, budget BudgetSlice) (*Result, error) {
	return f(ctx, task, slice, budget)
}
