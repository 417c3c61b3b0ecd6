package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/phasectl/internal/budget"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Result is the outcome of a gate check.
type Result struct {
	GateName string   `json:"gate_name"`
	Passed   bool     `json:"passed"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Summary joins the reasons into one line.
func (r Result) Summary() string {
	if r.Passed {
		return r.GateName + ": passed"
	}
	return strings.Join(r.Reasons, "; ")
}

// PreInput is what pre-gates see.
type PreInput struct {
	Task        agent.Task
	Capability  agent.Capability
	Reservation *budget.Reservation
	Budget      budget.State
}

// PostInput is what post-gates see.
type PostInput struct {
	Task   agent.Task
	Result *agent.Result
}

// PreGate checks an attempt before it runs.
type PreGate interface {
	Name() string
	Check(ctx context.Context, in PreInput) ([]string, error)
}

// PostGate checks a handler result.
type PostGate interface {
	Name() string
	Check(ctx context.Context, in PostInput) ([]string, error)
}

// Names of the aggregate results returned by PreCheck and PostCheck.
const (
	PreCheckName  = "precheck"
	PostCheckName = "postcheck"
)

// Validator runs the registered gates in registration order.
type Validator struct {
	pre  []PreGate
	post []PostGate
}

// NewValidator creates a validator with the given gates.
func NewValidator(pre []PreGate, post []PostGate) *Validator {
	return &Validator{pre: pre, post: post}
}

// PreCheck runs every pre-gate. A gate that errors fails the check.
func (v *Validator) PreCheck(ctx context.Context, in PreInput) Result {
	res := Result{GateName: PreCheckName, Passed: true}
	for _, g := range v.pre {
		reasons, err := g.Check(ctx, in)
		res.add(g.Name(), reasons, err)
	}
	return res
}

// PostCheck runs every post-gate. A nil result always fails.
func (v *Validator) PostCheck(ctx context.Context, in PostInput) Result {
	res := Result{GateName: PostCheckName, Passed: true}
	if in.Result == nil {
		res.add("result", []string{"handler returned no result"}, nil)
		return res
	}
	for _, g := range v.post {
		reasons, err := g.Check(ctx, in)
		res.add(g.Name(), reasons, err)
	}
	return res
}

func (r *Result) add(name string, reasons []string, err error) {
	if err != nil {
		reasons = append(reasons, fmt.Sprintf("gate error: %v", err))
	}
	for _, reason := range reasons {
		r.Passed = false
		r.Reasons = append(r.Reasons, name+": "+reason)
	}
}
