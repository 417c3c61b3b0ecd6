package gate

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Catalog reports which capabilities have handlers.
type Catalog interface {
	Has(c agent.Capability) bool
}

// CapabilityGate rejects attempts whose capability has no handler.
type CapabilityGate struct {
	catalog Catalog
}

// NewCapabilityGate creates a capability existence gate.
func NewCapabilityGate(c Catalog) *CapabilityGate {
	return &CapabilityGate{catalog: c}
}

// Name returns the gate identifier.
func (g *CapabilityGate) Name() string {
	return "capability"
}

// Check validates the selected capability.
func (g *CapabilityGate) Check(_ context.Context, in PreInput) ([]string, error) {
	if !in.Capability.IsValid() {
		return []string{fmt.Sprintf("unknown capability %q", in.Capability)}, nil
	}
	if !g.catalog.Has(in.Capability) {
		return []string{fmt.Sprintf("no handler registered for %s", in.Capability)}, nil
	}
	return nil, nil
}

// BudgetGate rejects attempts that hold no valid reservation for their
// phase, or run against a ledger that is already past its ceiling.
type BudgetGate struct{}

// NewBudgetGate creates a resource availability gate.
func NewBudgetGate() *BudgetGate {
	return &BudgetGate{}
}

// Name returns the gate identifier.
func (g *BudgetGate) Name() string {
	return "budget"
}

// Check validates the attempt's reservation against the ledger state.
func (g *BudgetGate) Check(_ context.Context, in PreInput) ([]string, error) {
	r := in.Reservation
	if r == nil {
		return []string{"no budget reservation"}, nil
	}

	var reasons []string
	if r.Phase != in.Task.Phase {
		reasons = append(reasons, fmt.Sprintf("reservation is for %s, task is in %s", r.Phase, in.Task.Phase))
	}
	if r.Units <= 0 {
		reasons = append(reasons, "reservation holds no units")
	}
	st := in.Budget
	if st.TotalUnits > 0 && st.ConsumedUnits+st.ReservedUnits > st.TotalUnits {
		reasons = append(reasons, fmt.Sprintf("ledger over total ceiling: %d/%d", st.ConsumedUnits+st.ReservedUnits, st.TotalUnits))
	}
	return reasons, nil
}
