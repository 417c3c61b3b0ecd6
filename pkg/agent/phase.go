package agent

import (
	"fmt"
	"strings"
)

// Phase is a stage of the fixed delivery workflow.
type Phase string

const (
	PhasePlan     Phase = "PLAN"
	PhaseRed      Phase = "RED"
	PhaseGreen    Phase = "GREEN"
	PhaseRefactor Phase = "REFACTOR"
	PhaseSync     Phase = "SYNC"
	PhaseRelease  Phase = "RELEASE"
)

// AllPhases returns the phases in execution order.
func AllPhases() []Phase {
	return []Phase{
		PhasePlan,
		PhaseRed,
		PhaseGreen,
		PhaseRefactor,
		PhaseSync,
		PhaseRelease,
	}
}

// Index returns the position of p in the workflow, or -1 if unknown.
func (p Phase) Index() int {
	for i, known := range AllPhases() {
		if p == known {
			return i
		}
	}
	return -1
}

// IsValid reports whether p is a workflow phase.
func (p Phase) IsValid() bool {
	return p.Index() >= 0
}

// Next returns the phase after p. The second return is false for RELEASE.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	phases := AllPhases()
	if i < 0 || i+1 >= len(phases) {
		return "", false
	}
	return phases[i+1], true
}

func (p Phase) String() string {
	return string(p)
}

// ParsePhase converts a case-insensitive name into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text decodes
// to the zero Phase so tasks may leave their phase to the enclosing plan.
func (p *Phase) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = ""
		return nil
	}
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
