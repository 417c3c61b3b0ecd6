package budget

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Snapshot is the committed state of a ledger. Outstanding reservations are
// never part of a snapshot.
type Snapshot struct {
	TotalUnits    int64                 `json:"total_units"`
	ConsumedUnits int64                 `json:"consumed_units"`
	PhaseCeilings map[agent.Phase]int64 `json:"phase_ceilings,omitempty"`
	PhaseConsumed map[agent.Phase]int64 `json:"phase_consumed,omitempty"`
}

// Snapshot captures the committed state of the ledger.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Snapshot{
		TotalUnits:    l.total,
		ConsumedUnits: l.consumed,
		PhaseCeilings: copyPhaseMap(l.ceilings),
		PhaseConsumed: copyPhaseMap(l.phaseConsumed),
	}
}

// WithConsumption returns a copy of s with units added to phase. It is used
// to replay commits that happened after the snapshot was taken.
func (s Snapshot) WithConsumption(phase agent.Phase, units int64) Snapshot {
	out := Snapshot{
		TotalUnits:    s.TotalUnits,
		ConsumedUnits: s.ConsumedUnits + units,
		PhaseCeilings: copyPhaseMap(s.PhaseCeilings),
		PhaseConsumed: copyPhaseMap(s.PhaseConsumed),
	}
	out.PhaseConsumed[phase] += units
	return out
}

// Restore builds a ledger from a snapshot.
func Restore(s Snapshot, logger *zap.Logger) (*Ledger, error) {
	l, err := NewLedger(Config{TotalUnits: s.TotalUnits, PhaseCeilings: s.PhaseCeilings}, logger)
	if err != nil {
		return nil, fmt.Errorf("restoring ledger: %w", err)
	}
	if s.ConsumedUnits < 0 || s.ConsumedUnits > s.TotalUnits {
		return nil, fmt.Errorf("restoring ledger: consumed %d outside [0, %d]", s.ConsumedUnits, s.TotalUnits)
	}
	l.consumed = s.ConsumedUnits
	for phase, units := range s.PhaseConsumed {
		l.phaseConsumed[phase] = units
	}
	return l, nil
}
