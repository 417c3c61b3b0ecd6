package budget

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

const instrumentationName = "github.com/fyrsmithlabs/phasectl/internal/budget"

// Config sets the ceilings of a ledger.
type Config struct {
	// TotalUnits caps consumption across all phases.
	TotalUnits int64

	// PhaseCeilings caps consumption per phase. A phase without an entry
	// is bounded only by TotalUnits.
	PhaseCeilings map[agent.Phase]int64
}

// Reservation is an outstanding claim on the ledger. It is settled exactly
// once, by Commit or Release.
type Reservation struct {
	id    uint64
	Phase agent.Phase
	Units int64
}

// ID returns the ledger-local identifier of the reservation.
func (r *Reservation) ID() uint64 {
	return r.id
}

// State is a point-in-time view of the ledger, including outstanding
// reservations.
type State struct {
	TotalUnits    int64                 `json:"total_units"`
	ConsumedUnits int64                 `json:"consumed_units"`
	ReservedUnits int64                 `json:"reserved_units"`
	PhaseCeilings map[agent.Phase]int64 `json:"phase_ceilings,omitempty"`
	PhaseConsumed map[agent.Phase]int64 `json:"phase_consumed,omitempty"`
	PhaseReserved map[agent.Phase]int64 `json:"phase_reserved,omitempty"`
}

// Available returns how many units a new reservation in phase could claim.
func (s State) Available(phase agent.Phase) int64 {
	avail := s.TotalUnits - s.ConsumedUnits - s.ReservedUnits
	if ceiling, ok := s.PhaseCeilings[phase]; ok {
		phaseAvail := ceiling - s.PhaseConsumed[phase] - s.PhaseReserved[phase]
		if phaseAvail < avail {
			avail = phaseAvail
		}
	}
	if avail < 0 {
		return 0
	}
	return avail
}

// Ledger tracks reserved and committed units for one run.
type Ledger struct {
	mu sync.Mutex

	total         int64
	consumed      int64
	reserved      int64
	ceilings      map[agent.Phase]int64
	phaseConsumed map[agent.Phase]int64
	phaseReserved map[agent.Phase]int64
	outstanding   map[uint64]*Reservation
	nextID        uint64

	logger          *zap.Logger
	reserveCounter  metric.Int64Counter
	rejectCounter   metric.Int64Counter
	consumedCounter metric.Int64Counter
}

// NewLedger creates a ledger with the given ceilings.
func NewLedger(cfg Config, logger *zap.Logger) (*Ledger, error) {
	if cfg.TotalUnits <= 0 {
		return nil, fmt.Errorf("total units must be positive, got %d", cfg.TotalUnits)
	}
	ceilings := make(map[agent.Phase]int64, len(cfg.PhaseCeilings))
	for phase, units := range cfg.PhaseCeilings {
		if !phase.IsValid() {
			return nil, fmt.Errorf("ceiling for unknown phase %q", phase)
		}
		if units < 0 {
			return nil, fmt.Errorf("ceiling for %s must not be negative, got %d", phase, units)
		}
		ceilings[phase] = units
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		total:         cfg.TotalUnits,
		ceilings:      ceilings,
		phaseConsumed: make(map[agent.Phase]int64),
		phaseReserved: make(map[agent.Phase]int64),
		outstanding:   make(map[uint64]*Reservation),
		logger:        logger,
	}
	l.initMetrics()
	return l, nil
}

func (l *Ledger) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	l.reserveCounter, err = meter.Int64Counter(
		"phasectl.budget.reservations_total",
		metric.WithDescription("Total number of granted budget reservations"),
		metric.WithUnit("{reservation}"),
	)
	if err != nil {
		l.logger.Warn("failed to create reservation counter", zap.Error(err))
	}

	l.rejectCounter, err = meter.Int64Counter(
		"phasectl.budget.rejections_total",
		metric.WithDescription("Total number of refused budget reservations"),
		metric.WithUnit("{reservation}"),
	)
	if err != nil {
		l.logger.Warn("failed to create rejection counter", zap.Error(err))
	}

	l.consumedCounter, err = meter.Int64Counter(
		"phasectl.budget.units_committed_total",
		metric.WithDescription("Total budget units committed"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		l.logger.Warn("failed to create consumption counter", zap.Error(err))
	}
}

// Reserve claims units for phase. It fails with an *InsufficientBudgetError
// when the claim would push either the phase or the run past its ceiling,
// and with ctx.Err() when ctx is already done.
func (l *Ledger) Reserve(ctx context.Context, phase agent.Phase, units int64) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if units <= 0 {
		return nil, fmt.Errorf("%w: reserve %d", ErrInvalidUnits, units)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if avail := l.total - l.consumed - l.reserved; units > avail {
		l.reject(ctx, phase)
		return nil, &InsufficientBudgetError{Phase: phase, Scope: ScopeTotal, Requested: units, Available: avail}
	}
	if ceiling, ok := l.ceilings[phase]; ok {
		if avail := ceiling - l.phaseConsumed[phase] - l.phaseReserved[phase]; units > avail {
			l.reject(ctx, phase)
			return nil, &InsufficientBudgetError{Phase: phase, Scope: ScopePhase, Requested: units, Available: avail}
		}
	}

	l.nextID++
	r := &Reservation{id: l.nextID, Phase: phase, Units: units}
	l.outstanding[r.id] = r
	l.reserved += units
	l.phaseReserved[phase] += units

	if l.reserveCounter != nil {
		l.reserveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(phase))))
	}
	return r, nil
}

func (l *Ledger) reject(ctx context.Context, phase agent.Phase) {
	if l.rejectCounter != nil {
		l.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(phase))))
	}
}

// Commit settles r with the units actually consumed and returns the amount
// charged. Unused units go back to the pool. Usage above the reservation is
// charged only while it fits both ceilings; otherwise the reserved amount is
// charged and ErrReservationOverrun is returned.
func (l *Ledger) Commit(r *Reservation, actual int64) (int64, error) {
	if actual < 0 {
		return 0, fmt.Errorf("%w: commit %d", ErrInvalidUnits, actual)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.settle(r); err != nil {
		return 0, err
	}

	charged := actual
	var overrun error
	if actual > r.Units {
		fitsTotal := l.consumed+l.reserved+actual <= l.total
		fitsPhase := true
		if ceiling, ok := l.ceilings[r.Phase]; ok {
			fitsPhase = l.phaseConsumed[r.Phase]+l.phaseReserved[r.Phase]+actual <= ceiling
		}
		if !fitsTotal || !fitsPhase {
			charged = r.Units
			overrun = fmt.Errorf("%w: reserved %d, used %d", ErrReservationOverrun, r.Units, actual)
		}
	}

	l.consumed += charged
	l.phaseConsumed[r.Phase] += charged
	if l.consumedCounter != nil && charged > 0 {
		l.consumedCounter.Add(context.Background(), charged,
			metric.WithAttributes(attribute.String("phase", string(r.Phase))))
	}
	return charged, overrun
}

// Release returns the full reservation to the pool.
func (l *Ledger) Release(r *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settle(r)
}

// settle removes r from the outstanding set. Caller holds l.mu.
func (l *Ledger) settle(r *Reservation) error {
	if r == nil {
		return ErrUnknownReservation
	}
	if _, ok := l.outstanding[r.id]; !ok {
		return ErrUnknownReservation
	}
	delete(l.outstanding, r.id)
	l.reserved -= r.Units
	l.phaseReserved[r.Phase] -= r.Units
	return nil
}

// State returns a copy of the current ledger state.
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return State{
		TotalUnits:    l.total,
		ConsumedUnits: l.consumed,
		ReservedUnits: l.reserved,
		PhaseCeilings: copyPhaseMap(l.ceilings),
		PhaseConsumed: copyPhaseMap(l.phaseConsumed),
		PhaseReserved: copyPhaseMap(l.phaseReserved),
	}
}

// Outstanding returns the number of unsettled reservations.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outstanding)
}

func copyPhaseMap(m map[agent.Phase]int64) map[agent.Phase]int64 {
	out := make(map[agent.Phase]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
