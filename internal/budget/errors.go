package budget

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

var (
	// ErrInsufficientBudget is matched by every InsufficientBudgetError.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrUnknownReservation is returned when a handle was never issued or
	// has already been committed or released.
	ErrUnknownReservation = errors.New("unknown or settled reservation")

	// ErrReservationOverrun is returned by Commit when the actual usage
	// exceeded the reservation and the excess did not fit the ceilings.
	// The reserved amount is charged in that case.
	ErrReservationOverrun = errors.New("actual usage exceeds reservation")

	// ErrInvalidUnits is returned for non-positive reservations and
	// negative commits.
	ErrInvalidUnits = errors.New("invalid unit count")
)

// Scope names the ceiling a reservation ran into.
type Scope string

const (
	ScopeTotal Scope = "total"
	ScopePhase Scope = "phase"
)

// InsufficientBudgetError describes a refused reservation.
type InsufficientBudgetError struct {
	Phase     agent.Phase
	Scope     Scope
	Requested int64
	Available int64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient %s budget for %s: requested %d, available %d",
		e.Scope, e.Phase, e.Requested, e.Available)
}

func (e *InsufficientBudgetError) Unwrap() error {
	return ErrInsufficientBudget
}
