package budget

import "github.com/fyrsmithlabs/phasectl/pkg/agent"

// DefaultCharsPerUnit approximates four characters per token.
const DefaultCharsPerUnit = 4

// Estimator sizes reservations before the actual cost is known.
type Estimator struct {
	// CharsPerUnit converts context characters into units.
	CharsPerUnit int

	// DefaultUnits is the base cost of a delegation when the handler
	// binding does not declare one.
	DefaultUnits int64
}

// Estimate returns base (or DefaultUnits when base is zero) plus the cost of
// carrying slice, never less than one unit.
func (e Estimator) Estimate(base int64, slice agent.ContextSlice) int64 {
	if base <= 0 {
		base = e.DefaultUnits
	}
	per := e.CharsPerUnit
	if per <= 0 {
		per = DefaultCharsPerUnit
	}
	size := int64(slice.Size())
	units := base + (size+int64(per)-1)/int64(per)
	if units < 1 {
		units = 1
	}
	return units
}
