// Package budget implements the run-scoped resource ledger.
//
// A Ledger owns the total ceiling and the per-phase ceilings of one run.
// Callers reserve units before a delegation, then either commit the actual
// consumption or release the whole reservation. Every mutation runs under a
// single mutex, so concurrent reservations that would jointly exceed either
// ceiling can never both succeed.
//
// Ledgers are values threaded through the call graph. There is no package
// level ledger.
package budget
