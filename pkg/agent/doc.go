// Package agent defines the contract between the orchestration core and the
// handlers it delegates work to.
//
// A handler is any implementation of [Handler]. It receives an immutable
// [Task], the slice of context entries the task named, and the budget it may
// spend. It returns a [Result] or an [*Error] carrying an [ErrorClass] that
// drives retry and escalation decisions.
//
// Capabilities are a closed set. A handler is registered under exactly one
// [Capability] and the orchestrator never dispatches by free-form name.
package agent
