// Package gate runs the pass/fail checks around a delegation.
//
// Pre-gates run before a handler is invoked and decide whether the attempt
// may spend resources at all. Post-gates inspect the handler's result and
// can turn an otherwise successful invocation into a QualityGate failure.
// A Validator aggregates the gates of each kind into one Result whose
// reasons are prefixed with the name of the gate that produced them.
package gate
