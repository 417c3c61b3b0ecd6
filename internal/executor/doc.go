// Package executor runs one task against one handler.
//
// Each attempt is pre-checked, invoked under a hard timeout, post-checked,
// settled against the budget ledger, and recorded. Transient failures and
// timeouts are retried up to MaxRetries; each retry reserves a fresh budget
// slice. Every attempt ends in exactly one audit record: intermediate
// attempts are marked retried and the last one success or failed.
package executor
