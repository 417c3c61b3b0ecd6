// Package audit records the outcome of every delegation attempt.
//
// The Recorder assigns a run-wide sequence number to each record, refuses
// records that would break per-task attempt ordering, and fans records out
// to sinks (the run journal, a NATS subject) and Prometheus metrics.
package audit

import (
	"time"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Outcome is the terminal state of one attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
)

// Record is the immutable account of one delegation attempt.
type Record struct {
	ID            string           `json:"id"`
	RunID         string           `json:"run_id"`
	Seq           uint64           `json:"seq"`
	TaskID        string           `json:"task_id"`
	Phase         agent.Phase      `json:"phase"`
	Attempt       int              `json:"attempt"`
	HandlerTag    agent.Capability `json:"handler_tag"`
	StartTime     time.Time        `json:"start_time"`
	EndTime       time.Time        `json:"end_time"`
	UnitsReserved int64            `json:"units_reserved"`
	UnitsConsumed int64            `json:"units_consumed"`
	Outcome       Outcome          `json:"outcome"`
	ErrorClass    agent.ErrorClass `json:"error_class,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// Duration returns how long the attempt ran.
func (r Record) Duration() time.Duration {
	if r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
