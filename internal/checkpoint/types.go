package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/budget"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// State is the reported state of a run.
type State string

const (
	StateRunning   State = "RUNNING"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
	StateResumable State = "RESUMABLE"
)

// Terminal reports whether no further progress happens without a resume.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateResumable
}

// Status is the externally reported outcome of a run.
type Status struct {
	RunID string `json:"run_id"`
	State State  `json:"state"`
	// Phase is the running phase, or the phase that failed.
	Phase         agent.Phase      `json:"phase,omitempty"`
	ErrorClass    agent.ErrorClass `json:"error_class,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	CheckpointRef string           `json:"checkpoint_ref,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Checkpoint marks the successful completion of a phase.
type Checkpoint struct {
	ID                 string          `json:"id"`
	RunID              string          `json:"run_id"`
	Phase              agent.Phase     `json:"phase"`
	ContextSnapshotRef string          `json:"context_snapshot_ref"`
	BudgetSnapshot     budget.Snapshot `json:"budget_snapshot"`
	// LastRecordSeq is the sequence of the last delegation record
	// appended before the checkpoint.
	LastRecordSeq uint64    `json:"last_record_seq"`
	Timestamp     time.Time `json:"timestamp"`
}

// RunHeader is the first journal entry of a run.
type RunHeader struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	// Plan is the submitted run request, stored verbatim.
	Plan json.RawMessage `json:"plan"`
}

// EntryKind tags a journal line.
type EntryKind string

const (
	KindRun        EntryKind = "run"
	KindRecord     EntryKind = "record"
	KindCheckpoint EntryKind = "checkpoint"
	KindStatus     EntryKind = "status"
)

// Entry is one journal line.
type Entry struct {
	Kind       EntryKind     `json:"kind"`
	Run        *RunHeader    `json:"run,omitempty"`
	Record     *audit.Record `json:"record,omitempty"`
	Checkpoint *Checkpoint   `json:"checkpoint,omitempty"`
	Status     *Status       `json:"status,omitempty"`
}

// Run is everything the journal knows about one run.
type Run struct {
	Header      RunHeader
	Records     []audit.Record
	Checkpoints []Checkpoint
	Status      *Status
}

// LatestCheckpoint returns the most recent checkpoint, or nil.
func (r *Run) LatestCheckpoint() *Checkpoint {
	if len(r.Checkpoints) == 0 {
		return nil
	}
	cp := r.Checkpoints[len(r.Checkpoints)-1]
	return &cp
}

// RecordsAfter returns records with a sequence greater than seq.
func (r *Run) RecordsAfter(seq uint64) []audit.Record {
	var out []audit.Record
	for _, rec := range r.Records {
		if rec.Seq > seq {
			out = append(out, rec)
		}
	}
	return out
}
