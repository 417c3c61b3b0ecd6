package audit

import (
	"sort"
	"time"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Summary aggregates the records of a run.
type Summary struct {
	Total          int                      `json:"total"`
	ByOutcome      map[Outcome]int          `json:"by_outcome"`
	ByErrorClass   map[agent.ErrorClass]int `json:"by_error_class,omitempty"`
	UnitsByPhase   map[agent.Phase]int64    `json:"units_by_phase"`
	TotalUnits     int64                    `json:"total_units"`
	MeanDuration   time.Duration            `json:"mean_duration"`
	SlowestTaskID  string                   `json:"slowest_task_id,omitempty"`
	SlowestElapsed time.Duration            `json:"slowest_elapsed,omitempty"`
}

// Summarize computes a Summary over records.
func Summarize(records []Record) Summary {
	s := Summary{
		ByOutcome:    make(map[Outcome]int),
		ByErrorClass: make(map[agent.ErrorClass]int),
		UnitsByPhase: make(map[agent.Phase]int64),
	}
	var total time.Duration
	for _, r := range records {
		s.Total++
		s.ByOutcome[r.Outcome]++
		if r.ErrorClass != "" {
			s.ByErrorClass[r.ErrorClass]++
		}
		s.UnitsByPhase[r.Phase] += r.UnitsConsumed
		s.TotalUnits += r.UnitsConsumed
		d := r.Duration()
		total += d
		if d > s.SlowestElapsed {
			s.SlowestElapsed = d
			s.SlowestTaskID = r.TaskID
		}
	}
	if s.Total > 0 {
		s.MeanDuration = total / time.Duration(s.Total)
	}
	return s
}

// Summary summarizes the recorder's records.
func (r *Recorder) Summary() Summary {
	return Summarize(r.Records())
}

// ByTask groups records per task, preserving order, with task IDs sorted.
func ByTask(records []Record) ([]string, map[string][]Record) {
	grouped := make(map[string][]Record)
	for _, r := range records {
		grouped[r.TaskID] = append(grouped[r.TaskID], r)
	}
	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, grouped
}
