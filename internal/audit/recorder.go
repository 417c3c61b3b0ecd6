package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrOutOfOrder is returned when a record's attempt does not follow the
// task's previous attempt.
var ErrOutOfOrder = errors.New("delegation record out of order")

// Sink receives every accepted record.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// Recorder is the ordered, in-memory delegation log of one run.
type Recorder struct {
	mu          sync.Mutex
	runID       string
	seq         uint64
	records     []Record
	lastAttempt map[string]int

	sinks   []Sink
	metrics *Metrics
	logger  *zap.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(r *Recorder) {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
}

// WithMetrics sets the Prometheus metrics to update.
func WithMetrics(m *Metrics) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder creates a recorder for runID.
func NewRecorder(runID string, opts ...Option) *Recorder {
	r := &Recorder{
		runID:       runID,
		lastAttempt: make(map[string]int),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seed loads records from an earlier execution of the same run without
// re-sending them to sinks. Sequence and attempt counters continue after
// the seeded records.
func (r *Recorder) Seed(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.records = append(r.records, rec)
		if rec.Seq > r.seq {
			r.seq = rec.Seq
		}
		if rec.Attempt > r.lastAttempt[rec.TaskID] {
			r.lastAttempt[rec.TaskID] = rec.Attempt
		}
	}
}

// Append assigns the next sequence number to rec, stores it, and forwards
// it to every sink. Sink failures are returned but do not undo the append.
func (r *Recorder) Append(ctx context.Context, rec Record) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.TaskID == "" {
		return Record{}, fmt.Errorf("%w: record without task id", ErrOutOfOrder)
	}
	if last := r.lastAttempt[rec.TaskID]; rec.Attempt <= last {
		return Record{}, fmt.Errorf("%w: task %s attempt %d after %d", ErrOutOfOrder, rec.TaskID, rec.Attempt, last)
	}

	r.seq++
	rec.Seq = r.seq
	rec.RunID = r.runID
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	r.records = append(r.records, rec)
	r.lastAttempt[rec.TaskID] = rec.Attempt
	r.metrics.observe(rec)

	r.logger.Debug("delegation recorded",
		zap.String("run.id", r.runID),
		zap.String("task.id", rec.TaskID),
		zap.Int("attempt", rec.Attempt),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("error_class", string(rec.ErrorClass)),
		zap.Int64("units", rec.UnitsConsumed),
	)

	var errs []error
	for _, s := range r.sinks {
		if err := s.Write(ctx, rec); err != nil {
			r.logger.Warn("audit sink write failed", zap.String("task.id", rec.TaskID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return rec, errors.Join(errs...)
}

// NextAttempt returns the attempt number the next record for taskID must
// carry at minimum.
func (r *Recorder) NextAttempt(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAttempt[taskID] + 1
}

// Records returns a copy of all records in append order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// RecordsFor returns the records of one task in append order.
func (r *Recorder) RecordsFor(taskID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out
}

// Succeeded reports whether taskID has a success record.
func (r *Recorder) Succeeded(taskID string) bool {
	for _, rec := range r.RecordsFor(taskID) {
		if rec.Outcome == OutcomeSuccess {
			return true
		}
	}
	return false
}

// Metrics returns the metrics the recorder updates, or nil.
func (r *Recorder) Metrics() *Metrics {
	return r.metrics
}
