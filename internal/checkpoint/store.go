package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/budget"
	"github.com/fyrsmithlabs/phasectl/internal/contextstore"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

const instrumentationName = "github.com/fyrsmithlabs/phasectl/internal/checkpoint"

const (
	journalFile = "journal.jsonl"
	contextDir  = "context"
	maxLineSize = 16 << 20
)

// Errors for store operations.
var (
	ErrRunNotFound     = errors.New("run not found")
	ErrRunExists       = errors.New("run already exists")
	ErrInvalidRunID    = errors.New("invalid run id")
	ErrCorruptJournal  = errors.New("journal corrupted")
	ErrInvalidSnapshot = errors.New("invalid context snapshot reference")
	ErrClosed          = errors.New("checkpoint store closed")
)

var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateRunID rejects IDs that are not safe as a directory name.
func ValidateRunID(runID string) error {
	if len(runID) > 128 || !runIDPattern.MatchString(runID) {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return nil
}

// Store is a filesystem journal of runs.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	tracer      trace.Tracer
	saveCounter metric.Int64Counter

	mu     sync.Mutex
	closed bool
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("checkpoint store directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ensureDirDurable(filepath.Join(dir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	var err error
	s.saveCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"phasectl.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		logger.Warn("failed to create save counter", zap.Error(err))
	}
	return s, nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.dir, "runs", runID)
}

func (s *Store) journalPath(runID string) string {
	return filepath.Join(s.runDir(runID), journalFile)
}

// CreateRun writes the run header. It fails if the run already exists.
func (s *Store) CreateRun(ctx context.Context, header RunHeader) error {
	if err := ValidateRunID(header.RunID); err != nil {
		return err
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := os.Stat(s.journalPath(header.RunID)); err == nil {
		return fmt.Errorf("%w: %s", ErrRunExists, header.RunID)
	}
	if err := ensureDirDurable(filepath.Join(s.runDir(header.RunID), contextDir), 0o755); err != nil {
		return fmt.Errorf("creating run %s: %w", header.RunID, err)
	}
	return s.appendLocked(header.RunID, Entry{Kind: KindRun, Run: &header})
}

// Write appends a delegation record. It makes the store an audit sink.
func (s *Store) Write(_ context.Context, r audit.Record) error {
	return s.append(r.RunID, Entry{Kind: KindRecord, Record: &r})
}

// SetStatus appends a status change.
func (s *Store) SetStatus(_ context.Context, st Status) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now().UTC()
	}
	return s.append(st.RunID, Entry{Kind: KindStatus, Status: &st})
}

// SaveCheckpoint persists the context snapshot and then journals the
// checkpoint that references it.
func (s *Store) SaveCheckpoint(ctx context.Context, runID string, phase agent.Phase, snap contextstore.Snapshot, ledger budget.Snapshot, lastSeq uint64) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("phase", string(phase)),
		attribute.Int("context.entries", snap.Len()),
	)

	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:             uuid.New().String(),
		RunID:          runID,
		Phase:          phase,
		BudgetSnapshot: ledger,
		LastRecordSeq:  lastSeq,
		Timestamp:      s.now().UTC(),
	}
	cp.ContextSnapshotRef = filepath.ToSlash(filepath.Join(contextDir, cp.ID+".json"))

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling context snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, err := os.Stat(s.journalPath(runID)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	path := filepath.Join(s.runDir(runID), filepath.FromSlash(cp.ContextSnapshotRef))
	if err := writeFileAtomicDurable(path, data, 0o600); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot write failed")
		return nil, fmt.Errorf("writing context snapshot: %w", err)
	}
	if err := s.appendLocked(runID, Entry{Kind: KindCheckpoint, Checkpoint: cp}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "journal append failed")
		return nil, err
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(phase))))
	}
	s.logger.Info("checkpoint saved",
		zap.String("run.id", runID),
		zap.String("phase", string(phase)),
		zap.String("checkpoint.id", cp.ID),
	)
	return cp, nil
}

// LoadContext reads the context snapshot a checkpoint references.
func (s *Store) LoadContext(_ context.Context, runID, ref string) (contextstore.Snapshot, error) {
	var snap contextstore.Snapshot
	if err := ValidateRunID(runID); err != nil {
		return snap, err
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || filepath.Dir(clean) != contextDir {
		return snap, fmt.Errorf("%w: %q", ErrInvalidSnapshot, ref)
	}

	data, err := os.ReadFile(filepath.Join(s.runDir(runID), clean))
	if err != nil {
		return snap, fmt.Errorf("reading context snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("%w: %s: %v", ErrInvalidSnapshot, ref, err)
	}
	if snap.Keys == nil {
		snap.Keys = make(map[string]contextstore.KeySnapshot)
	}
	return snap, nil
}

// Load replays the journal of runID. A truncated final line, left by a
// crash mid-append, is ignored.
func (s *Store) Load(_ context.Context, runID string) (*Run, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.journalPath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}

	run := &Run{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	var pendingErr error
	for sc.Scan() {
		line++
		if pendingErr != nil {
			return nil, pendingErr
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			pendingErr = fmt.Errorf("%w: %s line %d: %v", ErrCorruptJournal, runID, line, err)
			continue
		}
		if err := run.apply(e); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorruptJournal, runID, line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning journal: %w", err)
	}
	if pendingErr != nil {
		s.logger.Warn("ignoring truncated journal tail", zap.String("run.id", runID), zap.Error(pendingErr))
	}
	if run.Header.RunID == "" {
		return nil, fmt.Errorf("%w: %s: missing run header", ErrCorruptJournal, runID)
	}
	return run, nil
}

func (r *Run) apply(e Entry) error {
	switch e.Kind {
	case KindRun:
		if e.Run == nil || r.Header.RunID != "" {
			return errors.New("unexpected run header")
		}
		r.Header = *e.Run
	case KindRecord:
		if e.Record == nil {
			return errors.New("empty record entry")
		}
		r.Records = append(r.Records, *e.Record)
	case KindCheckpoint:
		if e.Checkpoint == nil {
			return errors.New("empty checkpoint entry")
		}
		r.Checkpoints = append(r.Checkpoints, *e.Checkpoint)
	case KindStatus:
		if e.Status == nil {
			return errors.New("empty status entry")
		}
		st := *e.Status
		r.Status = &st
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	return nil
}

// ListRuns returns run IDs in sorted order.
func (s *Store) ListRuns(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "runs"))
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && ValidateRunID(e.Name()) == nil {
			if _, err := os.Stat(s.journalPath(e.Name())); err == nil {
				ids = append(ids, e.Name())
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune removes runs that ended COMPLETE or FAILED before cutoff and returns
// their IDs. Interrupted and running runs are kept.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	var pruned []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		run, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable run", zap.String("run.id", id), zap.Error(err))
			continue
		}
		if run.Status == nil || !run.Status.UpdatedAt.Before(cutoff) {
			continue
		}
		if st := run.Status.State; st != StateComplete && st != StateFailed {
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return pruned, ErrClosed
		}
		err = os.RemoveAll(s.runDir(id))
		s.mu.Unlock()
		if err != nil {
			return pruned, fmt.Errorf("removing run %s: %w", id, err)
		}
		pruned = append(pruned, id)
	}
	if len(pruned) > 0 {
		s.logger.Info("pruned finished runs", zap.Int("count", len(pruned)), zap.Time("cutoff", cutoff))
	}
	return pruned, nil
}

// Close stops further writes.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) append(runID string, e Entry) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := os.Stat(s.journalPath(runID)); err != nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return s.appendLocked(runID, e)
}

// appendLocked writes one line and syncs it. Caller holds s.mu.
func (s *Store) appendLocked(runID string, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling %s entry: %w", e.Kind, err)
	}
	f, err := os.OpenFile(s.journalPath(runID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending %s entry: %w", e.Kind, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing journal: %w", err)
	}
	return f.Close()
}
