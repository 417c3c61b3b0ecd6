package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/budget"
	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	"github.com/fyrsmithlabs/phasectl/internal/compression"
	"github.com/fyrsmithlabs/phasectl/internal/contextstore"
	"github.com/fyrsmithlabs/phasectl/internal/executor"
	"github.com/fyrsmithlabs/phasectl/internal/gate"
	"github.com/fyrsmithlabs/phasectl/internal/registry"
	"github.com/fyrsmithlabs/phasectl/internal/selector"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

const instrumentationName = "github.com/fyrsmithlabs/phasectl/internal/orchestrator"

// DefaultWorkers bounds concurrent tasks within a phase.
const DefaultWorkers = 4

// producer recorded on context entries seeded from the run request.
const initialProducer = "initial"

// Status is the reported state of a run.
type Status = checkpoint.Status

// Journal persists runs, their delegation records and checkpoints.
type Journal interface {
	CreateRun(ctx context.Context, header checkpoint.RunHeader) error
	Write(ctx context.Context, r audit.Record) error
	SaveCheckpoint(ctx context.Context, runID string, phase agent.Phase, snap contextstore.Snapshot, ledger budget.Snapshot, lastSeq uint64) (*checkpoint.Checkpoint, error)
	SetStatus(ctx context.Context, st checkpoint.Status) error
	Load(ctx context.Context, runID string) (*checkpoint.Run, error)
	LoadContext(ctx context.Context, runID, ref string) (contextstore.Snapshot, error)
}

// Config is the static run policy.
type Config struct {
	Executor executor.Config

	// Workers bounds concurrent tasks within a phase.
	Workers int

	// MaxEscalations is how many times a task rejected by a post-check or
	// reporting ValidationFailure is re-delegated with the rejection
	// reasons in its context.
	MaxEscalations int

	// CompactOnBoundary folds a finished phase's unreferenced outputs into
	// one summary entry before checkpointing.
	CompactOnBoundary bool

	// SummaryRatio is the compression target for summaries.
	SummaryRatio float64

	Estimator budget.Estimator

	// TotalUnits and PhaseCeilings apply when a request does not set them.
	TotalUnits    int64
	PhaseCeilings map[agent.Phase]int64

	// Skills are opaque blobs handed to handlers by name.
	Skills map[string]string
}

// Deps are the collaborators a controller drives.
type Deps struct {
	Registry  *registry.Registry
	Selector  *selector.Selector
	Validator *gate.Validator
	Journal   Journal

	// Sinks receive every delegation record in addition to the journal.
	Sinks      []audit.Sink
	Metrics    *audit.Metrics
	Compressor compression.Compressor
	Logger     *zap.Logger
}

// Controller runs plans through the phase sequence.
type Controller struct {
	cfg        Config
	registry   *registry.Registry
	selector   *selector.Selector
	validator  *gate.Validator
	journal    Journal
	sinks      []audit.Sink
	metrics    *audit.Metrics
	compressor compression.Compressor
	logger     *zap.Logger
	tracer     trace.Tracer

	progressMu sync.RWMutex
	progress   ProgressCallback

	mu     sync.Mutex
	active map[string]*Status
	plans  map[string]string // plan digest -> executing run
	closed bool

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewController creates a controller.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	if deps.Registry == nil || deps.Selector == nil || deps.Validator == nil || deps.Journal == nil {
		return nil, errors.New("orchestrator: registry, selector, validator and journal are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxEscalations < 0 {
		cfg.MaxEscalations = 0
	}
	if cfg.SummaryRatio <= 0 {
		cfg.SummaryRatio = compression.DefaultTargetRatio
	}
	if deps.Compressor == nil {
		deps.Compressor = compression.NewExtractiveCompressor()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		registry:   deps.Registry,
		selector:   deps.Selector,
		validator:  deps.Validator,
		journal:    deps.Journal,
		sinks:      deps.Sinks,
		metrics:    deps.Metrics,
		compressor: deps.Compressor,
		logger:     deps.Logger,
		tracer:     otel.Tracer(instrumentationName),
		active:     make(map[string]*Status),
		plans:      make(map[string]string),
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

// OnProgress sets the progress callback.
func (c *Controller) OnProgress(cb ProgressCallback) {
	c.progressMu.Lock()
	c.progress = cb
	c.progressMu.Unlock()
}

func (c *Controller) report(p PhaseProgress) {
	c.progressMu.RLock()
	cb := c.progress
	c.progressMu.RUnlock()
	if cb != nil {
		cb(p)
	}
}

// Run validates and executes req, returning when the run reaches a
// terminal status.
func (c *Controller) Run(ctx context.Context, req RunRequest) (Status, error) {
	r, err := c.prepare(ctx, req)
	if err != nil {
		return Status{}, err
	}
	return c.execute(ctx, r), nil
}

// Submit validates req, journals it and executes it in the background. The
// run is cancelled by Shutdown and then reports RESUMABLE.
func (c *Controller) Submit(ctx context.Context, req RunRequest) (string, error) {
	r, err := c.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	c.background(r)
	return r.id, nil
}

// Resume continues runID from the phase after its last checkpoint and
// returns when the run reaches a terminal status.
func (c *Controller) Resume(ctx context.Context, runID string) (Status, error) {
	r, err := c.prepareResume(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	return c.execute(ctx, r), nil
}

// StartResume is Resume in the background.
func (c *Controller) StartResume(ctx context.Context, runID string) error {
	r, err := c.prepareResume(ctx, runID)
	if err != nil {
		return err
	}
	c.background(r)
	return nil
}

func (c *Controller) background(r *run) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(c.baseCtx, r)
	}()
}

// Status returns the current status of runID. A journaled run with no
// terminal status that is not executing here was interrupted and is
// reported RESUMABLE.
func (c *Controller) Status(ctx context.Context, runID string) (Status, error) {
	c.mu.Lock()
	if st, ok := c.active[runID]; ok {
		out := *st
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	stored, err := c.journal.Load(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	if stored.Status != nil && stored.Status.State.Terminal() {
		return *stored.Status, nil
	}
	st := Status{RunID: runID, State: checkpoint.StateResumable}
	if stored.Status != nil {
		st.Phase = stored.Status.Phase
		st.UpdatedAt = stored.Status.UpdatedAt
	}
	if cp := stored.LatestCheckpoint(); cp != nil {
		st.CheckpointRef = cp.ID
	}
	return st, nil
}

// Records returns the journaled delegation records of runID.
func (c *Controller) Records(ctx context.Context, runID string) ([]audit.Record, error) {
	stored, err := c.journal.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return stored.Records, nil
}

// Shutdown cancels background runs and waits for them to record their
// status, or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// activate marks runID executing. A non-empty digest also claims the plan,
// so an identical submission is refused until this run ends.
func (c *Controller) activate(runID string, phase agent.Phase, digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShuttingDown
	}
	if _, ok := c.active[runID]; ok {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	if digest != "" {
		if other, ok := c.plans[digest]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateRun, other)
		}
		c.plans[digest] = runID
	}
	c.active[runID] = &Status{RunID: runID, State: checkpoint.StateRunning, Phase: phase}
	return nil
}

func (c *Controller) deactivate(runID string) {
	c.mu.Lock()
	delete(c.active, runID)
	for digest, id := range c.plans {
		if id == runID {
			delete(c.plans, digest)
		}
	}
	c.mu.Unlock()
}

func planDigest(plan []byte) string {
	sum := sha256.Sum256(plan)
	return hex.EncodeToString(sum[:])
}

func (c *Controller) prepare(ctx context.Context, req RunRequest) (*run, error) {
	if req.TotalBudget == 0 {
		req.TotalBudget = c.cfg.TotalUnits
	}
	req.PhaseCeilings = mergeCeilings(c.cfg.PhaseCeilings, req.PhaseCeilings)
	req = req.normalized()

	sched, err := buildSchedule(req)
	if err != nil {
		return nil, err
	}
	if err := c.checkSkills(sched); err != nil {
		return nil, err
	}
	ledger, err := budget.NewLedger(budget.Config{TotalUnits: req.TotalBudget, PhaseCeilings: req.PhaseCeilings}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}

	plan, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding plan: %w", err)
	}
	runID := NewRunID()
	if err := c.activate(runID, agent.PhasePlan, planDigest(plan)); err != nil {
		return nil, err
	}
	if err := c.journal.CreateRun(ctx, checkpoint.RunHeader{RunID: runID, Plan: plan}); err != nil {
		c.deactivate(runID)
		return nil, fmt.Errorf("journaling run: %w", err)
	}

	store := contextstore.New(contextstore.WithCompressor(c.compressor))
	if err := seedContext(store, req.InitialContext); err != nil {
		c.deactivate(runID)
		return nil, err
	}

	r, err := c.newRun(runID, sched, ledger, store, nil)
	if err != nil {
		c.deactivate(runID)
		return nil, err
	}
	r.start = agent.PhasePlan
	c.logger.Info("run submitted", zap.String("run.id", runID), zap.Int64("budget.total", req.TotalBudget))
	return r, nil
}

func (c *Controller) prepareResume(ctx context.Context, runID string) (*run, error) {
	if err := c.activate(runID, "", ""); err != nil {
		return nil, err
	}
	r, err := c.loadRun(ctx, runID)
	if err != nil {
		c.deactivate(runID)
		return nil, err
	}
	c.logger.Info("run resumed",
		zap.String("run.id", runID),
		zap.String("phase", string(r.start)),
		zap.String("checkpoint.id", r.lastCheckpoint),
	)
	return r, nil
}

// loadRun rebuilds a run from its journal: the context store from the last
// checkpoint, the ledger from the checkpoint's budget snapshot plus every
// unit committed after it.
func (c *Controller) loadRun(ctx context.Context, runID string) (*run, error) {
	stored, err := c.journal.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if stored.Status != nil && stored.Status.State == checkpoint.StateComplete {
		return nil, fmt.Errorf("%w: %s", ErrRunComplete, runID)
	}

	var req RunRequest
	if err := json.Unmarshal(stored.Header.Plan, &req); err != nil {
		return nil, fmt.Errorf("decoding plan of %s: %w", runID, err)
	}
	sched, err := buildSchedule(req)
	if err != nil {
		return nil, err
	}

	store := contextstore.New(contextstore.WithCompressor(c.compressor))
	start := agent.PhasePlan
	base := budget.Snapshot{TotalUnits: req.TotalBudget, PhaseCeilings: req.PhaseCeilings}
	var after uint64
	var cpID string

	if cp := stored.LatestCheckpoint(); cp != nil {
		next, ok := cp.Phase.Next()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRunComplete, runID)
		}
		snap, err := c.journal.LoadContext(ctx, runID, cp.ContextSnapshotRef)
		if err != nil {
			return nil, err
		}
		if err := store.Restore(snap); err != nil {
			return nil, fmt.Errorf("restoring context of %s: %w", runID, err)
		}
		start, base, after, cpID = next, cp.BudgetSnapshot, cp.LastRecordSeq, cp.ID
	} else if err := seedContext(store, req.InitialContext); err != nil {
		return nil, err
	}

	for _, rec := range stored.RecordsAfter(after) {
		if rec.UnitsConsumed > 0 {
			base = base.WithConsumption(rec.Phase, rec.UnitsConsumed)
		}
	}
	ledger, err := budget.Restore(base, c.logger)
	if err != nil {
		return nil, err
	}

	r, err := c.newRun(runID, sched, ledger, store, stored.Records)
	if err != nil {
		return nil, err
	}
	r.start = start
	r.lastCheckpoint = cpID
	return r, nil
}

func (c *Controller) newRun(runID string, sched *schedule, ledger *budget.Ledger, store *contextstore.Store, prior []audit.Record) (*run, error) {
	logger := c.logger.With(zap.String("run.id", runID))

	opts := []audit.Option{
		audit.WithSink(c.journal),
		audit.WithMetrics(c.metrics),
		audit.WithLogger(logger),
	}
	for _, s := range c.sinks {
		opts = append(opts, audit.WithSink(s))
	}
	recorder := audit.NewRecorder(runID, opts...)
	recorder.Seed(prior)

	exec, err := executor.NewExecutor(c.cfg.Executor, c.registry, ledger, c.validator, recorder, logger)
	if err != nil {
		return nil, err
	}
	return &run{
		c:        c,
		id:       runID,
		sched:    sched,
		ledger:   ledger,
		store:    store,
		recorder: recorder,
		exec:     exec,
		logger:   logger,
	}, nil
}

func (c *Controller) checkSkills(s *schedule) error {
	var errs []error
	for _, tasks := range s.tasks {
		for _, t := range tasks {
			for _, name := range t.Skills {
				if _, ok := c.cfg.Skills[name]; !ok {
					errs = append(errs, fmt.Errorf("task %s names unknown skill %q", t.ID, name))
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, errors.Join(errs...))
	}
	return nil
}

func seedContext(store *contextstore.Store, initial map[string]string) error {
	keys := make([]string, 0, len(initial))
	for k := range initial {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := store.Put(k, initial[k], initialProducer); err != nil {
			return fmt.Errorf("seeding context: %w", err)
		}
	}
	return nil
}

func mergeCeilings(defaults, overrides map[agent.Phase]int64) map[agent.Phase]int64 {
	if len(defaults) == 0 && len(overrides) == 0 {
		return nil
	}
	out := make(map[agent.Phase]int64, len(defaults)+len(overrides))
	for p, u := range defaults {
		out[p] = u
	}
	for p, u := range overrides {
		out[p] = u
	}
	return out
}
