package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/budget"
	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	"github.com/fyrsmithlabs/phasectl/internal/contextstore"
	"github.com/fyrsmithlabs/phasectl/internal/executor"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Transition labels for states that are not phases.
const (
	stateStart    = "START"
	stateComplete = "COMPLETE"
	stateFailed   = "FAILED"
)

// run is the state of one executing run.
type run struct {
	c        *Controller
	id       string
	sched    *schedule
	ledger   *budget.Ledger
	store    *contextstore.Store
	recorder *audit.Recorder
	exec     *executor.Executor
	logger   *zap.Logger

	start          agent.Phase
	lastCheckpoint string
}

// taskState lets dependents wait for a same-phase task. ok is written
// before done is closed and read only after.
type taskState struct {
	done chan struct{}
	ok   bool
}

// execute drives r from its start phase to a terminal status.
func (c *Controller) execute(ctx context.Context, r *run) Status {
	defer c.deactivate(r.id)

	prev := stateStart
	if p, ok := r.previousPhase(); ok {
		prev = string(p)
	}

	for _, phase := range agent.AllPhases() {
		if phase.Index() < r.start.Index() {
			continue
		}
		if ctx.Err() != nil {
			return c.finish(ctx, r, Status{State: checkpoint.StateResumable, Phase: phase, ErrorClass: agent.ErrorCancelled, Reason: ctx.Err().Error()})
		}

		c.metrics.Transition(prev, string(phase))
		c.setStatus(ctx, r, Status{State: checkpoint.StateRunning, Phase: phase})
		c.report(PhaseProgress{RunID: r.id, Phase: phase, State: ProgressStarted,
			Message: fmt.Sprintf("starting phase %s", phase), Percentage: percentage(phase, false)})

		err := r.runPhase(ctx, phase)
		if err == nil {
			err = r.closePhase(ctx, phase)
		}
		if err != nil {
			if ctx.Err() != nil {
				return c.finish(ctx, r, Status{State: checkpoint.StateResumable, Phase: phase, ErrorClass: agent.ErrorCancelled, Reason: ctx.Err().Error()})
			}
			st := Status{State: checkpoint.StateFailed, Phase: phase, ErrorClass: agent.ErrorFatal, Reason: err.Error()}
			var pe *PhaseError
			if errors.As(err, &pe) {
				st.ErrorClass = pe.Class
				st.Reason = fmt.Sprintf("task %s: %s", pe.TaskID, pe.Reason)
			}
			c.metrics.Transition(string(phase), stateFailed)
			c.report(PhaseProgress{RunID: r.id, Phase: phase, State: ProgressFailed,
				Message: st.Reason, Percentage: percentage(phase, false)})
			return c.finish(ctx, r, st)
		}

		c.report(PhaseProgress{RunID: r.id, Phase: phase, State: ProgressCompleted,
			Message: fmt.Sprintf("completed phase %s", phase), Percentage: percentage(phase, true)})
		prev = string(phase)
	}

	c.metrics.Transition(prev, stateComplete)
	return c.finish(ctx, r, Status{State: checkpoint.StateComplete, Phase: agent.PhaseRelease})
}

func (r *run) previousPhase() (agent.Phase, bool) {
	i := r.start.Index()
	if i <= 0 {
		return "", false
	}
	return agent.AllPhases()[i-1], true
}

func (c *Controller) setStatus(ctx context.Context, r *run, st Status) {
	st.RunID = r.id
	st.CheckpointRef = r.lastCheckpoint
	st.UpdatedAt = time.Now().UTC()

	c.mu.Lock()
	if cur, ok := c.active[r.id]; ok {
		*cur = st
	}
	c.mu.Unlock()

	if err := c.journal.SetStatus(context.WithoutCancel(ctx), st); err != nil {
		r.logger.Warn("failed to journal status", zap.String("state", string(st.State)), zap.Error(err))
	}
}

func (c *Controller) finish(ctx context.Context, r *run, st Status) Status {
	c.setStatus(ctx, r, st)
	st.RunID = r.id
	st.CheckpointRef = r.lastCheckpoint
	c.metrics.RunFinished(string(st.State))

	fields := []zap.Field{
		zap.String("state", string(st.State)),
		zap.String("phase", string(st.Phase)),
		zap.String("checkpoint.id", st.CheckpointRef),
	}
	if st.State == checkpoint.StateComplete {
		r.logger.Info("run finished", fields...)
	} else {
		fields = append(fields, zap.String("error_class", string(st.ErrorClass)), zap.String("reason", st.Reason))
		r.logger.Warn("run stopped", fields...)
	}
	return st
}

// runPhase runs every task of phase. It returns nil only when each task
// has succeeded.
func (r *run) runPhase(ctx context.Context, phase agent.Phase) error {
	tasks := r.sched.tasks[phase]
	ctx, span := r.c.tracer.Start(ctx, "orchestrator.phase",
		trace.WithAttributes(
			attribute.String("run.id", r.id),
			attribute.String("phase", string(phase)),
			attribute.Int("tasks", len(tasks)),
		),
	)
	defer span.End()

	r.store.BeginPhase(phase)
	defer r.store.EndPhase()

	states := make(map[string]*taskState, len(tasks))
	for _, t := range tasks {
		states[t.ID] = &taskState{done: make(chan struct{})}
	}

	// Tasks are dispatched in dependency order, so the oldest running task
	// never waits on one that has not been started.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.c.cfg.Workers)
	for _, t := range tasks {
		st := states[t.ID]
		g.Go(func() error {
			defer close(st.done)
			for _, dep := range r.sched.deps[t.ID] {
				ds := states[dep]
				select {
				case <-ds.done:
					if !ds.ok {
						return nil
					}
				case <-gctx.Done():
					return nil
				}
			}
			if gctx.Err() != nil {
				return nil
			}
			if err := r.runTask(gctx, t); err != nil {
				return err
			}
			st.ok = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "phase failed")
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, t := range tasks {
		if !states[t.ID].ok {
			return &PhaseError{Phase: phase, TaskID: t.ID, Class: agent.ErrorFatal, Reason: "task has no successful delegation"}
		}
	}
	return nil
}

// closePhase compacts the phase's outputs and writes the checkpoint.
func (r *run) closePhase(ctx context.Context, phase agent.Phase) error {
	tasks := r.sched.tasks[phase]
	if r.c.cfg.CompactOnBoundary && len(tasks) > 0 {
		keys := make([]string, 0, len(tasks))
		for _, t := range tasks {
			keys = append(keys, t.ResultKey())
		}
		res, err := r.store.Compact(ctx, contextstore.CompactRequest{
			Keys:        keys,
			Pending:     r.sched.inputsAfter(phase),
			SummaryKey:  summaryKey(phase),
			ProducedBy:  "phase:" + string(phase),
			TargetRatio: r.c.cfg.SummaryRatio,
		})
		if err != nil {
			return fmt.Errorf("compacting %s: %w", phase, err)
		}
		r.logger.Debug("phase compacted",
			zap.String("phase", string(phase)),
			zap.Strings("folded", res.Folded),
			zap.Strings("retained", res.Retained),
			zap.Int("discarded_versions", res.Discarded),
		)
	}

	var lastSeq uint64
	if recs := r.recorder.Records(); len(recs) > 0 {
		lastSeq = recs[len(recs)-1].Seq
	}
	cp, err := r.c.journal.SaveCheckpoint(context.WithoutCancel(ctx), r.id, phase, r.store.Snapshot(), r.ledger.Snapshot(), lastSeq)
	if err != nil {
		return fmt.Errorf("checkpointing %s: %w", phase, err)
	}
	r.lastCheckpoint = cp.ID
	return nil
}

func summaryKey(phase agent.Phase) string {
	return "_summary." + string(phase)
}
