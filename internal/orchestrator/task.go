package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/budget"
	"github.com/fyrsmithlabs/phasectl/internal/executor"
	"github.com/fyrsmithlabs/phasectl/internal/gate"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// EscalationKey holds the rejection reasons of earlier attempts when a
// task is re-delegated.
const EscalationKey = "_escalation"

// runTask delegates task until it succeeds or its retry and escalation
// allowance is spent.
func (r *run) runTask(ctx context.Context, task agent.Task) error {
	decision := r.c.selector.Explain(task)
	ctx, span := r.c.tracer.Start(ctx, "orchestrator.task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("phase", string(task.Phase)),
			attribute.String("capability", string(decision.Capability)),
			attribute.String("selector.rule", decision.Rule),
		),
	)
	defer span.End()

	logger := r.logger.With(
		zap.String("task.id", task.ID),
		zap.String("phase", string(task.Phase)),
		zap.String("capability", string(decision.Capability)),
	)

	base, err := r.buildSlice(task)
	if err != nil {
		return r.fail(ctx, task, decision.Capability, agent.ErrorFatal, fmt.Sprintf("building context slice: %v", err))
	}

	var reasons []string
	for escalation := 0; ; escalation++ {
		slice := base
		if len(reasons) > 0 {
			slice = withEntry(base, EscalationKey, strings.Join(reasons, "\n"))
		}

		handle, units, capability, funded, err := r.fund(ctx, task, decision.Capability, slice)
		if err != nil {
			class := agent.ErrorBudgetExhausted
			switch {
			case ctx.Err() != nil:
				class = agent.ErrorCancelled
			case !errors.Is(err, budget.ErrInsufficientBudget):
				class = agent.Classify(err)
			}
			span.SetStatus(codes.Error, "not funded")
			return r.fail(ctx, task, decision.Capability, class, err.Error())
		}

		out, err := r.exec.Execute(ctx, executor.Request{
			Task:         task,
			Capability:   capability,
			Slice:        funded,
			Reservation:  handle,
			Units:        units,
			FirstAttempt: r.recorder.NextAttempt(task.ID),
		})
		if err != nil {
			span.RecordError(err)
			return &PhaseError{Phase: task.Phase, TaskID: task.ID, Class: agent.ErrorFatal, Reason: err.Error()}
		}
		if out.Succeeded() {
			if err := r.storeResult(task, out.Result); err != nil {
				return &PhaseError{Phase: task.Phase, TaskID: task.ID, Class: agent.ErrorFatal, Reason: err.Error()}
			}
			logger.Debug("task succeeded", zap.Int("attempt", out.Final.Attempt), zap.Int64("units", out.Final.UnitsConsumed))
			return nil
		}

		final := out.Final
		if escalation < r.c.cfg.MaxEscalations && escalatable(out) && ctx.Err() == nil {
			logger.Info("escalating task",
				zap.Int("escalation", escalation+1),
				zap.String("error_class", string(final.ErrorClass)),
				zap.String("reason", final.Reason),
			)
			reasons = append(reasons, fmt.Sprintf("attempt %d (%s): %s", final.Attempt, final.ErrorClass, final.Reason))
			continue
		}

		span.SetStatus(codes.Error, string(final.ErrorClass))
		return &PhaseError{Phase: task.Phase, TaskID: task.ID, Class: final.ErrorClass, Reason: final.Reason}
	}
}

// escalatable reports whether the handler ran and its output was rejected.
// Pre-check failures never reach a handler and are final.
func escalatable(out *executor.Outcome) bool {
	switch out.Final.ErrorClass {
	case agent.ErrorValidationFailure:
		return true
	case agent.ErrorQualityGate:
		return out.Gate != nil && out.Gate.GateName == gate.PostCheckName
	default:
		return false
	}
}

// fund reserves budget for one delegation. When the ledger refuses, it
// first retries with a compacted slice and then with the general handler
// if that is cheaper.
func (r *run) fund(ctx context.Context, task agent.Task, capability agent.Capability, slice agent.ContextSlice) (*budget.Reservation, int64, agent.Capability, agent.ContextSlice, error) {
	units := r.estimate(capability, slice)
	h, err := r.ledger.Reserve(ctx, task.Phase, units)
	if err == nil || !errors.Is(err, budget.ErrInsufficientBudget) {
		return h, units, capability, slice, err
	}

	if compacted, ok := r.compactSlice(ctx, slice); ok {
		slice = compacted
		units = r.estimate(capability, slice)
		h, err = r.ledger.Reserve(ctx, task.Phase, units)
		if err == nil {
			r.logger.Info("budget mitigated by slice compaction", zap.String("task.id", task.ID), zap.Int64("units", units))
			return h, units, capability, slice, nil
		}
		if !errors.Is(err, budget.ErrInsufficientBudget) {
			return nil, units, capability, slice, err
		}
	}

	if capability != agent.CapabilityGeneral && r.c.registry.Has(agent.CapabilityGeneral) {
		general := r.estimate(agent.CapabilityGeneral, slice)
		if general < units {
			h, gerr := r.ledger.Reserve(ctx, task.Phase, general)
			if gerr == nil {
				r.logger.Info("budget mitigated by handler downgrade",
					zap.String("task.id", task.ID),
					zap.String("from", string(capability)),
					zap.Int64("units", general),
				)
				return h, general, agent.CapabilityGeneral, slice, nil
			}
			err = gerr
		}
	}
	return nil, units, capability, slice, err
}

func (r *run) estimate(capability agent.Capability, slice agent.ContextSlice) int64 {
	var base int64
	if e, err := r.c.registry.Entry(capability); err == nil {
		base = e.BaseUnits
	}
	return r.c.cfg.Estimator.Estimate(base, slice)
}

// compactSlice summarizes every entry of slice. ok is false when that does
// not make the slice smaller.
func (r *run) compactSlice(ctx context.Context, slice agent.ContextSlice) (agent.ContextSlice, bool) {
	out := agent.ContextSlice{Entries: make(map[string]string, len(slice.Entries)), Skills: slice.Skills}
	for k, v := range slice.Entries {
		res, err := r.c.compressor.Compress(ctx, v, r.c.cfg.SummaryRatio)
		if err != nil {
			r.logger.Warn("slice compaction failed", zap.String("key", k), zap.Error(err))
			return slice, false
		}
		out.Entries[k] = res.Content
	}
	return out, out.Size() < slice.Size()
}

func (r *run) buildSlice(task agent.Task) (agent.ContextSlice, error) {
	entries, err := r.store.Slice(task.InputContextKeys)
	if err != nil {
		return agent.ContextSlice{}, err
	}
	slice := agent.ContextSlice{Entries: entries}
	if len(task.Skills) > 0 {
		slice.Skills = make(map[string]string, len(task.Skills))
		for _, name := range task.Skills {
			blob, ok := r.c.cfg.Skills[name]
			if !ok {
				return agent.ContextSlice{}, fmt.Errorf("unknown skill %q", name)
			}
			slice.Skills[name] = blob
		}
	}
	return slice, nil
}

// withEntry returns a copy of slice with key set. Slices handed to earlier
// attempts are never modified.
func withEntry(slice agent.ContextSlice, key, value string) agent.ContextSlice {
	entries := make(map[string]string, len(slice.Entries)+1)
	for k, v := range slice.Entries {
		entries[k] = v
	}
	entries[key] = value
	return agent.ContextSlice{Entries: entries, Skills: slice.Skills}
}

func (r *run) storeResult(task agent.Task, res *agent.Result) error {
	value, err := encodePayload(res)
	if err != nil {
		return err
	}
	if _, err := r.store.Put(task.ResultKey(), value, task.ID); err != nil {
		return fmt.Errorf("storing result of %s: %w", task.ID, err)
	}
	return nil
}

// encodePayload turns a payload into a context value: a lone "output"
// string is stored as is, anything else as JSON.
func encodePayload(res *agent.Result) (string, error) {
	if res == nil || len(res.Payload) == 0 {
		return "", nil
	}
	if len(res.Payload) == 1 {
		if s, ok := res.Payload["output"].(string); ok {
			return s, nil
		}
	}
	data, err := json.Marshal(res.Payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return string(data), nil
}

// fail records a terminal attempt for a task that could not be delegated.
func (r *run) fail(ctx context.Context, task agent.Task, capability agent.Capability, class agent.ErrorClass, reason string) error {
	now := time.Now().UTC()
	rec := audit.Record{
		TaskID:     task.ID,
		Phase:      task.Phase,
		Attempt:    r.recorder.NextAttempt(task.ID),
		HandlerTag: capability,
		StartTime:  now,
		EndTime:    now,
		Outcome:    audit.OutcomeFailed,
		ErrorClass: class,
		Reason:     reason,
	}
	if _, err := r.recorder.Append(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to record task failure", zap.String("task.id", task.ID), zap.Error(err))
	}
	return &PhaseError{Phase: task.Phase, TaskID: task.ID, Class: class, Reason: reason}
}
