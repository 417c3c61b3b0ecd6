package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/budget"
	"github.com/fyrsmithlabs/phasectl/internal/gate"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

const instrumentationName = "github.com/fyrsmithlabs/phasectl/internal/executor"

// Defaults applied by NewExecutor for zero config values.
const (
	DefaultMaxRetries = 1
	DefaultTimeout    = 5 * time.Minute
)

// Config controls retries, timeouts and dispatch pacing.
type Config struct {
	// MaxRetries is the number of retries after the first attempt for
	// Transient and Timeout failures. Negative disables retries.
	MaxRetries int
	// Timeout bounds each handler invocation.
	Timeout time.Duration
	// DispatchRate limits invocations per second across the executor.
	// Zero means unlimited.
	DispatchRate float64
	// DispatchBurst is the limiter burst size.
	DispatchBurst int
}

// Ledger is the subset of the budget ledger the executor needs.
type Ledger interface {
	Reserve(ctx context.Context, phase agent.Phase, units int64) (*budget.Reservation, error)
	Commit(r *budget.Reservation, actual int64) (int64, error)
	Release(r *budget.Reservation) error
	State() budget.State
}

// Handlers resolves capabilities to handlers.
type Handlers interface {
	Lookup(c agent.Capability) (agent.Handler, error)
}

// Request is one logical delegation.
type Request struct {
	Task       agent.Task
	Capability agent.Capability
	Slice      agent.ContextSlice
	// Reservation funds the first attempt. The executor settles it.
	Reservation *budget.Reservation
	// Units sizes retry reservations. Zero reuses the first reservation's size.
	Units int64
	// FirstAttempt numbers the first attempt. Zero means 1.
	FirstAttempt int
}

// Outcome is what a delegation produced.
type Outcome struct {
	// Final is the terminal record of the delegation.
	Final audit.Record
	// Records holds every record appended, in order.
	Records []audit.Record
	// Result is set when Final is a success.
	Result *agent.Result
	// Gate is the failing gate result, if a gate caused the failure.
	Gate *gate.Result
}

// Succeeded reports whether the delegation ended in success.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Final.Outcome == audit.OutcomeSuccess
}

// Executor runs delegations.
type Executor struct {
	cfg       Config
	handlers  Handlers
	ledger    Ledger
	validator *gate.Validator
	recorder  *audit.Recorder
	limiter   *rate.Limiter
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewExecutor creates an executor. The ledger and recorder belong to one
// run.
func NewExecutor(cfg Config, handlers Handlers, ledger Ledger, validator *gate.Validator, recorder *audit.Recorder, logger *zap.Logger) (*Executor, error) {
	if handlers == nil || ledger == nil || validator == nil || recorder == nil {
		return nil, errors.New("executor: handlers, ledger, validator and recorder are required")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		cfg:       cfg,
		handlers:  handlers,
		ledger:    ledger,
		validator: validator,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}
	return e, nil
}

// MaxRetries returns the effective retry ceiling.
func (e *Executor) MaxRetries() int {
	return e.cfg.MaxRetries
}

// Execute runs req until it succeeds, fails terminally, or exhausts its
// retries. The returned error is non-nil only when the audit log refused a
// record; the outcome is still returned in that case.
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	attempt := req.FirstAttempt
	if attempt <= 0 {
		attempt = 1
	}
	units := req.Units
	if units <= 0 && req.Reservation != nil {
		units = req.Reservation.Units
	}

	out := &Outcome{}
	handle := req.Reservation
	for retries := 0; ; retries++ {
		rec, result, gateRes, retry := e.attempt(ctx, req, handle, attempt, retries < e.cfg.MaxRetries)

		if retry {
			next, err := e.ledger.Reserve(ctx, req.Task.Phase, units)
			if err != nil {
				rec.Outcome = audit.OutcomeFailed
				rec.Reason = fmt.Sprintf("%s; retry not funded: %v", rec.Reason, err)
				if errors.Is(err, budget.ErrInsufficientBudget) {
					rec.ErrorClass = agent.ErrorBudgetExhausted
				} else {
					rec.ErrorClass = agent.Classify(err)
				}
				retry = false
			} else {
				handle = next
			}
		}

		stored, err := e.recorder.Append(ctx, rec)
		if err != nil && errors.Is(err, audit.ErrOutOfOrder) {
			if retry {
				_ = e.ledger.Release(handle)
			}
			return out, fmt.Errorf("recording attempt %d of %s: %w", attempt, req.Task.ID, err)
		}
		out.Records = append(out.Records, stored)
		out.Final = stored

		if !retry {
			out.Result = result
			out.Gate = gateRes
			return out, nil
		}

		e.logger.Info("retrying delegation",
			zap.String("task.id", req.Task.ID),
			zap.Int("attempt", attempt),
			zap.String("error_class", string(rec.ErrorClass)),
		)
		attempt++
	}
}

// attempt runs one invocation and settles its reservation. retry reports
// whether the caller should try again.
func (e *Executor) attempt(ctx context.Context, req Request, handle *budget.Reservation, attempt int, canRetry bool) (rec audit.Record, result *agent.Result, gateRes *gate.Result, retry bool) {
	task := req.Task
	ctx, span := e.tracer.Start(ctx, "executor.attempt",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("phase", string(task.Phase)),
			attribute.String("capability", string(req.Capability)),
			attribute.Int("attempt", attempt),
		),
	)
	defer span.End()

	rec = audit.Record{
		TaskID:     task.ID,
		Phase:      task.Phase,
		Attempt:    attempt,
		HandlerTag: req.Capability,
		StartTime:  e.now().UTC(),
	}
	if handle != nil {
		rec.UnitsReserved = handle.Units
	}
	finish := func(outcome audit.Outcome, class agent.ErrorClass, reason string) {
		rec.EndTime = e.now().UTC()
		rec.Outcome = outcome
		rec.ErrorClass = class
		rec.Reason = reason
		if outcome != audit.OutcomeSuccess {
			span.SetStatus(codes.Error, reason)
		}
	}

	pre := e.validator.PreCheck(ctx, gate.PreInput{
		Task:        task,
		Capability:  req.Capability,
		Reservation: handle,
		Budget:      e.ledger.State(),
	})
	if !pre.Passed {
		e.release(handle)
		gateRes = &pre
		finish(audit.OutcomeFailed, agent.ErrorQualityGate, pre.Summary())
		return rec, nil, gateRes, false
	}

	handler, err := e.handlers.Lookup(req.Capability)
	if err != nil {
		e.release(handle)
		finish(audit.OutcomeFailed, agent.ErrorFatal, err.Error())
		return rec, nil, nil, false
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.release(handle)
			class := agent.ErrorFatal
			if ctx.Err() != nil {
				class = agent.ErrorCancelled
			}
			finish(audit.OutcomeFailed, class, fmt.Sprintf("dispatch: %v", err))
			return rec, nil, nil, false
		}
	}

	if handle == nil {
		finish(audit.OutcomeFailed, agent.ErrorBudgetExhausted, "no budget reservation")
		return rec, nil, nil, false
	}

	res, class, err := e.invoke(ctx, handler, task, req.Slice, agent.BudgetSlice{Phase: task.Phase, Units: handle.Units})
	if err != nil {
		e.release(handle)
		span.RecordError(err)
		if class.Retryable() && canRetry && ctx.Err() == nil {
			finish(audit.OutcomeRetried, class, err.Error())
			return rec, nil, nil, true
		}
		finish(audit.OutcomeFailed, class, err.Error())
		return rec, nil, nil, false
	}

	post := e.validator.PostCheck(ctx, gate.PostInput{Task: task, Result: res})
	var consumed int64
	if res != nil {
		consumed = res.UnitsConsumed
	}
	charged, cerr := e.ledger.Commit(handle, consumed)
	if cerr != nil {
		e.logger.Warn("budget commit adjusted",
			zap.String("task.id", task.ID),
			zap.Int64("reported", consumed),
			zap.Int64("charged", charged),
			zap.Error(cerr),
		)
	}
	rec.UnitsConsumed = charged

	if !post.Passed {
		gateRes = &post
		finish(audit.OutcomeFailed, agent.ErrorQualityGate, post.Summary())
		return rec, nil, gateRes, false
	}
	finish(audit.OutcomeSuccess, "", "")
	return rec, res, nil, false
}

func (e *Executor) release(r *budget.Reservation) {
	if r == nil {
		return
	}
	if err := e.ledger.Release(r); err != nil {
		e.logger.Warn("budget release failed", zap.Error(err))
	}
}
