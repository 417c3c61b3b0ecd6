package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/contrib/envconfig"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

const cancelTimeout = 10 * time.Second

// WorkflowClient is the part of client.Client the temporal handler uses.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	CancelWorkflow(ctx context.Context, workflowID string, runID string) error
}

// DialTemporal connects to a Temporal frontend. Options come from the
// TEMPORAL_* environment and config file; hostPort and namespace override
// them when set.
func DialTemporal(hostPort, namespace string) (client.Client, error) {
	opts, err := envconfig.LoadClientOptions(envconfig.LoadClientOptionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("loading temporal client options: %w", err)
	}
	if hostPort != "" {
		opts.HostPort = hostPort
	}
	if namespace != "" {
		opts.Namespace = namespace
	}
	c, err := client.Dial(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}
	return c, nil
}

// TemporalHandler starts one workflow per delegation and waits for its
// Response.
type TemporalHandler struct {
	client    WorkflowClient
	taskQueue string
	workflow  string
	logger    *zap.Logger
}

// NewTemporalHandler creates a handler executing workflow on taskQueue.
func NewTemporalHandler(c WorkflowClient, taskQueue, workflow string, logger *zap.Logger) *TemporalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemporalHandler{client: c, taskQueue: taskQueue, workflow: workflow, logger: logger}
}

// Invoke implements agent.Handler.
func (h *TemporalHandler) Invoke(ctx context.Context, task agent.Task, slice agent.ContextSlice, grant agent.BudgetSlice) (*agent.Result, error) {
	opts := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("phasectl-%s-%s", task.ID, uuid.NewString()[:8]),
		TaskQueue: h.taskQueue,
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts.WorkflowExecutionTimeout = time.Until(deadline)
	}

	run, err := h.client.ExecuteWorkflow(ctx, opts, h.workflow, NewRequest(task, slice, grant))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, agent.Transient(fmt.Errorf("starting workflow %s: %w", h.workflow, err))
	}

	var resp Response
	if err := run.Get(ctx, &resp); err != nil {
		if ctx.Err() != nil {
			h.cancel(ctx, opts.ID)
			return nil, ctx.Err()
		}
		return nil, h.classify(opts.ID, err)
	}
	if resp.Error == nil && resp.UnitsConsumed == 0 {
		resp.UnitsConsumed = estimateUnits(resp.Payload)
	}
	return resp.Result()
}

// cancel asks the server to stop a workflow the caller gave up on.
func (h *TemporalHandler) cancel(ctx context.Context, workflowID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := h.client.CancelWorkflow(ctx, workflowID, ""); err != nil {
		h.logger.Warn("failed to cancel abandoned workflow", zap.String("workflow_id", workflowID), zap.Error(err))
	}
}

// classify maps a workflow failure to an error class. An application error
// whose type names a class keeps it.
func (h *TemporalHandler) classify(workflowID string, err error) error {
	var appErr *temporal.ApplicationError
	var timeoutErr *temporal.TimeoutError
	var canceledErr *temporal.CanceledError

	switch {
	case errors.As(err, &appErr):
		h.logger.Warn("workflow failed",
			zap.String("workflow_id", workflowID),
			zap.String("error_type", appErr.Type()),
			zap.Bool("non_retryable", appErr.NonRetryable()),
		)
		if class := agent.ErrorClass(appErr.Type()); isHandlerClass(class) {
			return &agent.Error{Class: class, Message: appErr.Error(), Err: err}
		}
		if appErr.NonRetryable() {
			return agent.Fatal(err)
		}
		return agent.Transient(err)

	case errors.As(err, &timeoutErr):
		h.logger.Warn("workflow timed out", zap.String("workflow_id", workflowID), zap.String("timeout_type", timeoutErr.TimeoutType().String()))
		return agent.Transient(err)

	case errors.As(err, &canceledErr):
		return agent.Fatal(err)

	default:
		h.logger.Error("workflow failed with unexpected error", zap.String("workflow_id", workflowID), zap.Error(err))
		return agent.Transient(err)
	}
}

// isHandlerClass reports whether a handler may report class itself.
func isHandlerClass(class agent.ErrorClass) bool {
	switch class {
	case agent.ErrorTransient, agent.ErrorFatal, agent.ErrorValidationFailure:
		return true
	default:
		return false
	}
}
