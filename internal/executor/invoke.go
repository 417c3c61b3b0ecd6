package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

type invocation struct {
	res *agent.Result
	err error
}

// invoke calls h under the executor timeout. It returns as soon as the
// deadline passes or ctx is cancelled, even if the handler ignores its
// context; a late result is discarded.
func (e *Executor) invoke(ctx context.Context, h agent.Handler, task agent.Task, slice agent.ContextSlice, bs agent.BudgetSlice) (*agent.Result, agent.ErrorClass, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invocation{err: agent.NewError(agent.ErrorFatal, "handler panicked: %v", p)}
			}
		}()
		res, err := h.Invoke(callCtx, task, slice, bs)
		done <- invocation{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.res, "", nil
		}
		return nil, e.classify(ctx, callCtx, out.err), out.err
	case <-callCtx.Done():
		err := fmt.Errorf("handler did not finish: %w", callCtx.Err())
		return nil, e.classify(ctx, callCtx, err), err
	}
}

// classify prefers the parent's cancellation, then the invocation deadline,
// then the handler's own classification.
func (e *Executor) classify(parent, call context.Context, err error) agent.ErrorClass {
	if parent.Err() != nil {
		return agent.ErrorCancelled
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return agent.ErrorTimeout
	}
	return agent.Classify(err)
}
