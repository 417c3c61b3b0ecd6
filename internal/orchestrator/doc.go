// Package orchestrator implements the phase controller.
//
// A run walks the fixed phase sequence PLAN, RED, GREEN, REFACTOR, SYNC and
// RELEASE. Within a phase, tasks whose inputs are satisfied run
// concurrently on a bounded worker pool; a task that reads another
// same-phase task's output waits for that task to succeed. A phase
// advances only when every one of its tasks has a successful delegation
// record, after which the context store is compacted and a checkpoint is
// written to the run journal.
//
// A run ends COMPLETE after RELEASE, FAILED when a task cannot be made to
// succeed within its retry and escalation allowance, or RESUMABLE when it
// was interrupted. FAILED and RESUMABLE runs restart from the phase after
// their last checkpoint.
//
// Basic usage:
//
//	ctrl, err := orchestrator.NewController(cfg, orchestrator.Deps{
//	    Registry:  reg,
//	    Selector:  sel,
//	    Validator: gates,
//	    Journal:   journal,
//	})
//	status, err := ctrl.Run(ctx, plan)
package orchestrator
