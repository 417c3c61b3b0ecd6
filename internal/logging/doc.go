// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps zap with:
//   - a Trace level below Debug
//   - stdout and OpenTelemetry outputs
//   - run, phase and task correlation taken from the context
//   - redaction of sensitive keys and values
//   - sampling below Error (errors are never sampled)
//
// Usage:
//
//	cfg, err := logging.FromConfig(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, tel.LoggerProvider())
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithPhase(ctx, agent.PhaseGreen)
//	logger.Info(ctx, "phase started", zap.Int("tasks", n))
//
// Output:
//
//	{"ts":"2026-03-02T10:15:30Z","level":"info","msg":"phase started",
//	 "trace_id":"4bf9...","run.id":"run-20260302T101530-1c0ffee5","phase":"GREEN","tasks":3}
//
// Components that only need a *zap.Logger take Logger.Underlying().
// Tests use NewTestLogger, which records entries for assertions.
package logging
