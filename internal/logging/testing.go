package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries stay in memory, down to Trace.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, observed: observed}
}

// Entries returns the entries whose message contains msg, oldest first.
// An empty msg matches everything.
func (t *TestLogger) Entries(msg string) []observer.LoggedEntry {
	if msg == "" {
		return t.observed.All()
	}
	return t.observed.FilterMessageSnippet(msg).All()
}

// ForRun returns the entries tagged with run.id runID.
func (t *TestLogger) ForRun(runID string) []observer.LoggedEntry {
	return t.observed.FilterField(zap.String(runIDKey, runID)).All()
}

// Take drains and returns every entry recorded so far.
func (t *TestLogger) Take() []observer.LoggedEntry {
	return t.observed.TakeAll()
}

// RequireLogged fails tb unless an entry at level contains msg, and
// returns the first such entry's fields.
func (t *TestLogger) RequireLogged(tb testing.TB, level zapcore.Level, msg string) map[string]interface{} {
	tb.Helper()
	for _, e := range t.Entries(msg) {
		if e.Level == level {
			return e.ContextMap()
		}
	}
	tb.Fatalf("no %v entry containing %q in %d entries", level, msg, t.observed.Len())
	return nil
}

// AssertNotLogged fails tb if an entry at level or above contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.observed.All() {
		if e.Level >= level && strings.Contains(e.Message, msg) {
			tb.Errorf("unexpected %v entry %q", e.Level, e.Message)
		}
	}
}
