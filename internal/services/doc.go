// Package services assembles the phasectl runtime from configuration.
//
// New builds, in dependency order: the handler registry (from the
// configured bindings), the agent selector, the quality gate validator,
// the run journal, the optional NATS audit sink and the phase controller.
// Both the daemon and the CLI's local mode use it, so a run behaves the
// same wherever it executes.
//
// Shutdown stops background runs first and releases resources after, so
// interrupted runs can still journal their RESUMABLE status.
package services
