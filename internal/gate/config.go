package gate

import "github.com/fyrsmithlabs/phasectl/pkg/agent"

// Config selects and parameterizes the standard gates.
type Config struct {
	// RequiredFields lists payload fields every task of a phase must return.
	RequiredFields map[agent.Phase][]string
	// Markers are disallowed substrings. Nil means DefaultMarkers.
	Markers []string
	// VerificationFields are payload fields holding test output.
	VerificationFields []string
	// ScanSecrets enables the gitleaks gate.
	ScanSecrets bool
	// AllowSecretRules lists gitleaks rule IDs to ignore.
	AllowSecretRules []string
}

// New builds a validator with the capability and budget pre-gates and the
// post-gates enabled by cfg.
func New(cfg Config, catalog Catalog) *Validator {
	pre := []PreGate{NewCapabilityGate(catalog), NewBudgetGate()}

	markers := cfg.Markers
	if markers == nil {
		markers = DefaultMarkers()
	}
	post := []PostGate{NewRequiredFieldsGate(cfg.RequiredFields), NewMarkerGate(markers)}
	if len(cfg.VerificationFields) > 0 {
		post = append(post, NewVerificationGate(cfg.VerificationFields, agent.PhaseRed, agent.PhaseGreen, agent.PhaseRefactor))
	}
	if cfg.ScanSecrets {
		post = append(post, NewSecretGate(cfg.AllowSecretRules...))
	}
	return NewValidator(pre, post)
}
