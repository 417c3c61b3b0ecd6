package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// SecretGate rejects payloads that contain credentials, using the gitleaks
// default rule set.
type SecretGate struct {
	allowRules map[string]bool

	once     sync.Once
	mu       sync.Mutex
	detector *detect.Detector
	initErr  error
}

// NewSecretGate creates a secret-leak gate. Findings from allowRules (gitleaks
// rule IDs) are ignored.
func NewSecretGate(allowRules ...string) *SecretGate {
	allow := make(map[string]bool, len(allowRules))
	for _, r := range allowRules {
		allow[r] = true
	}
	return &SecretGate{allowRules: allow}
}

// Name returns the gate identifier.
func (g *SecretGate) Name() string {
	return "secrets"
}

// Check scans each string field of the payload.
func (g *SecretGate) Check(_ context.Context, in PostInput) ([]string, error) {
	g.once.Do(func() {
		g.detector, g.initErr = detect.NewDetectorDefaultConfig()
	})
	if g.initErr != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", g.initErr)
	}

	var reasons []string
	walkStrings(in.Result.Payload, "", func(path, s string) {
		if strings.TrimSpace(s) == "" {
			return
		}
		// The detector keeps per-scan state.
		g.mu.Lock()
		findings := g.detector.DetectString(s)
		g.mu.Unlock()
		for _, f := range findings {
			if g.allowRules[f.RuleID] {
				continue
			}
			reasons = append(reasons, fmt.Sprintf("field %q leaks a secret (%s, line %d)", path, f.RuleID, f.StartLine))
		}
	})
	return reasons, nil
}
