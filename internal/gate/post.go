package gate

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// RequiredFieldsGate checks that the payload carries the fields configured
// for the task's phase plus the task's own RequiredOutputs.
type RequiredFieldsGate struct {
	perPhase map[agent.Phase][]string
}

// NewRequiredFieldsGate creates an output-shape gate.
func NewRequiredFieldsGate(perPhase map[agent.Phase][]string) *RequiredFieldsGate {
	return &RequiredFieldsGate{perPhase: perPhase}
}

// Name returns the gate identifier.
func (g *RequiredFieldsGate) Name() string {
	return "required-fields"
}

// Check reports each missing or empty field.
func (g *RequiredFieldsGate) Check(_ context.Context, in PostInput) ([]string, error) {
	seen := make(map[string]bool)
	var reasons []string
	fields := append(append([]string(nil), g.perPhase[in.Task.Phase]...), in.Task.RequiredOutputs...)
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		v, ok := in.Result.Payload[f]
		if !ok || isEmpty(v) {
			reasons = append(reasons, fmt.Sprintf("missing required field %q", f))
		}
	}
	return reasons, nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// MarkerGate rejects payloads containing disallowed content markers, such
// as placeholder text left behind by a handler.
type MarkerGate struct {
	markers []string
}

// DefaultMarkers are rejected when no markers are configured.
func DefaultMarkers() []string {
	return []string{"TODO: implement", "NotImplemented", "lorem ipsum", "<placeholder>"}
}

// NewMarkerGate creates a disallowed content gate. Matching is
// case-insensitive.
func NewMarkerGate(markers []string) *MarkerGate {
	lower := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			lower = append(lower, strings.ToLower(m))
		}
	}
	return &MarkerGate{markers: lower}
}

// Name returns the gate identifier.
func (g *MarkerGate) Name() string {
	return "disallowed-markers"
}

// Check scans every string in the payload.
func (g *MarkerGate) Check(_ context.Context, in PostInput) ([]string, error) {
	var reasons []string
	walkStrings(in.Result.Payload, "", func(path, s string) {
		lower := strings.ToLower(s)
		for _, m := range g.markers {
			if strings.Contains(lower, m) {
				reasons = append(reasons, fmt.Sprintf("field %q contains disallowed marker %q", path, m))
			}
		}
	})
	return reasons, nil
}

// VerificationGate rejects test output fields that are really --help
// output rather than results of a test run.
type VerificationGate struct {
	fields []string
	phases map[agent.Phase]bool
}

// NewVerificationGate checks fields in the given phases.
func NewVerificationGate(fields []string, phases ...agent.Phase) *VerificationGate {
	set := make(map[agent.Phase]bool, len(phases))
	for _, p := range phases {
		set[p] = true
	}
	return &VerificationGate{fields: fields, phases: set}
}

// Name returns the gate identifier.
func (g *VerificationGate) Name() string {
	return "verification"
}

// Check inspects the configured output fields.
func (g *VerificationGate) Check(_ context.Context, in PostInput) ([]string, error) {
	if len(g.phases) > 0 && !g.phases[in.Task.Phase] {
		return nil, nil
	}
	var reasons []string
	for _, f := range g.fields {
		s, ok := in.Result.Payload[f].(string)
		if ok && isHelpOutput(s) {
			reasons = append(reasons, fmt.Sprintf("field %q holds --help output instead of test results", f))
		}
	}
	return reasons, nil
}

var testResultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(pass|fail|error).*\d+`),
	regexp.MustCompile(`(?i)test.*\([\d.]+s\)`),
	regexp.MustCompile(`✓|✗`),
	regexp.MustCompile(`(?i)ok\s+\S+\s+[\d.]+s`),
	regexp.MustCompile(`(?i)test suites?:\s*\d+`),
}

var helpMarkers = []string{"usage:", "--help", "-h, --help", "show help", "show this help", "options:"}

// isHelpOutput reports whether output looks like usage text. Two or more
// help markers and no test result pattern are required.
func isHelpOutput(output string) bool {
	if output == "" {
		return false
	}
	for _, re := range testResultPatterns {
		if re.MatchString(output) {
			return false
		}
	}
	lower := strings.ToLower(output)
	n := 0
	for _, m := range helpMarkers {
		if strings.Contains(lower, m) {
			n++
		}
	}
	return n >= 2
}

// walkStrings visits every string in v with a dotted path, in sorted key
// order.
func walkStrings(v any, path string, fn func(path, s string)) {
	switch t := v.(type) {
	case string:
		fn(path, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if path != "" {
				p = path + "." + k
			}
			walkStrings(t[k], p, fn)
		}
	case []any:
		for i, item := range t {
			walkStrings(item, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	case []string:
		for i, item := range t {
			fn(fmt.Sprintf("%s[%d]", path, i), item)
		}
	}
}
