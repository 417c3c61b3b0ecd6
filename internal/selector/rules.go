package selector

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// ErrInvalidRules is returned when a rules file cannot be decoded or
// validated.
var ErrInvalidRules = errors.New("invalid selector rules")

// Rule maps task signals to a capability. A rule matches when the task's
// phase is listed (or Phases is empty) and, if Keywords are given, at least
// one keyword pattern occurs in the description.
type Rule struct {
	Name       string           `toml:"name"`
	Capability agent.Capability `toml:"capability"`
	Phases     []agent.Phase    `toml:"phases"`
	Keywords   []string         `toml:"keywords"`

	patterns []*regexp.Regexp
}

// compile validates the rule and prepares its keyword patterns.
func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rule without name", ErrInvalidRules)
	}
	if !r.Capability.IsValid() {
		return fmt.Errorf("%w: rule %q: unknown capability %q", ErrInvalidRules, r.Name, r.Capability)
	}
	for _, p := range r.Phases {
		if !p.IsValid() {
			return fmt.Errorf("%w: rule %q: unknown phase %q", ErrInvalidRules, r.Name, p)
		}
	}
	r.patterns = make([]*regexp.Regexp, 0, len(r.Keywords))
	for _, kw := range r.Keywords {
		if len(kw) > 200 {
			return fmt.Errorf("%w: rule %q: keyword pattern too long", ErrInvalidRules, r.Name)
		}
		re, err := regexp.Compile(`(?i)\b(?:` + kw + `)\b`)
		if err != nil {
			return fmt.Errorf("%w: rule %q: keyword %q: %v", ErrInvalidRules, r.Name, kw, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return nil
}

func (r *Rule) matches(task agent.Task) bool {
	if len(r.Phases) > 0 {
		inPhase := false
		for _, p := range r.Phases {
			if p == task.Phase {
				inPhase = true
				break
			}
		}
		if !inPhase {
			return false
		}
	}
	if len(r.patterns) == 0 {
		return true
	}
	for _, re := range r.patterns {
		if re.MatchString(task.Description) {
			return true
		}
	}
	return false
}

// DomainRules returns the built-in keyword rules, most specific first.
func DomainRules() []Rule {
	return []Rule{
		{Name: "security", Capability: agent.CapabilitySecurity, Keywords: []string{
			`security`, `vulnerab\w*`, `auth(?:entication|orization)?`, `oauth`, `jwt`, `owasp`, `xss`, `csrf`, `secrets?`, `encrypt\w*`,
		}},
		{Name: "debug", Capability: agent.CapabilityDebugHelper, Keywords: []string{
			`debug\w*`, `stack ?trace`, `panic\w*`, `crash\w*`, `flaky`, `regression`, `root cause`,
		}},
		{Name: "database", Capability: agent.CapabilityDatabase, Keywords: []string{
			`database`, `sql`, `postgres\w*`, `mysql`, `sqlite`, `mongo\w*`, `schema`, `migrations?`, `index(?:es)?`, `queries`, `query`,
		}},
		{Name: "ui-ux", Capability: agent.CapabilityUIUX, Keywords: []string{
			`ux`, `ui design`, `wireframes?`, `accessibility`, `a11y`, `design system`, `figma`,
		}},
		{Name: "frontend", Capability: agent.CapabilityFrontend, Keywords: []string{
			`frontend`, `react`, `vue`, `svelte`, `angular`, `css`, `html`, `components?`, `browser`, `tailwind`,
		}},
		{Name: "backend", Capability: agent.CapabilityBackend, Keywords: []string{
			`backend`, `api`, `endpoints?`, `rest`, `grpc`, `server`, `handlers?`, `services?`, `fastapi`, `django`,
		}},
		{Name: "devops", Capability: agent.CapabilityDevOps, Keywords: []string{
			`devops`, `deploy\w*`, `docker\w*`, `kubernetes`, `k8s`, `ci/cd`, `pipelines?`, `terraform`, `helm`,
		}},
	}
}

// PhaseRules returns the workflow defaults applied when no domain rule
// matched.
func PhaseRules() []Rule {
	return []Rule{
		{Name: "phase-plan", Capability: agent.CapabilitySpecBuilder, Phases: []agent.Phase{agent.PhasePlan}},
		{Name: "phase-tdd", Capability: agent.CapabilityTDDImplementer, Phases: []agent.Phase{agent.PhaseRed, agent.PhaseGreen, agent.PhaseRefactor}},
		{Name: "phase-sync", Capability: agent.CapabilityDocSyncer, Phases: []agent.Phase{agent.PhaseSync}},
		{Name: "phase-release", Capability: agent.CapabilityGitManager, Phases: []agent.Phase{agent.PhaseRelease}},
	}
}

// DefaultRules returns DomainRules followed by PhaseRules.
func DefaultRules() []Rule {
	return append(DomainRules(), PhaseRules()...)
}

// LoadRules decodes a TOML rules file:
//
//	[[rule]]
//	name = "payments"
//	capability = "backend"
//	phases = ["GREEN"]
//	keywords = ["stripe", "payments?"]
//
// Loaded rules are evaluated before the built-in rules, in file order.
func LoadRules(path string) ([]Rule, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	var file struct {
		Rule []Rule `toml:"rule"`
	}
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRules, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: %s: unknown keys %s", ErrInvalidRules, path, strings.Join(keys, ", "))
	}
	for i := range file.Rule {
		if err := file.Rule[i].compile(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return file.Rule, nil
}
