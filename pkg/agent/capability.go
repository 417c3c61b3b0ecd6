package agent

import (
	"fmt"
	"strings"
)

// Capability identifies a class of handler.
type Capability string

const (
	CapabilitySpecBuilder    Capability = "spec-builder"
	CapabilityTDDImplementer Capability = "tdd-implementer"
	CapabilityDocSyncer      Capability = "doc-syncer"
	CapabilityGitManager     Capability = "git-manager"
	CapabilityFrontend       Capability = "frontend"
	CapabilityBackend        Capability = "backend"
	CapabilityDatabase       Capability = "database"
	CapabilitySecurity       Capability = "security"
	CapabilityDevOps         Capability = "devops"
	CapabilityUIUX           Capability = "ui-ux"
	CapabilityDebugHelper    Capability = "debug-helper"

	// CapabilityGeneral is the fallback every deployment must register.
	CapabilityGeneral Capability = "general"
)

// AllCapabilities returns every known capability in declaration order.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilitySpecBuilder,
		CapabilityTDDImplementer,
		CapabilityDocSyncer,
		CapabilityGitManager,
		CapabilityFrontend,
		CapabilityBackend,
		CapabilityDatabase,
		CapabilitySecurity,
		CapabilityDevOps,
		CapabilityUIUX,
		CapabilityDebugHelper,
		CapabilityGeneral,
	}
}

// IsValid reports whether c is one of the known capabilities.
func (c Capability) IsValid() bool {
	for _, known := range AllCapabilities() {
		if c == known {
			return true
		}
	}
	return false
}

func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string into a Capability.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// UnmarshalText implements encoding.TextUnmarshaler so that configuration
// and plan files reject unknown capabilities at load time.
func (c *Capability) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = ""
		return nil
	}
	parsed, err := ParseCapability(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
