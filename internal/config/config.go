// Package config provides configuration loading for phasectl.
//
// Configuration is read once at start from a YAML file and PHASECTL_
// environment overrides, and is never mutated afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Handler kinds understood by internal/agents.
const (
	KindExec     = "exec"
	KindMCP      = "mcp"
	KindTemporal = "temporal"
	KindStatic   = "static"
)

// Config holds the complete phasectl configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Run           RunConfig           `koanf:"run"`
	Budget        BudgetConfig        `koanf:"budget"`
	Selector      SelectorConfig      `koanf:"selector"`
	Gates         GatesConfig         `koanf:"gates"`
	Store         StoreConfig         `koanf:"store"`
	Audit         AuditConfig         `koanf:"audit"`
	Temporal      TemporalConfig      `koanf:"temporal"`

	// Skills are opaque blobs handed to handlers by name.
	Skills map[string]string `koanf:"skills"`

	Handlers []HandlerConfig `koanf:"handlers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"`
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
}

// LoggingConfig selects the level and encoding of the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// RunConfig is the per-run policy applied by the orchestrator.
type RunConfig struct {
	MaxRetries        int      `koanf:"max_retries"`
	Timeout           Duration `koanf:"timeout"`
	Workers           int      `koanf:"workers"`
	DispatchRate      float64  `koanf:"dispatch_rate"`
	DispatchBurst     int      `koanf:"dispatch_burst"`
	MaxEscalations    int      `koanf:"max_escalations"`
	CompactOnBoundary bool     `koanf:"compact_on_boundary"`
	SummaryRatio      float64  `koanf:"summary_ratio"`
}

// BudgetConfig holds default ceilings and estimation parameters.
type BudgetConfig struct {
	// TotalUnits applies to runs that do not carry their own total.
	// Zero requires every run to set one.
	TotalUnits       int64            `koanf:"total_units"`
	PhaseCeilings    map[string]int64 `koanf:"phase_ceilings"`
	DefaultTaskUnits int64            `koanf:"default_task_units"`
	CharsPerUnit     int              `koanf:"chars_per_unit"`
}

// SelectorConfig points at an optional TOML rule file.
type SelectorConfig struct {
	RulesFile string `koanf:"rules_file"`
}

// GatesConfig parameterizes the quality gates.
type GatesConfig struct {
	RequiredFields     map[string][]string `koanf:"required_fields"`
	DisallowedMarkers  []string            `koanf:"disallowed_markers"`
	VerificationFields []string            `koanf:"verification_fields"`
	ScanSecrets        bool                `koanf:"scan_secrets"`
	AllowSecretRules   []string            `koanf:"allow_secret_rules"`
}

// StoreConfig locates the run journal.
type StoreConfig struct {
	Dir string `koanf:"dir"`

	// Retention prunes finished runs older than this at startup. Zero keeps
	// every run.
	Retention Duration `koanf:"retention"`
}

// AuditConfig configures the optional NATS record stream.
type AuditConfig struct {
	NATSURL     string `koanf:"nats_url"`
	NATSSubject string `koanf:"nats_subject"`
	NATSToken   Secret `koanf:"nats_token"`
}

// TemporalConfig locates the Temporal frontend used by temporal handlers.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
}

// HandlerConfig binds a capability to a concrete adapter.
type HandlerConfig struct {
	Capability string `koanf:"capability"`
	Kind       string `koanf:"kind"`

	// exec and mcp
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Env     map[string]string `koanf:"env"`

	// mcp
	Tool string `koanf:"tool"`

	// temporal
	TaskQueue string `koanf:"task_queue"`
	Workflow  string `koanf:"workflow"`

	// static
	Payload map[string]any `koanf:"payload"`

	BaseUnits int64 `koanf:"base_units"`
}

// Default returns the configuration used for every value the file and
// environment leave unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName:  "phasectl",
			OTLPEndpoint: "localhost:4317",
			OTLPProtocol: "grpc",
			OTLPInsecure: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Run: RunConfig{
			MaxRetries:        1,
			Timeout:           Duration(5 * time.Minute),
			Workers:           4,
			DispatchBurst:     1,
			MaxEscalations:    1,
			CompactOnBoundary: true,
			SummaryRatio:      3.0,
		},
		Budget: BudgetConfig{
			DefaultTaskUnits: 1000,
			CharsPerUnit:     4,
		},
		Store: StoreConfig{
			Dir: defaultStoreDir(),
		},
		Audit: AuditConfig{
			NATSSubject: "phasectl.records",
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
		},
	}
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".phasectl"
	}
	return filepath.Join(home, ".local", "state", "phasectl")
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Observability.EnableTelemetry {
		if c.Observability.ServiceName == "" {
			errs = append(errs, errors.New("service name required when telemetry is enabled"))
		}
		switch c.Observability.OTLPProtocol {
		case "grpc", "http/protobuf":
		default:
			errs = append(errs, fmt.Errorf("otlp protocol must be 'grpc' or 'http/protobuf', got %q", c.Observability.OTLPProtocol))
		}
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	errs = append(errs, c.Run.validate()...)
	errs = append(errs, c.Budget.validate()...)

	if _, err := c.RequiredFields(); err != nil {
		errs = append(errs, err)
	}
	if c.Store.Dir == "" {
		errs = append(errs, errors.New("store dir must be set"))
	}
	if c.Store.Retention < 0 {
		errs = append(errs, errors.New("store retention must not be negative"))
	}
	if c.Audit.NATSURL != "" && c.Audit.NATSSubject == "" {
		errs = append(errs, errors.New("audit nats subject required when nats url is set"))
	}

	errs = append(errs, c.validateHandlers()...)
	return errors.Join(errs...)
}

func (r RunConfig) validate() []error {
	var errs []error
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("run max_retries must not be negative, got %d", r.MaxRetries))
	}
	if r.Timeout <= 0 {
		errs = append(errs, errors.New("run timeout must be positive"))
	}
	if r.Workers < 1 {
		errs = append(errs, fmt.Errorf("run workers must be at least 1, got %d", r.Workers))
	}
	if r.DispatchRate < 0 {
		errs = append(errs, fmt.Errorf("run dispatch_rate must not be negative, got %v", r.DispatchRate))
	}
	if r.DispatchRate > 0 && r.DispatchBurst < 1 {
		errs = append(errs, fmt.Errorf("run dispatch_burst must be at least 1, got %d", r.DispatchBurst))
	}
	if r.MaxEscalations < 0 {
		errs = append(errs, fmt.Errorf("run max_escalations must not be negative, got %d", r.MaxEscalations))
	}
	if r.SummaryRatio < 1 {
		errs = append(errs, fmt.Errorf("run summary_ratio must be at least 1, got %v", r.SummaryRatio))
	}
	return errs
}

func (b BudgetConfig) validate() []error {
	var errs []error
	if b.TotalUnits < 0 {
		errs = append(errs, fmt.Errorf("budget total_units must not be negative, got %d", b.TotalUnits))
	}
	if b.DefaultTaskUnits < 1 {
		errs = append(errs, fmt.Errorf("budget default_task_units must be positive, got %d", b.DefaultTaskUnits))
	}
	if b.CharsPerUnit < 1 {
		errs = append(errs, fmt.Errorf("budget chars_per_unit must be positive, got %d", b.CharsPerUnit))
	}
	if _, err := b.Ceilings(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (c *Config) validateHandlers() []error {
	var errs []error
	seen := make(map[agent.Capability]bool, len(c.Handlers))
	for i, h := range c.Handlers {
		capability, err := h.CapabilityTag()
		if err != nil {
			errs = append(errs, fmt.Errorf("handlers[%d]: %w", i, err))
			continue
		}
		if seen[capability] {
			errs = append(errs, fmt.Errorf("handlers[%d]: capability %s bound twice", i, capability))
		}
		seen[capability] = true
		if err := h.validate(); err != nil {
			errs = append(errs, fmt.Errorf("handlers[%d] (%s): %w", i, capability, err))
		}
	}
	if len(c.Handlers) > 0 && !seen[agent.CapabilityGeneral] {
		errs = append(errs, fmt.Errorf("handlers must bind the %s capability", agent.CapabilityGeneral))
	}
	return errs
}

func (h HandlerConfig) validate() error {
	if h.BaseUnits < 0 {
		return fmt.Errorf("base_units must not be negative, got %d", h.BaseUnits)
	}
	switch h.Kind {
	case KindExec:
		if h.Command == "" {
			return errors.New("exec handler requires command")
		}
	case KindMCP:
		if h.Command == "" || h.Tool == "" {
			return errors.New("mcp handler requires command and tool")
		}
	case KindTemporal:
		if h.TaskQueue == "" || h.Workflow == "" {
			return errors.New("temporal handler requires task_queue and workflow")
		}
	case KindStatic:
	default:
		return fmt.Errorf("unknown handler kind %q", h.Kind)
	}
	return nil
}

// CapabilityTag parses the binding's capability.
func (h HandlerConfig) CapabilityTag() (agent.Capability, error) {
	return agent.ParseCapability(h.Capability)
}

// Ceilings returns the configured phase ceilings keyed by phase.
func (b BudgetConfig) Ceilings() (map[agent.Phase]int64, error) {
	out := make(map[agent.Phase]int64, len(b.PhaseCeilings))
	for name, units := range b.PhaseCeilings {
		phase, err := agent.ParsePhase(name)
		if err != nil {
			return nil, fmt.Errorf("budget phase_ceilings: %w", err)
		}
		if units < 0 {
			return nil, fmt.Errorf("budget phase_ceilings: %s must not be negative, got %d", phase, units)
		}
		out[phase] = units
	}
	return out, nil
}

// RequiredFields returns the gate's per-phase required payload fields.
func (c *Config) RequiredFields() (map[agent.Phase][]string, error) {
	out := make(map[agent.Phase][]string, len(c.Gates.RequiredFields))
	for name, fields := range c.Gates.RequiredFields {
		phase, err := agent.ParsePhase(name)
		if err != nil {
			return nil, fmt.Errorf("gates required_fields: %w", err)
		}
		out[phase] = fields
	}
	return out, nil
}
