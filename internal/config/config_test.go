package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// isolate points HOME at a temp dir so no real config file is read.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	isolate(t)
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.Run.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Run.Timeout.Duration())
	assert.Equal(t, 4, cfg.Run.Workers)
	assert.Equal(t, 1, cfg.Run.MaxEscalations)
	assert.True(t, cfg.Run.CompactOnBoundary)
	assert.Equal(t, int64(1000), cfg.Budget.DefaultTaskUnits)
	assert.Equal(t, 4, cfg.Budget.CharsPerUnit)
	assert.Equal(t, "127.0.0.1:9191", cfg.Server.Addr())
}

func TestLoadWithFile_YAML(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
server:
  port: 8088
  shutdown_timeout: 3s
run:
  max_retries: 2
  timeout: 90s
  workers: 2
  compact_on_boundary: false
budget:
  total_units: 50000
  phase_ceilings:
    PLAN: 5000
    green: 20000
gates:
  required_fields:
    RED: [tests]
  scan_secrets: true
audit:
  nats_url: nats://127.0.0.1:4222
  nats_token: hunter2
skills:
  go-style: "prefer table tests"
handlers:
  - capability: general
    kind: static
    payload:
      output: done
  - capability: backend
    kind: exec
    command: /usr/local/bin/backend-agent
    args: ["--json"]
    env:
      AGENT_MODE: strict
    base_units: 250
  - capability: git-manager
    kind: temporal
    task_queue: git
    workflow: ReleaseWorkflow
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 2, cfg.Run.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Run.Timeout.Duration())
	assert.False(t, cfg.Run.CompactOnBoundary)
	assert.Equal(t, 3.0, cfg.Run.SummaryRatio, "unset values keep defaults")
	assert.Equal(t, int64(50000), cfg.Budget.TotalUnits)
	assert.Equal(t, "hunter2", cfg.Audit.NATSToken.Value())
	assert.Equal(t, "phasectl.records", cfg.Audit.NATSSubject)
	assert.Equal(t, "prefer table tests", cfg.Skills["go-style"])

	ceilings, err := cfg.Budget.Ceilings()
	require.NoError(t, err)
	assert.Equal(t, map[agent.Phase]int64{agent.PhasePlan: 5000, agent.PhaseGreen: 20000}, ceilings)

	fields, err := cfg.RequiredFields()
	require.NoError(t, err)
	assert.Equal(t, []string{"tests"}, fields[agent.PhaseRed])

	require.Len(t, cfg.Handlers, 3)
	assert.Equal(t, KindStatic, cfg.Handlers[0].Kind)
	assert.Equal(t, "done", cfg.Handlers[0].Payload["output"])
	assert.Equal(t, []string{"--json"}, cfg.Handlers[1].Args)
	assert.Equal(t, "strict", cfg.Handlers[1].Env["AGENT_MODE"])
	assert.Equal(t, int64(250), cfg.Handlers[1].BaseUnits)
	capability, err := cfg.Handlers[2].CapabilityTag()
	require.NoError(t, err)
	assert.Equal(t, agent.CapabilityGitManager, capability)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "run:\n  max_retries: 2\n", 0600)

	t.Setenv("PHASECTL_RUN_MAX_RETRIES", "5")
	t.Setenv("PHASECTL_RUN_TIMEOUT", "45s")
	t.Setenv("PHASECTL_SERVER_PORT", "7070")
	t.Setenv("PHASECTL_STORE_DIR", "/var/lib/phasectl")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Run.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Run.Timeout.Duration())
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/var/lib/phasectl", cfg.Store.Dir)
}

func TestLoadWithFile_DefaultPath(t *testing.T) {
	home := isolate(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err, "a missing default file is not an error")
	assert.Equal(t, 9191, cfg.Server.Port)

	dir := filepath.Join(home, ".config", "phasectl")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 9393\n"), 0600))

	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 9393, cfg.Server.Port)
}

func TestLoadWithFile_Errors(t *testing.T) {
	isolate(t)

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("world readable file", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission model differs on windows")
		}
		path := writeConfig(t, "server:\n  port: 8080\n", 0644)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("file too large", func(t *testing.T) {
		big := "skills:\n  blob: \"" + strings.Repeat("x", maxConfigFileSize) + "\"\n"
		path := writeConfig(t, big, 0600)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeConfig(t, "run:\n  workers: 0\n", 0600)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "workers")
	})

	t.Run("negative duration", func(t *testing.T) {
		path := writeConfig(t, "run:\n  timeout: -5s\n", 0600)
		_, err := LoadWithFile(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		errText string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging format"},
		{"telemetry protocol", func(c *Config) {
			c.Observability.EnableTelemetry = true
			c.Observability.OTLPProtocol = "thrift"
		}, "otlp protocol"},
		{"negative retries", func(c *Config) { c.Run.MaxRetries = -1 }, "max_retries"},
		{"summary ratio", func(c *Config) { c.Run.SummaryRatio = 0.5 }, "summary_ratio"},
		{"burst with rate", func(c *Config) {
			c.Run.DispatchRate = 2
			c.Run.DispatchBurst = 0
		}, "dispatch_burst"},
		{"unknown ceiling phase", func(c *Config) { c.Budget.PhaseCeilings = map[string]int64{"DEPLOY": 1} }, "unknown phase"},
		{"negative ceiling", func(c *Config) { c.Budget.PhaseCeilings = map[string]int64{"PLAN": -1} }, "must not be negative"},
		{"unknown required fields phase", func(c *Config) {
			c.Gates.RequiredFields = map[string][]string{"SHIP": {"x"}}
		}, "required_fields"},
		{"empty store dir", func(c *Config) { c.Store.Dir = "" }, "store dir"},
		{"negative retention", func(c *Config) { c.Store.Retention = Duration(-time.Hour) }, "retention"},
		{"unknown handler kind", func(c *Config) {
			c.Handlers = []HandlerConfig{{Capability: "general", Kind: "grpc"}}
		}, "unknown handler kind"},
		{"exec without command", func(c *Config) {
			c.Handlers = []HandlerConfig{{Capability: "general", Kind: KindExec}}
		}, "requires command"},
		{"mcp without tool", func(c *Config) {
			c.Handlers = []HandlerConfig{{Capability: "general", Kind: KindMCP, Command: "srv"}}
		}, "requires command and tool"},
		{"temporal without queue", func(c *Config) {
			c.Handlers = []HandlerConfig{{Capability: "general", Kind: KindTemporal, Workflow: "W"}}
		}, "task_queue"},
		{"unknown capability", func(c *Config) {
			c.Handlers = []HandlerConfig{{Capability: "wizard", Kind: KindStatic}}
		}, "unknown capability"},
		{"duplicate capability", func(c *Config) {
			c.Handlers = []HandlerConfig{
				{Capability: "general", Kind: KindStatic},
				{Capability: "general", Kind: KindStatic},
			}
		}, "bound twice"},
		{"missing general", func(c *Config) {
			c.Handlers = []HandlerConfig{{Capability: "backend", Kind: KindStatic}}
		}, "must bind the general"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Run.Workers = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")
	assert.Contains(t, err.Error(), "workers")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "run.max_retries", envKey("PHASECTL_RUN_MAX_RETRIES"))
	assert.Equal(t, "audit.nats_token", envKey("PHASECTL_AUDIT_NATS_TOKEN"))
	assert.Equal(t, "skills", envKey("PHASECTL_SKILLS"))
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")
	assert.True(t, s.IsSet())
	assert.Equal(t, "hunter2", s.Value())

	data, err := json.Marshal(AuditConfig{NATSToken: s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalText([]byte("45")))
	assert.Equal(t, 45*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("-5")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	text, err := Duration(2 * time.Second).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2s", string(text))
}
