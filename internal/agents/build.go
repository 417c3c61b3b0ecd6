package agents

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/config"
	"github.com/fyrsmithlabs/phasectl/internal/registry"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Options tune Register.
type Options struct {
	// Version is reported to MCP servers.
	Version string

	Temporal config.TemporalConfig

	// TemporalClient is used instead of dialing Temporal.
	TemporalClient WorkflowClient

	Logger *zap.Logger
}

// Bindings holds the connections opened for registered handlers.
type Bindings struct {
	mcp      []*MCPHandler
	temporal client.Client
}

// Close ends MCP sessions and the Temporal connection.
func (b *Bindings) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, h := range b.mcp {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.temporal != nil {
		b.temporal.Close()
		b.temporal = nil
	}
	return errors.Join(errs...)
}

// Register builds a handler for each binding and registers it under its
// capability.
func Register(reg *registry.Registry, handlers []config.HandlerConfig, opts Options) (*Bindings, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bindings{}

	for _, hc := range handlers {
		capability, err := hc.CapabilityTag()
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		h, err := b.build(hc, opts, logger.With(zap.String("capability", string(capability))))
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("handler %s: %w", capability, err)
		}
		if err := reg.Register(capability, h, registry.WithKind(hc.Kind), registry.WithBaseUnits(hc.BaseUnits)); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("handler %s: %w", capability, err)
		}
		logger.Debug("handler registered", zap.String("capability", string(capability)), zap.String("kind", hc.Kind))
	}
	return b, nil
}

func (b *Bindings) build(hc config.HandlerConfig, opts Options, logger *zap.Logger) (agent.Handler, error) {
	switch hc.Kind {
	case config.KindExec:
		return NewExecHandler(hc.Command, hc.Args, hc.Env, logger), nil
	case config.KindMCP:
		h := NewMCPHandler(hc.Tool, CommandDialer(hc.Command, hc.Args, hc.Env, opts.Version), logger)
		b.mcp = append(b.mcp, h)
		return h, nil
	case config.KindTemporal:
		c, err := b.workflowClient(opts)
		if err != nil {
			return nil, err
		}
		return NewTemporalHandler(c, hc.TaskQueue, hc.Workflow, logger), nil
	case config.KindStatic:
		return NewStaticHandler(hc.Payload, hc.BaseUnits), nil
	default:
		return nil, fmt.Errorf("unknown handler kind %q", hc.Kind)
	}
}

// workflowClient dials Temporal once for all temporal bindings.
func (b *Bindings) workflowClient(opts Options) (WorkflowClient, error) {
	if opts.TemporalClient != nil {
		return opts.TemporalClient, nil
	}
	if b.temporal == nil {
		c, err := DialTemporal(opts.Temporal.HostPort, opts.Temporal.Namespace)
		if err != nil {
			return nil, err
		}
		b.temporal = c
	}
	return b.temporal, nil
}
