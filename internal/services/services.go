package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/agents"
	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/budget"
	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	"github.com/fyrsmithlabs/phasectl/internal/config"
	"github.com/fyrsmithlabs/phasectl/internal/executor"
	"github.com/fyrsmithlabs/phasectl/internal/gate"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
	"github.com/fyrsmithlabs/phasectl/internal/registry"
	"github.com/fyrsmithlabs/phasectl/internal/selector"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// ErrNoGeneralHandler is returned when no binding serves the general
// capability, which the selector falls back to.
var ErrNoGeneralHandler = errors.New("no handler binds the general capability")

// Options carries process-level inputs that are not configuration.
type Options struct {
	Version string
	Logger  *zap.Logger

	// TemporalClient replaces the dialed Temporal client.
	TemporalClient agents.WorkflowClient
}

// Services is the assembled runtime.
type Services struct {
	Registry   *registry.Registry
	Selector   *selector.Selector
	Validator  *gate.Validator
	Journal    *checkpoint.Store
	Controller *orchestrator.Controller
	Metrics    *audit.Metrics

	nats     *nats.Conn
	bindings *agents.Bindings
	logger   *zap.Logger
}

// New builds the runtime described by cfg. On error everything built so
// far is released.
func New(cfg *config.Config, opts Options) (_ *Services, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Services{logger: logger}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	s.Registry = registry.New()
	s.bindings, err = agents.Register(s.Registry, cfg.Handlers, agents.Options{
		Version:        opts.Version,
		Temporal:       cfg.Temporal,
		TemporalClient: opts.TemporalClient,
		Logger:         logger.Named("agents"),
	})
	if err != nil {
		return nil, fmt.Errorf("registering handlers: %w", err)
	}
	if !s.Registry.Has(agent.CapabilityGeneral) {
		return nil, ErrNoGeneralHandler
	}

	rules := selector.DefaultRules()
	if cfg.Selector.RulesFile != "" {
		loaded, err := selector.LoadRules(cfg.Selector.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("loading selector rules: %w", err)
		}
		rules = append(loaded, rules...)
	}
	s.Selector, err = selector.New(rules, s.Registry)
	if err != nil {
		return nil, fmt.Errorf("building selector: %w", err)
	}

	required, err := cfg.RequiredFields()
	if err != nil {
		return nil, err
	}
	s.Validator = gate.New(gate.Config{
		RequiredFields:     required,
		Markers:            cfg.Gates.DisallowedMarkers,
		VerificationFields: cfg.Gates.VerificationFields,
		ScanSecrets:        cfg.Gates.ScanSecrets,
		AllowSecretRules:   cfg.Gates.AllowSecretRules,
	}, s.Registry)

	s.Journal, err = checkpoint.NewStore(cfg.Store.Dir, logger.Named("journal"))
	if err != nil {
		return nil, fmt.Errorf("opening run journal: %w", err)
	}
	if keep := cfg.Store.Retention.Duration(); keep > 0 {
		if _, err := s.Journal.Prune(context.Background(), time.Now().Add(-keep)); err != nil {
			logger.Warn("pruning finished runs", zap.Error(err))
		}
	}

	var sinks []audit.Sink
	if cfg.Audit.NATSURL != "" {
		s.nats, err = connectNATS(cfg.Audit)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, audit.NewNATSSink(s.nats, cfg.Audit.NATSSubject))
		logger.Info("publishing delegation records", zap.String("url", cfg.Audit.NATSURL), zap.String("subject", cfg.Audit.NATSSubject))
	}

	ceilings, err := cfg.Budget.Ceilings()
	if err != nil {
		return nil, err
	}
	s.Metrics = audit.NewMetrics()
	s.Controller, err = orchestrator.NewController(orchestrator.Config{
		Executor: executor.Config{
			MaxRetries:    cfg.Run.MaxRetries,
			Timeout:       cfg.Run.Timeout.Duration(),
			DispatchRate:  cfg.Run.DispatchRate,
			DispatchBurst: cfg.Run.DispatchBurst,
		},
		Workers:           cfg.Run.Workers,
		MaxEscalations:    cfg.Run.MaxEscalations,
		CompactOnBoundary: cfg.Run.CompactOnBoundary,
		SummaryRatio:      cfg.Run.SummaryRatio,
		Estimator: budget.Estimator{
			CharsPerUnit: cfg.Budget.CharsPerUnit,
			DefaultUnits: cfg.Budget.DefaultTaskUnits,
		},
		TotalUnits:    cfg.Budget.TotalUnits,
		PhaseCeilings: ceilings,
		Skills:        cfg.Skills,
	}, orchestrator.Deps{
		Registry:  s.Registry,
		Selector:  s.Selector,
		Validator: s.Validator,
		Journal:   s.Journal,
		Sinks:     sinks,
		Metrics:   s.Metrics,
		Logger:    logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("runtime assembled",
		zap.Strings("capabilities", capabilityNames(s.Registry.Tags())),
		zap.String("store", cfg.Store.Dir),
		zap.Int("workers", cfg.Run.Workers),
	)
	return s, nil
}

func connectNATS(cfg config.AuditConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("phasectl"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	}
	if cfg.NATSToken.IsSet() {
		opts = append(opts, nats.Token(cfg.NATSToken.Value()))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	return nc, nil
}

// Shutdown stops background runs, then closes the journal, the handler
// bindings and the NATS connection.
func (s *Services) Shutdown(ctx context.Context) error {
	var errs []error
	if s.Controller != nil {
		if err := s.Controller.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping runs: %w", err))
		}
	}
	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Services) release() error {
	var errs []error
	if s.Journal != nil {
		if err := s.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing journal: %w", err))
		}
	}
	if s.bindings != nil {
		if err := s.bindings.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing handlers: %w", err))
		}
	}
	if s.nats != nil {
		if err := s.nats.Drain(); err != nil {
			s.nats.Close()
		}
	}
	return errors.Join(errs...)
}

func capabilityNames(tags []agent.Capability) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}
