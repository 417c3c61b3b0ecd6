package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	"github.com/fyrsmithlabs/phasectl/internal/client"
	"github.com/fyrsmithlabs/phasectl/internal/config"
	httpserver "github.com/fyrsmithlabs/phasectl/internal/http"
	"github.com/fyrsmithlabs/phasectl/internal/logging"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
	"github.com/fyrsmithlabs/phasectl/internal/services"
)

// localShutdownTimeout bounds Close for in-process runs.
const localShutdownTimeout = 10 * time.Second

// backend executes commands against a daemon or an in-process runtime.
type backend interface {
	// Start begins req. A remote backend returns once the run is accepted;
	// a local one blocks until the run stops.
	Start(ctx context.Context, req orchestrator.RunRequest) (orchestrator.Status, error)
	Resume(ctx context.Context, runID string) (orchestrator.Status, error)
	Status(ctx context.Context, runID string) (orchestrator.Status, error)
	Records(ctx context.Context, runID string) (httpserver.RecordsResponse, error)
	Close() error
}

func openBackend(cmd *cobra.Command, opts *rootOptions) (backend, error) {
	if opts.local {
		return openLocal(opts.configPath, cmd.ErrOrStderr())
	}
	c, err := client.New(opts.serverURL, opts.timeout)
	if err != nil {
		return nil, err
	}
	return &remoteBackend{client: c}, nil
}

type remoteBackend struct {
	client *client.Client
}

func (r *remoteBackend) Start(ctx context.Context, req orchestrator.RunRequest) (orchestrator.Status, error) {
	id, err := r.client.Submit(ctx, req)
	if err != nil {
		return orchestrator.Status{}, err
	}
	return orchestrator.Status{RunID: id, State: checkpoint.StateRunning}, nil
}

func (r *remoteBackend) Resume(ctx context.Context, runID string) (orchestrator.Status, error) {
	if err := r.client.Resume(ctx, runID); err != nil {
		return orchestrator.Status{}, err
	}
	return orchestrator.Status{RunID: runID, State: checkpoint.StateRunning}, nil
}

func (r *remoteBackend) Status(ctx context.Context, runID string) (orchestrator.Status, error) {
	return r.client.Status(ctx, runID)
}

func (r *remoteBackend) Records(ctx context.Context, runID string) (httpserver.RecordsResponse, error) {
	return r.client.Records(ctx, runID)
}

func (r *remoteBackend) Close() error { return nil }

// localBackend drives the controller in this process. Logs and progress
// go to stderr so stdout carries only command output.
type localBackend struct {
	svc    *services.Services
	logger *logging.Logger
}

func openLocal(configPath string, stderr io.Writer) (*localBackend, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	logCfg, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Format = "console"
	logCfg.Output.Writer = stderr
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, err
	}

	svc, err := services.New(cfg, services.Options{Version: version, Logger: logger.Underlying()})
	if err != nil {
		return nil, err
	}
	svc.Controller.OnProgress(func(p orchestrator.PhaseProgress) {
		fmt.Fprintln(stderr, formatProgress(p))
	})
	return &localBackend{svc: svc, logger: logger}, nil
}

func (l *localBackend) Start(ctx context.Context, req orchestrator.RunRequest) (orchestrator.Status, error) {
	return l.svc.Controller.Run(ctx, req)
}

func (l *localBackend) Resume(ctx context.Context, runID string) (orchestrator.Status, error) {
	return l.svc.Controller.Resume(ctx, runID)
}

func (l *localBackend) Status(ctx context.Context, runID string) (orchestrator.Status, error) {
	return l.svc.Controller.Status(ctx, runID)
}

func (l *localBackend) Records(ctx context.Context, runID string) (httpserver.RecordsResponse, error) {
	recs, err := l.svc.Controller.Records(ctx, runID)
	if err != nil {
		return httpserver.RecordsResponse{}, err
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	return httpserver.RecordsResponse{RunID: runID, Records: recs, Summary: audit.Summarize(recs)}, nil
}

func (l *localBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), localShutdownTimeout)
	defer cancel()
	err := l.svc.Shutdown(ctx)
	_ = l.logger.Sync()
	return err
}
