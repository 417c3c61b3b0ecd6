package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	"github.com/fyrsmithlabs/phasectl/internal/monitor"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
)

// defaultWatchInterval is how often watch polls the daemon.
const defaultWatchInterval = time.Second

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		planPath string
		budget   int64
		watch    bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a run plan",
		Long: `Submit a run plan read from a YAML or JSON file.

Against a daemon the command returns as soon as the run is accepted.
With --local it blocks until the run completes, fails or is interrupted.

Examples:
  # Submit a plan and follow it
  phasectl run --plan feature.yaml --watch

  # Read the plan from stdin with an explicit budget
  cat feature.yaml | phasectl run --plan - --budget 50000

  # Run in process without a daemon
  phasectl run --local --plan feature.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := loadPlan(planPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if budget > 0 {
				req.TotalBudget = budget
			}

			be, err := openBackend(cmd, opts)
			if err != nil {
				return err
			}
			defer be.Close()

			st, err := be.Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			return report(cmd, be, st, watch, asJSON)
		},
	}

	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "plan file, or - for stdin")
	cmd.Flags().Int64Var(&budget, "budget", 0, "total budget units (overrides the plan)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run until it stops")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var (
		watch  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume a RESUMABLE or FAILED run",
		Long: `Resume a run from its last completed phase.

Context, budget and audit records are restored from the journal. Completed
runs cannot be resumed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := openBackend(cmd, opts)
			if err != nil {
				return err
			}
			defer be.Close()

			st, err := be.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return report(cmd, be, st, watch, asJSON)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run until it stops")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

// report prints st, optionally after following the run to a terminal
// state. It fails when the run ended without completing.
func report(cmd *cobra.Command, be backend, st orchestrator.Status, watch, asJSON bool) error {
	if watch && !st.State.Terminal() {
		final, err := watchRun(cmd.Context(), cmd, be, st.RunID, defaultWatchInterval, true)
		if err != nil {
			return err
		}
		st = final
	}

	out := cmd.OutOrStdout()
	if asJSON {
		if err := writeJSON(out, st); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, formatStatus(st))
	}
	return checkFinished(st)
}

func checkFinished(st orchestrator.Status) error {
	switch st.State {
	case checkpoint.StateFailed:
		return fmt.Errorf("run %s failed in %s: %s", st.RunID, st.Phase, st.Reason)
	case checkpoint.StateResumable:
		return fmt.Errorf("run %s was interrupted in %s", st.RunID, st.Phase)
	default:
		return nil
	}
}

// watchRun shows the live dashboard until the user quits or, with
// exitOnDone, until the run stops.
func watchRun(ctx context.Context, cmd *cobra.Command, be backend, runID string, interval time.Duration, exitOnDone bool) (orchestrator.Status, error) {
	model := monitor.NewModel(be, runID, interval, exitOnDone)
	p := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)
	end, err := p.Run()
	if err != nil {
		return orchestrator.Status{}, fmt.Errorf("watch: %w", err)
	}
	if m, ok := end.(monitor.Model); ok {
		if st, fetched := m.Final(); fetched {
			return st, nil
		}
	}
	return be.Status(ctx, runID)
}
