package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show the state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := openBackend(cmd, opts)
			if err != nil {
				return err
			}
			defer be.Close()

			st, err := be.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatStatus(st))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newRecordsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "records RUN_ID",
		Short: "List the delegation attempts of a run",
		Long: `List every delegation attempt of a run in order, with the handler that
served it, its outcome and the budget it consumed, followed by a summary.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := openBackend(cmd, opts)
			if err != nil {
				return err
			}
			defer be.Close()

			resp, err := be.Records(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatRecords(resp))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		interval time.Duration
		stay     bool
	)

	cmd := &cobra.Command{
		Use:   "watch RUN_ID",
		Short: "Follow a run in a live dashboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("interval must be > 0, got %v", interval)
			}
			be, err := openBackend(cmd, opts)
			if err != nil {
				return err
			}
			defer be.Close()

			st, err := watchRun(cmd.Context(), cmd, be, args[0], interval, !stay)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatStatus(st))
			return checkFinished(st)
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", defaultWatchInterval, "poll interval")
	cmd.Flags().BoolVar(&stay, "stay", false, "keep the dashboard open after the run stops")
	return cmd
}
