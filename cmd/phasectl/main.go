// Package main implements phasectl, the command-line client for phased.
//
// Runs are submitted to a phased daemon over HTTP by default. With --local
// the same runtime is assembled in process from the config file, which is
// useful for one-shot runs and for inspecting the journal without a daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasectl/internal/client"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	serverURL  string
	configPath string
	timeout    time.Duration
	local      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "phasectl",
		Short: "Submit and inspect phased runs",
		Long: `phasectl submits run plans to phased and reports on their progress.

Each run moves through PLAN, RED, GREEN, REFACTOR, SYNC and RELEASE.
Interrupted or failed runs can be resumed from their last checkpoint.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.serverURL, "server", "http://127.0.0.1:9191", "phased server URL")
	flags.StringVar(&opts.configPath, "config", "", "config file for --local (default ~/.config/phasectl/config.yaml)")
	flags.DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "HTTP request timeout")
	flags.BoolVar(&opts.local, "local", false, "run in process instead of against a daemon")

	cmd.AddCommand(
		newRunCmd(opts),
		newResumeCmd(opts),
		newStatusCmd(opts),
		newRecordsCmd(opts),
		newWatchCmd(opts),
		newHealthCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "phasectl by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check phased server health",
		Long: `Check the health status of the phased HTTP server.

Examples:
  # Check health
  phasectl health

  # Check health on a different server
  phasectl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.New(opts.serverURL, opts.timeout)
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status:  %s\n", h.Status)
			fmt.Fprintf(out, "Server Version: %s\n", h.Version)
			fmt.Fprintf(out, "Server URL:     %s\n", opts.serverURL)
			return nil
		},
	}
}
