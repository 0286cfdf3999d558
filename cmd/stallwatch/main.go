package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := buildRoot()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, &RunFlags{}),
		createIngestCommand(&IngestFlags{}),
		createConfigCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stallwatch",
		Short: "Event loop stall watchdog",
		Long: `Stallwatch watches a cooperative event loop from an independent thread and
reports every stall longer than the observe interval, with the stack of the
blocking code.

Examples:
  stallwatch run --block 250ms,500ms
  DUMP_STACKS_IGNORE_INITIAL_SPINS=0 stallwatch run --block 300ms --api-listen :8080
  stallwatch run --block 200ms 2>&1 | stallwatch ingest --dsn sqlite:///tmp/stalls.db
  stallwatch config --config stallwatch.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run blocking tasks on a watched loop",
		Long: `Start an event loop under the watchdog, post CPU-bound tasks that block it
for each --block duration, then linger so the last stall is closed.

Reports go to the configured output (stderr unless DUMP_STACKS_STDOUT_OUTPUT
or DUMP_STACKS_OUTPUT_FILE says otherwise).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := runWorkload(cmd.Context(), globalFlags.ConfigPath, *runFlags, nil)
			return err
		},
	}
	cmd.Flags().DurationSliceVar(&runFlags.Blocks, "block", []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}, "durations to block the loop for, in order")
	cmd.Flags().DurationVar(&runFlags.Gap, "gap", 20*time.Millisecond, "idle time between blocks")
	cmd.Flags().DurationVar(&runFlags.Linger, "linger", 1500*time.Millisecond, "time to keep watching after the last block")
	cmd.Flags().StringVar(&runFlags.APIListen, "api-listen", "", "serve the status API on this address")
	cmd.Flags().StringVar(&runFlags.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&runFlags.HistoryDSN, "history-dsn", "", "record reports to this history sink")
	cmd.Flags().BoolVar(&runFlags.Gops, "gops", false, "start a gops diagnostics agent")
	return cmd
}

func createIngestCommand(flags *IngestFlags) *cobra.Command {
	host, _ := os.Hostname()
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Store report lines from a log into a history sink",
		Long: `Read newline-delimited output, pick out report lines by their fixed prefix
and store them in a history sink. Other lines are ignored.

Examples:
  stallwatch ingest --dsn sqlite:///tmp/stalls.db --file app.log
  node app.js 2>&1 | stallwatch ingest --dsn postgres://user:pass@db:5432/stalls`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if flags.File != "" {
				f, err := os.Open(flags.File)
				if err != nil {
					return fmt.Errorf("open %s: %w", flags.File, err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			n, err := ingest(cmd.Context(), *flags, in)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ingested %d reports\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.DSN, "dsn", "", "history sink DSN (required)")
	cmd.Flags().StringVar(&flags.File, "file", "", "read from file instead of stdin")
	cmd.Flags().StringVar(&flags.Host, "host", host, "host recorded with each report")
	cmd.Flags().IntVar(&flags.PID, "pid", 0, "pid of the process that produced the reports")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 5*time.Second, "per-report send timeout")
	if err := cmd.MarkFlagRequired("dsn"); err != nil {
		panic(err)
	}
	return cmd
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConfig(globalFlags.ConfigPath, cmd.OutOrStdout())
		},
	}
}
