package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watcher and orchestrator",
	Long: `Run continuously: watch the inbox for new drops and drain the pending
queue until interrupted. With --once, perform a single recovery and
processing cycle and exit - the mode meant for cron.`,
	RunE: runRun,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Perform a single processing cycle (same as 'run --once')",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd)
	},
}

func init() {
	runCmd.Flags().Bool("once", false, "run one cycle and exit")
}

func runRun(cmd *cobra.Command, args []string) error {
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return err
	}
	if once {
		return runOnce(cmd)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("starting", "vault", a.vault.Root(),
		"poll_interval_s", cfg.Queue.PollIntervalS)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.inboxWatcher.Run(gctx) })
	g.Go(func() error { return a.orchestrator.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

// runOnce sweeps the inbox, recovers interrupted work, drains the queue,
// and exits. Ingestion and processing each happen exactly once.
func runOnce(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.inboxWatcher.Sweep(); err != nil {
		return err
	}
	if err := a.orchestrator.RunOnce(cmd.Context()); err != nil {
		return err
	}

	// The cycle only rewrites the dashboard when something moved; a cron
	// invocation should leave a fresh one either way.
	return a.orchestrator.WriteDashboard()
}
