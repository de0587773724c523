package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reportmail/internal/orchestrator"
)

const shutdownTimeout = 2 * time.Minute

func NewRunCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		Long: `Run checks for due reports right away and then on every scheduler interval.
On SIGINT or SIGTERM it stops taking new reports and waits for a delivery in
progress to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := Open(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			orch, err := app.Pipeline(ctx)
			if err != nil {
				return err
			}
			runner := orchestrator.NewRunner(orch, app.Config.Scheduler.Interval, app.Logger)

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return runner.Start(gctx)
			})

			g.Go(func() error {
				<-gctx.Done()
				app.Logger.Info("shutting down scheduler")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := runner.Stop(shutdownCtx); err != nil {
					return fmt.Errorf("scheduler shutdown: %w", err)
				}
				return nil
			})

			return g.Wait()
		},
	}
}
