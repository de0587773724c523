package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/reportmail/internal/alert"
	"github.com/reportmail/internal/models"
)

// NewTickCommand runs a single tick, for use from cron or a systemd timer.
func NewTickCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Process every due report once and exit",
		Args:  cobra.NoArgs,
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

			ev, err := orch.Tick(ctx)
			printResults(cmd.OutOrStdout(), ev)
			if err != nil {
				return fmt.Errorf("tick %s: %w", ev.TickID, err)
			}
			return nil
		},
	}
}

func NewSendCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "send [report_id]",
		Short: "Send one report now, whether it is due or not",
		Args:  cobra.ExactArgs(1),
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

			ev, err := orch.RunReport(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to send report: %w", err)
			}
			printResults(cmd.OutOrStdout(), ev)

			for _, r := range ev.Results {
				if r.Outcome != models.OutcomeDelivered {
					return fmt.Errorf("report %s not delivered: %s", r.SpecID, r.Reason)
				}
			}
			return nil
		},
	}
}

func printResults(w io.Writer, ev alert.TickEvent) {
	if len(ev.Results) == 0 {
		fmt.Fprintln(w, "No reports due")
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Report", "Window", "Outcome", "State", "Failures", "Reason"})
	for _, r := range ev.Results {
		tw.AppendRow(table.Row{r.SpecID, r.Window.String(), r.Outcome, r.State, r.ConsecutiveFailures, r.Reason})
	}
	tw.Render()
}
