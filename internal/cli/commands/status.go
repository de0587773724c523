package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func NewStatusCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show the schedule state of every report",
		Aliases: []string{"st"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Open(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			engine, err := app.Engine(cmd.Context())
			if err != nil {
				return err
			}

			now := time.Now()
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.SetStyle(table.StyleLight)
			tw.AppendHeader(table.Row{"Report", "Cadence", "State", "Last success", "Last attempt", "Failures", "Last error"})
			for _, spec := range engine.Specs() {
				wm := engine.Watermark(spec.ID)
				tw.AppendRow(table.Row{
					spec.ID,
					spec.Cadence,
					engine.State(spec.ID, now),
					formatTime(wm.LastSuccessfulRun),
					formatTime(wm.LastAttempt),
					wm.ConsecutiveFailures,
					wm.LastError,
				})
			}
			tw.Render()
			return nil
		},
	}
}

func NewResumeCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [report_id]",
		Short: "Clear a suspended report so it is scheduled again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Open(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			return resume(cmd.Context(), app, args[0], func(msg string) {
				fmt.Fprintln(cmd.OutOrStdout(), msg)
			})
		},
	}
}

func resume(ctx context.Context, app *App, id string, print func(string)) error {
	engine, err := app.Engine(ctx)
	if err != nil {
		return err
	}
	wasSuspended := engine.Watermark(id).Suspended

	if _, err := engine.Resume(ctx, id); err != nil {
		return fmt.Errorf("failed to resume report: %w", err)
	}
	app.Logger.Info("report resumed", "report", id, "was_suspended", wasSuspended)

	if wasSuspended {
		print(fmt.Sprintf("Report %s resumed", id))
	} else {
		print(fmt.Sprintf("Report %s was not suspended; failure count cleared", id))
	}
	return nil
}
