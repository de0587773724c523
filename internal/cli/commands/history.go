package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func NewHistoryCommand(opts *Options) *cobra.Command {
	var (
		reportID string
		limit    int
	)

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show recent report runs",
		Aliases: []string{"log"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Open(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			logs, err := app.History.List(cmd.Context(), reportID, limit)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.SetStyle(table.StyleLight)
			tw.AppendHeader(table.Row{"Time", "Tick", "Report", "Window end", "Outcome", "State", "Reason"})
			for _, l := range logs {
				tw.AppendRow(table.Row{
					formatTime(l.CreatedAt),
					shortID(l.TickID),
					l.SpecID,
					formatTime(l.WindowEnd),
					l.Outcome,
					l.State,
					l.Reason,
				})
			}
			tw.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&reportID, "report", "", "Only show runs of this report")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
