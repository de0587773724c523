package commands

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/reportmail/internal/models"
	"github.com/reportmail/internal/report"
)

func NewEntryCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "entry",
		Short:   "Record and review report content",
		Aliases: []string{"entries", "e"},
	}

	cmd.AddCommand(newEntryAddCommand(opts))
	cmd.AddCommand(newEntryListCommand(opts))
	cmd.AddCommand(newEntryDeleteCommand(opts))

	return cmd
}

func newEntryAddCommand(opts *Options) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "add [report_id] [section] [text...]",
		Short: "Add an entry to a report section",
		Example: `  reportmail entry add team-daily conclusion "Fixed the flaky login test"
  reportmail entry add team-weekly plan "Start the billing migration" --at 2024-03-08T17:00:00Z`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Open(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			spec, err := findSpec(app, args[0])
			if err != nil {
				return err
			}
			section := strings.ToLower(args[1])
			if sections := report.Sections(spec.TemplateID); !slices.Contains(sections, section) {
				return fmt.Errorf("report %s has no section %q (sections: %s)", spec.ID, args[1], strings.Join(sections, ", "))
			}

			entry := &models.Entry{
				ReportID: spec.ID,
				Section:  section,
				Text:     strings.Join(args[2:], " "),
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				entry.At = t
			}

			if err := app.Entries.Add(cmd.Context(), entry); err != nil {
				return fmt.Errorf("failed to add entry: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entry %d added to %s/%s\n", entry.ID, spec.ID, section)
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Entry time in RFC3339 (default now)")
	return cmd
}

func newEntryListCommand(opts *Options) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:     "list [report_id]",
		Short:   "List recent entries of a report",
		Aliases: []string{"ls"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Open(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			spec, err := findSpec(app, args[0])
			if err != nil {
				return err
			}
			if since <= 0 {
				since = spec.Lookback()
			}

			end := time.Now().UTC()
			entries, err := app.Entries.Between(cmd.Context(), spec.ID, end.Add(-since), end.Add(time.Second))
			if err != nil {
				return fmt.Errorf("failed to list entries: %w", err)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.SetStyle(table.StyleLight)
			tw.AppendHeader(table.Row{"ID", "Time", "Section", "Text"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.ID, formatTime(e.At), e.Section, e.Text})
			}
			tw.Render()
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "How far back to list (default the report window)")
	return cmd
}

func newEntryDeleteCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "delete [entry_id]",
		Short:   "Delete an entry",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}

			app, err := Open(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Entries.Delete(cmd.Context(), uint(id)); err != nil {
				return fmt.Errorf("failed to delete entry: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entry %d deleted\n", id)
			return nil
		},
	}
}

func findSpec(app *App, id string) (models.ReportSpec, error) {
	specs, err := app.Config.Specs()
	if err != nil {
		return models.ReportSpec{}, err
	}
	for _, s := range specs {
		if s.ID == id {
			return s, nil
		}
	}
	return models.ReportSpec{}, fmt.Errorf("unknown report %q", id)
}
