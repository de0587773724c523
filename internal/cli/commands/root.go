package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCommand assembles the reportmail command tree.
func NewRootCommand() *cobra.Command {
	opts := &Options{}

	root := &cobra.Command{
		Use:   "reportmail",
		Short: "reportmail - scheduled report mail delivery",
		Long: `reportmail renders daily and weekly reports from recorded entries and mails
them to their recipients on schedule. Failed reports are retried on later
ticks and suspended after repeated failures.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Config file (default ./config.yaml or $HOME/.reportmail/config.yaml)")

	root.AddCommand(NewRunCommand(opts))
	root.AddCommand(NewTickCommand(opts))
	root.AddCommand(NewSendCommand(opts))
	root.AddCommand(NewStatusCommand(opts))
	root.AddCommand(NewResumeCommand(opts))
	root.AddCommand(NewEntryCommand(opts))
	root.AddCommand(NewHistoryCommand(opts))

	return root
}
