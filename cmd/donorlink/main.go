package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "donorlink",
		Short: "Donorlink: community donation pledges and messaging",
		Long:  "Donorlink lets NGOs post quantified needs, donors pledge against them, and both sides arrange pickup through direct messages.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRequestCmd())
	cmd.AddCommand(newPledgeCmd())
	cmd.AddCommand(newAggregateCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newFeedCmd())
	cmd.AddCommand(newMessageCmd())
	cmd.AddCommand(newConversationsCmd())
	cmd.AddCommand(newThreadCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newTokenCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "donorlink %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
