package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/donorlink/internal/fulfillment"
)

func newFeedCmd() *cobra.Command {
	var (
		configPath string
		search     string
		category   string
	)

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "List requests still open to donors",
		Long:  "Lists active requests that are not yet fulfilled, urgent first and then newest.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := newServices(cfg, gormDB)
			if err != nil {
				return err
			}
			snaps, err := svc.feed.ActiveForDonors(cmd.Context(), fulfillment.DonorFilter{Search: search, Category: category})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintln(out, "No open requests")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNGO\tITEM\tREMAINING\tURGENT")
			for _, s := range snaps {
				urgent := ""
				if s.Request.IsUrgent {
					urgent = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.Request.ID, s.Request.NGOID, s.Request.ItemName, s.Aggregate.Remaining(), urgent)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVarP(&search, "search", "s", "", "match title or item name")
	cmd.Flags().StringVar(&category, "category", "", "only this category")
	return cmd
}
