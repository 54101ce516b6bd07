package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/donorlink/internal/request"
)

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "NGO request commands",
	}

	cmd.AddCommand(newRequestCreateCmd())
	cmd.AddCommand(newRequestUpdateCmd())
	cmd.AddCommand(newRequestListCmd())
	cmd.AddCommand(newRequestDeleteCmd())
	return cmd
}

func newRequestCreateCmd() *cobra.Command {
	var (
		configPath  string
		ngo         string
		item        string
		title       string
		description string
		category    string
		quantity    int
		urgent      bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a new request",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			req, err := request.Create(gormDB, request.CreateOpts{
				NGOID:          ngo,
				Title:          title,
				ItemName:       item,
				Description:    description,
				Category:       category,
				QuantityNeeded: quantity,
				Urgent:         urgent,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created request %s: %d x %s\n", req.ID, req.QuantityNeeded, req.ItemName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVar(&ngo, "ngo", "", "owning NGO ID (required)")
	cmd.Flags().StringVar(&item, "item", "", "item name (required)")
	cmd.Flags().StringVar(&title, "title", "", "title (defaults to item name)")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringVar(&category, "category", "", "category (default other)")
	cmd.Flags().IntVar(&quantity, "quantity", 0, "quantity needed (required)")
	cmd.Flags().BoolVar(&urgent, "urgent", false, "mark as urgent")
	cmd.MarkFlagRequired("ngo")
	cmd.MarkFlagRequired("item")
	cmd.MarkFlagRequired("quantity")
	return cmd
}

func newRequestUpdateCmd() *cobra.Command {
	var (
		configPath string
		ngo        string
		quantity   int
		urgent     bool
		status     string
	)

	cmd := &cobra.Command{
		Use:   "update <request-id>",
		Short: "Change a request you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			var opts request.UpdateOpts
			if cmd.Flags().Changed("quantity") {
				opts.QuantityNeeded = &quantity
			}
			if cmd.Flags().Changed("urgent") {
				opts.Urgent = &urgent
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			req, err := request.Update(gormDB, args[0], ngo, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated request %s (status %s, needed %d, urgent %v)\n",
				req.ID, req.Status, req.QuantityNeeded, req.IsUrgent)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVar(&ngo, "ngo", "", "owning NGO ID (required)")
	cmd.Flags().IntVar(&quantity, "quantity", 0, "new quantity needed")
	cmd.Flags().BoolVar(&urgent, "urgent", false, "urgency flag")
	cmd.Flags().StringVar(&status, "status", "", "new status (active, pending_pickup, collected)")
	cmd.MarkFlagRequired("ngo")
	return cmd
}

func newRequestListCmd() *cobra.Command {
	var (
		configPath string
		ngo        string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an NGO's requests with pledge totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := newServices(cfg, gormDB)
			if err != nil {
				return err
			}
			snaps, err := svc.feed.ForNGO(cmd.Context(), ngo)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintf(out, "No requests for %s\n", ngo)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tITEM\tPLEDGED\tSTATUS\tFULFILLED")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%v\n",
					s.Request.ID, s.Request.ItemName, s.Aggregate.Pledged, s.Aggregate.Needed,
					s.Request.Status, s.Aggregate.Fulfilled)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVar(&ngo, "ngo", "", "NGO ID (required)")
	cmd.MarkFlagRequired("ngo")
	return cmd
}

func newRequestDeleteCmd() *cobra.Command {
	var (
		configPath string
		ngo        string
	)

	cmd := &cobra.Command{
		Use:   "delete <request-id>",
		Short: "Delete a request you own and its pledges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := request.Delete(gormDB, args[0], ngo); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted request %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVar(&ngo, "ngo", "", "owning NGO ID (required)")
	cmd.MarkFlagRequired("ngo")
	return cmd
}
