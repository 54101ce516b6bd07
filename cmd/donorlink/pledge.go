package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/donorlink/internal/fulfillment"
)

func newPledgeCmd() *cobra.Command {
	var (
		configPath string
		user       string
		amount     int
	)

	cmd := &cobra.Command{
		Use:   "pledge <request-id>",
		Short: "Pledge items against a request",
		Long:  "Appends a pledge and prints the request's pledged total as it stands after the write.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := newServices(cfg, gormDB)
			if err != nil {
				return err
			}
			receipt, err := svc.ledger.Submit(cmd.Context(), args[0], user, amount)
			if err != nil {
				return err
			}
			agg := receipt.Aggregate
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pledged %d to %s (%d/%d)\n", amount, agg.RequestID, agg.Pledged, agg.Needed)
			if agg.Fulfilled {
				fmt.Fprintln(out, "Request is now fulfilled")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVar(&user, "user", "", "pledging donor ID (required)")
	cmd.Flags().IntVar(&amount, "amount", 0, "number of items (required)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newAggregateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "aggregate <request-id>",
		Short: "Show a request's pledged total folded from the pledge log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := newServices(cfg, gormDB)
			if err != nil {
				return err
			}
			agg, err := svc.ledger.Aggregate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Request:   %s\n", agg.RequestID)
			fmt.Fprintf(out, "Pledged:   %d/%d\n", agg.Pledged, agg.Needed)
			fmt.Fprintf(out, "Remaining: %d\n", agg.Remaining())
			fmt.Fprintf(out, "Fulfilled: %v\n", agg.Fulfilled)
			if agg.Overcommitted() {
				fmt.Fprintf(out, "Overcommitted by %d\n", agg.Pledged-agg.Needed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rewrite every cached pledged total from the pledge log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := newServices(cfg, gormDB)
			if err != nil {
				return err
			}
			res, err := fulfillment.Reconcile(cmd.Context(), gormDB, svc.ledger, svc.notifier)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked %d requests, corrected %d\n", res.Checked, len(res.Drifted))
			for _, id := range res.Drifted {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	return cmd
}
