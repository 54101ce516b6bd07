package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/zulandar/donorlink/internal/live"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live updates until interrupted",
	}

	cmd.AddCommand(newWatchMessagesCmd())
	cmd.AddCommand(newWatchRequestsCmd())
	return cmd
}

func newWatchMessagesCmd() *cobra.Command {
	var (
		configPath string
		user       string
		with       string
	)

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Follow a user's inbox, optionally with one thread open",
		Long:  "Subscribes to messages addressed to the user. With --with, the thread with that counterpart is kept open and new messages are printed as they arrive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			ch, err := newChannel(cfg, gormDB)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()

			sess, err := live.NewSession(ctx, gormDB, ch, user)
			if err != nil {
				return err
			}
			defer sess.Close()

			out := cmd.OutOrStdout()
			printed := make(map[string]bool)
			if with != "" {
				view, err := sess.Open(ctx, with)
				if err != nil {
					return err
				}
				msgs := view.Messages()
				printThread(cmd, msgs)
				for _, m := range msgs {
					printed[m.ID] = true
				}
			}
			fmt.Fprintf(out, "Watching messages for %s (Ctrl-C to stop)\n", user)

			go func() {
				if err := sess.Run(ctx); err != nil {
					log.Printf("watch: %v", err)
				}
				cancel()
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-sess.Updates():
				}
				if view := sess.View(); view != nil {
					for _, m := range view.Messages() {
						if printed[m.ID] {
							continue
						}
						printed[m.ID] = true
						printMessage(cmd, m)
					}
					continue
				}
				if convs := sess.Conversations(); len(convs) > 0 {
					last := convs[0].Last
					fmt.Fprintf(out, "%s: %s\n", convs[0].Counterpart, truncate(last.Content, 60))
				}
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&with, "with", "", "counterpart whose thread to keep open")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newWatchRequestsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Follow request pledged totals and status changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := newServices(cfg, gormDB)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()

			sub := svc.notifier.Subscribe(0)
			defer sub.Close()
			go func() {
				if err := svc.notifier.Run(ctx); err != nil {
					log.Printf("watch: notifier stopped: %v", err)
				}
				cancel()
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Watching requests (Ctrl-C to stop)")
			for {
				select {
				case <-ctx.Done():
					return nil
				case snap, ok := <-sub.C():
					if !ok {
						return nil
					}
					if snap.Deleted {
						fmt.Fprintf(out, "%s deleted\n", snap.Request.ID)
						continue
					}
					state := "hidden"
					if snap.ActiveForDonors {
						state = "open"
					}
					fmt.Fprintf(out, "%s %s %d/%d %s\n",
						snap.Request.ID, snap.Request.ItemName, snap.Aggregate.Pledged, snap.Aggregate.Needed, state)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	return cmd
}
