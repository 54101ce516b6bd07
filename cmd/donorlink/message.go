package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/donorlink/internal/conversation"
	"github.com/zulandar/donorlink/internal/models"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Messaging commands",
	}

	cmd.AddCommand(newMessageSendCmd())
	return cmd
}

func newMessageSendCmd() *cobra.Command {
	var (
		configPath string
		from       string
		to         string
		content    string
		requestID  string
		listingID  string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a direct message",
		Long:  "Appends a message from one user to another, with optional request or listing context.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			msg, err := conversation.Send(cmd.Context(), gormDB, conversation.SendOpts{
				SenderID:   from,
				ReceiverID: to,
				Content:    content,
				RequestID:  &requestID,
				ListingID:  &listingID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent message %s to %s\n", msg.ID, to)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVar(&from, "from", "", "sender user ID (required)")
	cmd.Flags().StringVar(&to, "to", "", "recipient user ID (required)")
	cmd.Flags().StringVar(&content, "content", "", "message text (required)")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request the message is about")
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing the message is about")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("content")
	return cmd
}

func newConversationsCmd() *cobra.Command {
	var (
		configPath string
		user       string
	)

	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List a user's conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			convs, err := conversation.ListConversations(cmd.Context(), gormDB, user)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(convs) == 0 {
				fmt.Fprintf(out, "No conversations for %s\n", user)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WITH\tLAST\tAT")
			for _, c := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					c.Counterpart, truncate(c.Last.Content, 40), c.Last.CreatedAt.Format("2006-01-02 15:04"))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newThreadCmd() *cobra.Command {
	var (
		configPath string
		user       string
		with       string
		after      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Show the messages between two users in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			page := conversation.Page{Limit: limit}
			if after != "" {
				cur, err := conversation.ParseCursor(after)
				if err != nil {
					return err
				}
				page.After = &cur
			}
			msgs, err := conversation.ListMessages(cmd.Context(), gormDB, user, with, page)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintf(out, "No messages between %s and %s\n", user, with)
				return nil
			}
			printThread(cmd, msgs)
			if limit > 0 && len(msgs) == limit {
				fmt.Fprintf(out, "Next page: --after %s\n", conversation.CursorOf(msgs[len(msgs)-1]).Encode())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&with, "with", "", "counterpart user ID (required)")
	cmd.Flags().StringVar(&after, "after", "", "page cursor from a previous call")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to show (0 = all)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("with")
	return cmd
}

func printThread(cmd *cobra.Command, msgs []models.Message) {
	for _, m := range msgs {
		printMessage(cmd, m)
	}
}

func printMessage(cmd *cobra.Command, m models.Message) {
	fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.SenderID, m.Content)
}

// truncate shortens s to at most n runes, appending "..." if truncated.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
