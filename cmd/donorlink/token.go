package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/donorlink/internal/auth"
	"github.com/zulandar/donorlink/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		user       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		Long:  "Signs a token with auth.secret for use in the Authorization header of API calls.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Auth.Secret == "" {
				return fmt.Errorf("auth.secret is not set in %s", configPath)
			}
			token, err := auth.Issue(cfg.Auth.Secret, user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().StringVar(&user, "user", "", "user ID the token identifies (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}
