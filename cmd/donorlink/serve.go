package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/donorlink/internal/api"
	"github.com/zulandar/donorlink/internal/auth"
	"github.com/zulandar/donorlink/internal/config"
	"github.com/zulandar/donorlink/internal/fulfillment"
	"github.com/zulandar/donorlink/internal/ledger"
	"github.com/zulandar/donorlink/internal/live"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long:  "Serves the pledge, feed and messaging API with live event streams, follows the store for changes made elsewhere, and runs the scheduled reconcile sweep.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Donorlink config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

// services is the wired core shared by serve and the one-shot commands.
type services struct {
	ledger   *ledger.Ledger
	notifier *fulfillment.Notifier
	feed     *fulfillment.Feed
}

func newServices(cfg *config.Config, gormDB *gorm.DB) (*services, error) {
	l, err := ledger.New(ledger.Opts{DB: gormDB})
	if err != nil {
		return nil, err
	}
	n, err := fulfillment.NewNotifier(fulfillment.NotifierOpts{
		DB:           gormDB,
		Ledger:       l,
		PollInterval: cfg.Realtime.PollInterval,
	})
	if err != nil {
		return nil, err
	}
	l.SetListener(n)
	f, err := fulfillment.NewFeed(gormDB, l)
	if err != nil {
		return nil, err
	}
	return &services{ledger: l, notifier: n, feed: f}, nil
}

func newChannel(cfg *config.Config, gormDB *gorm.DB) (*live.Channel, error) {
	return live.NewChannel(live.ChannelOpts{
		Source:     live.NewStoreSource(gormDB, cfg.Realtime.PollInterval, cfg.Realtime.Buffer),
		Buffer:     cfg.Realtime.Buffer,
		BackoffMin: cfg.Realtime.ResubscribeMin,
		BackoffMax: cfg.Realtime.ResubscribeMax,
	})
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port <= 0 {
		port = cfg.Server.Port
	}

	svc, err := newServices(cfg, gormDB)
	if err != nil {
		return err
	}
	ch, err := newChannel(cfg, gormDB)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	sched, err := fulfillment.NewScheduler(ctx, cfg.Reconcile.Schedule, gormDB, svc.ledger, svc.notifier)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	go func() {
		if err := svc.notifier.Run(ctx); err != nil {
			log.Printf("serve: notifier stopped: %v", err)
		}
	}()

	if cfg.Auth.Secret == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Warning: auth.secret is empty, trusting X-User-ID headers")
	}

	return api.Start(ctx, api.StartOpts{
		DB:       gormDB,
		Ledger:   svc.ledger,
		Notifier: svc.notifier,
		Channel:  ch,
		Verifier: auth.NewVerifier(cfg.Auth.Secret),
		Port:     port,
		Out:      cmd.OutOrStdout(),
	})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
