// Package api exposes the pledge ledger, request feeds and direct messages
// over HTTP, with server-sent event streams for live updates.
package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/donorlink/internal/auth"
	"github.com/zulandar/donorlink/internal/fulfillment"
	"github.com/zulandar/donorlink/internal/ledger"
	"github.com/zulandar/donorlink/internal/live"
	"gorm.io/gorm"
)

const defaultHeartbeat = 15 * time.Second

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Notifier  *fulfillment.Notifier
	Channel   *live.Channel
	Verifier  *auth.Verifier // defaults to trusting X-User-ID
	Port      int
	Out       io.Writer
	Heartbeat time.Duration // SSE keepalive interval
}

type server struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	notifier  *fulfillment.Notifier
	feed      *fulfillment.Feed
	channel   *live.Channel
	verifier  *auth.Verifier
	heartbeat time.Duration
}

// NewRouter builds the gin engine serving every route.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("api: ledger is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("api: notifier is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("api: channel is required")
	}
	feed, err := fulfillment.NewFeed(opts.DB, opts.Ledger)
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	s := &server{
		db:        opts.DB,
		ledger:    opts.Ledger,
		notifier:  opts.Notifier,
		feed:      feed,
		channel:   opts.Channel,
		verifier:  opts.Verifier,
		heartbeat: opts.Heartbeat,
	}
	if s.verifier == nil {
		s.verifier = auth.NewVerifier("")
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeat
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, s)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	// Event streams end when ctx does.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", opts.Port),
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
