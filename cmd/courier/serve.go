package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dukerupert/courier/internal/config"
	"github.com/dukerupert/courier/internal/logging"
	"github.com/dukerupert/courier/internal/server"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP and websocket service",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "How long to wait for connections and push jobs on shutdown",
				Value: 15 * time.Second,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.Duration("shutdown-timeout"))
		},
	}
}

func serve(ctx context.Context, shutdownTimeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := server.OpenStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer stores.Close()

	srv, err := server.New(ctx, cfg, stores, logger)
	if err != nil {
		return err
	}
	go srv.RunCleanup(ctx, time.Minute)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("courier listening",
			"addr", cfg.Addr,
			"store", stores.Backend,
			"push_policy", cfg.PushPolicy,
			"fcm", cfg.FCMEnabled(),
			"web_push", cfg.WebPushEnabled(),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the hub
	// closes them.
	httpErr := httpServer.Shutdown(sctx)
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("drain", "error", err)
	}
	if httpErr != nil {
		return fmt.Errorf("shutdown: %w", httpErr)
	}
	return nil
}
