package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, "")
		if err != nil {
			logger.Error("Failed to start", zap.Error(err))
			return err
		}
		defer a.Close()

		srv := server.New(server.Config{
			Addr:            cfg.Server.Addr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		}, a.gateway, server.WithLogger(logger), server.WithGatherer(a.registry))

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("Shutdown signal received")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("Server shutdown failed", zap.Error(err))
			return err
		}
		logger.Info("Server stopped")
		return nil
	},
}
