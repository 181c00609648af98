package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dms/internal/app"
	"dms/internal/logging"
	"dms/internal/otel"
)

func newServeCmd(rt *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := otel.Init(ctx, rt.cfg.Tracing, rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(flushCtx); err != nil {
					rt.logger.Error("tracing_shutdown_failed", logging.Error(err))
				}
			}()

			a, err := app.New(ctx, rt.cfg, rt.logger)
			if err != nil {
				rt.logger.Error("startup_failed", logging.Error(err))
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					rt.logger.Error("close_failed", logging.Error(err))
				}
			}()

			err = a.Run(ctx)
			rt.logger.Info("server_stopped")
			return err
		},
	}
}
