package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dms/internal/config"
	"dms/internal/logging"
)

// cliEnv is the configuration and logger shared by every subcommand.
type cliEnv struct {
	cfg    *config.AppConfig
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	rt := &cliEnv{}
	var remote bool

	root := &cobra.Command{
		Use:          "dms",
		Short:        "Document management service",
		Long:         "dms stores documents with their metadata, serves them over an authenticated HTTP API and publishes document events to NATS.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Context(), remote)
			if err != nil {
				return err
			}
			rt.cfg = cfg
			rt.logger = logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
			slog.SetDefault(rt.logger)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&remote, "remote-config", true, "layer Vault secrets and config server properties under the environment")

	root.AddCommand(newServeCmd(rt))
	root.AddCommand(newMigrateCmd(rt))
	root.AddCommand(newEventsCmd(rt))
	return root
}

func loadConfig(ctx context.Context, remote bool) (*config.AppConfig, error) {
	if !remote {
		return config.Load(), nil
	}
	return config.LoadContext(ctx)
}
