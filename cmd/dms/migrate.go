package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"dms/internal/database"
	"dms/internal/database/migration"
)

func newMigrateCmd(rt *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	withMigrator := func(fn func(*cobra.Command, *migration.Migrator, []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			dsn, err := database.BuildPostgresDSN(rt.cfg.Database)
			if err != nil {
				return err
			}
			mg, err := migration.New(dsn, rt.logger)
			if err != nil {
				return err
			}
			defer func() { _ = mg.Close() }()
			return fn(cmd, mg, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: withMigrator(func(cmd *cobra.Command, mg *migration.Migrator, _ []string) error {
			return mg.Up()
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert every migration",
		RunE: withMigrator(func(cmd *cobra.Command, mg *migration.Migrator, _ []string) error {
			return mg.Down()
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "steps N",
		Short: "Apply N migrations, or revert when N is negative",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, mg *migration.Migrator, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid step count %q", args[0])
			}
			return mg.Steps(n)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Mark VERSION as applied without running it",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, mg *migration.Migrator, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return mg.Force(v)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: withMigrator(func(cmd *cobra.Command, mg *migration.Migrator, _ []string) error {
			v, dirty, err := mg.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
			return nil
		}),
	})
	return cmd
}
