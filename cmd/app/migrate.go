package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"conversation-api/internal/config"
	pg "conversation-api/internal/infra/db/postgres"
	"conversation-api/internal/infra/logging"
)

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				fmt.Fprint(cmd.OutOrStdout(), pg.Schema())
				return nil
			}
			cfg, err := config.LoadConfig(flags.configPath, flags.dev)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cfg.Database.Driver != config.DriverPostgres {
				return errors.New("migrate only applies to the postgres driver; sqlite creates its schema on open")
			}
			logger := logging.New(cfg.Log, cfg.Runtime.Dev)

			pool, err := pg.NewPgxPool(cmd.Context(), cfg.Database.URL, 2)
			if err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			defer pool.Close()

			defer logging.TraceDuration(logger, "migrate")()
			if err := pg.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info().Msg("schema applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}
