package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/fractal/internal/checkpoint"
	"github.com/mohammad-safakhou/fractal/internal/runtime"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run checkpoint store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			dsn, err := runtime.BuildPostgresDSN(cfg.Storage.Postgres)
			if err != nil {
				return err
			}
			if err := checkpoint.Migrate(dsn, direction, steps); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
