package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/timegate/config"
	"github.com/mohammad-safakhou/timegate/internal/exclusion"
)

func migrateCMD() *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run exclusion table migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Exclusion.DSN != "" && cfg.Exclusion.Driver != exclusion.DriverPostgres {
				return fmt.Errorf("migrations target postgres; driver %q creates its table on open", cfg.Exclusion.Driver)
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return exclusion.Migrate(migDir, cfg.Exclusion.DSN, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
