package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/deskworks/support-desk/internal/persistence"
)

func newMigrateCommand() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			if rt.pg.PoolHandle() == nil {
				return errors.New("POSTGRES_DSN is required to migrate")
			}
			return persistence.RunMigrations(cmd.Context(), rt.pg.PoolHandle(), rt.logger)
		},
	})
	return migrate
}
