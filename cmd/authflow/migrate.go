package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/authflow/storage/postgres"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the postgres storage table and optionally purge expired rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, logger, err := opts.load()
			if err != nil {
				return err
			}
			if s.Storage.Postgres == "" {
				return errors.New("storage.postgres_dsn is required")
			}

			ctx := cmd.Context()
			store, err := postgres.Open(ctx, s.Storage.Postgres)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			logger.InfoContext(ctx, "postgres storage migrated")

			if purge {
				n, err := store.Purge(ctx)
				if err != nil {
					return err
				}
				logger.InfoContext(ctx, "expired entries purged", "rows", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "delete expired entries after migrating")
	return cmd
}
