package main

import (
	"github.com/spf13/cobra"

	"github.com/kabili207/rollcall/pkg/config"
	"github.com/kabili207/rollcall/pkg/mirror"
	"github.com/kabili207/rollcall/pkg/store"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the local store and the postgres mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := store.Open(opts.cfg.Database.Path)
			if err != nil {
				return err
			}
			stores.Close()
			opts.log.Info("local store migrated", "path", opts.cfg.Database.Path)

			if opts.cfg.Mirror.Backend != config.MirrorPostgres {
				return nil
			}
			pg, err := mirror.NewPostgres(cmd.Context(), postgresOptions(opts.cfg))
			if err != nil {
				return err
			}
			opts.log.Info("postgres mirror migrated", "host", opts.cfg.Mirror.Postgres.Host, "db", opts.cfg.Mirror.Postgres.DB)
			return pg.Close()
		},
	}
}
