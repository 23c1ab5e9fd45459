package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the registry schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ch, err := g.openClickHouse(cmd)
			if err != nil {
				return err
			}
			if ch != nil {
				defer func() { _ = ch.Close() }()
			}

			g.logger.Info().Str("driver", g.cfg.Store.Driver).Bool("clickhouse", ch != nil).Msg("Schema up to date")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", g.cfg.Store.Driver)
			return err
		},
	}
}
