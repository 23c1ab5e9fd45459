package app

import "github.com/spf13/cobra"

func newConfigCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.cfg.WriteYAML(cmd.OutOrStdout())
		},
	}
}
