// Package app implements the faa-sync commands.
package app

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"faa_sync/internal/config"
	"faa_sync/internal/logging"
	"faa_sync/internal/storage"
)

// globals is the state shared by every command once the configuration
// has been loaded.
type globals struct {
	v       *viper.Viper
	cfgPath string
	cfg     *config.Config
	logger  zerolog.Logger
}

// NewRootCmd builds the faa-sync command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{v: config.NewViper()}

	root := &cobra.Command{
		Use:               "faa-sync",
		DisableAutoGenTag: true,
		Short:             "Synchronise the FAA aircraft registry into a relational store",
		Long: `faa-sync downloads the FAA releasable aircraft database, skips it when it
matches the last successful run, and loads aircraft, aircraft models and
engine models into SQLite or PostgreSQL with referential integrity.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			return g.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.cfgPath, "config", "", "Path to a YAML configuration file")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (json, console)")
	pf.String("work-dir", "", "Directory for downloaded archives and the run lock")
	pf.String("store-driver", "", "Store driver (sqlite, postgres)")
	pf.String("sqlite-path", "", "SQLite database file")
	bindFlags(g.v, pf, map[string]string{
		"log-level":    "log.level",
		"log-format":   "log.format",
		"work-dir":     "work_dir",
		"store-driver": "store.driver",
		"sqlite-path":  "store.sqlite.path",
	})

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newMigrateCmd(g))
	root.AddCommand(newRunsCmd(g))
	root.AddCommand(newConfigCmd(g))
	root.AddCommand(newVersionCmd())

	return root
}

// skipConfig marks commands that run without loading configuration.
const skipConfig = "faa-sync/skip-config"

func (g *globals) load(cmd *cobra.Command) error {
	cfg, err := config.Load(g.v, g.cfgPath)
	if err != nil {
		return err
	}
	g.cfg = cfg
	g.logger = logging.New(cfg.LoggingConfig(cmd.ErrOrStderr())).
		With().Str("command", cmd.Name()).Logger()
	return nil
}

// openStore opens and migrates the configured store.
func (g *globals) openStore(cmd *cobra.Command) (storage.Store, error) {
	ctx := cmd.Context()
	store, err := storage.Open(ctx, g.cfg.StorageConfig())
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// openClickHouse opens the run-history sink, or returns nil when disabled.
func (g *globals) openClickHouse(cmd *cobra.Command) (*storage.ClickHouseDB, error) {
	if !g.cfg.ClickHouse.Enabled {
		return nil, nil
	}
	ch, err := storage.OpenClickHouse(cmd.Context(), g.cfg.ClickHouseStorageConfig())
	if err != nil {
		return nil, err
	}
	if err := ch.Migrate(cmd.Context()); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}
