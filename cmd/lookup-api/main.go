// Package main provides lookup-api, a read-only REST API over the registry
// store maintained by faa-sync.
//
// Usage:
//
//	lookup-api [--config FILE] [--address :8081] [--auth --api-keys k1,k2]
//
// Settings are shared with faa-sync: store.* selects the database and api.*
// configures the server, from flags, a YAML file or FAA_SYNC_* variables.
//
// API Endpoints:
//
//	GET /api/v1/health
//	    Store reachability, row counts and the latest sync run.
//
//	GET /api/v1/aircraft/{tail}
//	    Registration record for a tail number; the N prefix is optional.
//
//	GET /api/v1/aircraft/{tail}.txt
//	    The same record as a plain-text card.
//
//	GET /api/v1/runs?limit=N
//	    Recent sync runs, newest first.
//
//	GET /metrics
//	    Prometheus metrics.
//
// Authentication:
//
//	When auth is enabled, requests other than health and metrics must
//	include an API key via:
//	  - X-API-Key header
//	  - Authorization: Bearer <key> header
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"faa_sync/internal/api"
	"faa_sync/internal/config"
	"faa_sync/internal/logging"
	"faa_sync/internal/metrics"
	"faa_sync/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "lookup-api",
		Short:         "Serve FAA registry lookups over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "Path to a YAML configuration file")
	f.String("address", "", "Listen address")
	f.Bool("auth", false, "Enable API key authentication")
	f.StringSlice("api-keys", nil, "Comma-separated list of valid API keys")
	f.String("store-driver", "", "Store driver (sqlite, postgres)")
	f.String("sqlite-path", "", "SQLite database file")
	f.String("log-level", "", "Log level")
	for flag, key := range map[string]string{
		"address":      "api.address",
		"auth":         "api.auth_enabled",
		"api-keys":     "api.api_keys",
		"store-driver": "store.driver",
		"sqlite-path":  "store.sqlite.path",
		"log-level":    "log.level",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.LoggingConfig(os.Stderr))

	store, err := storage.Open(ctx, cfg.StorageConfig())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server := api.NewLookupServer(store, api.Config{
		Address:     cfg.API.Address,
		AuthEnabled: cfg.API.AuthEnabled,
		APIKeys:     cfg.API.APIKeys,
		RateLimit:   cfg.API.RateLimit,
		RateBurst:   cfg.API.RateBurst,
		Timeout:     cfg.API.Timeout,
	}, logger, api.WithMetrics(metrics.New(reg), reg))

	return server.Run(ctx)
}
