// Package main is the entry point for faa-sync, which keeps a relational
// copy of the FAA releasable aircraft registry up to date.
//
// Usage:
//
//	faa-sync run [--force]      download, compare and load the registry
//	faa-sync migrate            create or update the schema
//	faa-sync runs [--limit N]   list recent sync runs
//	faa-sync config             print the effective configuration
//	faa-sync version
//
// Every setting can also come from a YAML file (--config) or an
// FAA_SYNC_* environment variable, e.g. FAA_SYNC_STORE_DRIVER=postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"faa_sync/cmd/faa-sync/app"
	faasync "faa_sync/internal/sync"
)

// exitRunInProgress tells schedulers the run was not attempted (EX_TEMPFAIL).
const exitRunInProgress = 75

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.NewRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, faasync.ErrRunInProgress) {
			os.Exit(exitRunInProgress)
		}
		os.Exit(1)
	}
}
