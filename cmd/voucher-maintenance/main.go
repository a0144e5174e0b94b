package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// voucher-maintenance inspects and repairs the voucher store offline.
//
// Check indexes and duplicate groups without writing:
//
//	go run ./cmd/voucher-maintenance reconcile-indexes --dry-run
//
// Export duplicate groups of one owner:
//
//	go run ./cmd/voucher-maintenance duplicates report --owner=acme --xlsx=dupes.xlsx
//
// Remove duplicates, keeping the earliest row of each group:
//
//	go run ./cmd/voucher-maintenance duplicates purge --owner=acme --dry-run=false --confirm=DELETE
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(&commandContext{})
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
