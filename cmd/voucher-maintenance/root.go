package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmdatafocus/tally_sync/config"
	"github.com/mmdatafocus/tally_sync/models"
	"github.com/mmdatafocus/tally_sync/tallysync"
	"github.com/mmdatafocus/tally_sync/utils"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const confirmWord = "DELETE"

// commandContext carries the lazily opened database shared by every subcommand.
type commandContext struct {
	db *gorm.DB
}

func (c *commandContext) repository() (*models.VoucherRepository, error) {
	if c.db == nil {
		db, err := config.OpenDatabaseFromEnv()
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		c.db = db
	}
	return models.NewVoucherRepository(c.db), nil
}

// scopedContext limits gorm queries to owner, or lifts the owner scope when owner is empty.
func scopedContext(ctx context.Context, owner string) (context.Context, string) {
	owner = tallysync.CanonicalOwnerID(owner)
	if owner == "" {
		return utils.SkipOwnerScope(ctx), ""
	}
	return utils.SetOwnerIdInContext(ctx, owner), owner
}

func newRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "voucher-maintenance",
		Short:         "Inspect and repair the Tally voucher store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newReconcileIndexesCommand(ctx))
	rootCmd.AddCommand(newDuplicatesCommand(ctx))
	rootCmd.AddCommand(newAuditDatesCommand(ctx))
	return rootCmd
}

func requireConfirm(dryRun bool, confirm string) error {
	if !dryRun && strings.TrimSpace(confirm) != confirmWord {
		return fmt.Errorf("set --confirm=%s to proceed", confirmWord)
	}
	return nil
}
