package main

import (
	"fmt"
	"strconv"

	"github.com/mmdatafocus/tally_sync/models"
	"github.com/mmdatafocus/tally_sync/utils"
	"github.com/spf13/cobra"
)

func newReconcileIndexesCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile-indexes",
		Short: "Verify voucher indexes and create the missing ones",
		Long: "Checks the voucher indexes, reports natural keys stored more than once and creates missing " +
			"indexes. The unique index is never created while duplicates remain; purge them first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := ctx.repository()
			if err != nil {
				return err
			}
			report, err := repo.ReconcileIndexes(utils.SkipOwnerScope(cmd.Context()), dryRun)
			if err != nil {
				return err
			}
			printIndexReport(cmd, report)
			if !report.Healthy() {
				return fmt.Errorf("voucher indexes need attention")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report only; create nothing")
	return cmd
}

func printIndexReport(cmd *cobra.Command, report *models.IndexReport) {
	out := cmd.OutOrStdout()
	rows := make([][]string, 0, len(report.Indexes))
	for _, idx := range report.Indexes {
		state := "missing"
		switch {
		case idx.Created:
			state = "created"
		case idx.Present:
			state = "ok"
		}
		rows = append(rows, []string{idx.Name, strconv.FormatBool(idx.Unique), state, idx.Note})
	}
	fmt.Fprintln(out, renderTable([]string{"Index", "Unique", "State", "Note"}, rows, nil))
	if len(report.DuplicateGroups) > 0 {
		fmt.Fprintf(out, "%d duplicate natural keys; run `duplicates report` for details\n", len(report.DuplicateGroups))
	}
	if report.DryRun {
		fmt.Fprintln(out, "dry run: no changes made")
	}
}
