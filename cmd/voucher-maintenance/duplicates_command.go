package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mmdatafocus/tally_sync/models"
	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"
)

func newDuplicatesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Report or purge vouchers stored more than once under one natural key",
	}
	cmd.AddCommand(newDuplicatesReportCommand(ctx))
	cmd.AddCommand(newDuplicatesPurgeCommand(ctx))
	return cmd
}

func newDuplicatesReportCommand(ctx *commandContext) *cobra.Command {
	var owner, xlsxPath string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "List duplicate groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := ctx.repository()
			if err != nil {
				return err
			}
			qctx, owner := scopedContext(cmd.Context(), owner)
			groups, err := repo.FindDuplicateGroups(qctx, owner)
			if err != nil {
				return err
			}
			printDuplicateGroups(cmd, groups)
			if xlsxPath != "" {
				if err := exportDuplicateGroups(groups, xlsxPath); err != nil {
					return fmt.Errorf("export %s: %w", xlsxPath, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", xlsxPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Limit to one owner (default: all owners)")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "Also write the groups to this Excel file")
	return cmd
}

func newDuplicatesPurgeCommand(ctx *commandContext) *cobra.Command {
	var owner, confirm string
	dryRun := true
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete duplicate vouchers, keeping the earliest row of each group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(owner) == "" {
				return fmt.Errorf("--owner is required")
			}
			if err := requireConfirm(dryRun, confirm); err != nil {
				return err
			}
			repo, err := ctx.repository()
			if err != nil {
				return err
			}
			qctx, owner := scopedContext(cmd.Context(), owner)
			res, err := repo.PurgeDuplicates(qctx, owner, dryRun)
			if err != nil {
				return err
			}
			printDuplicateGroups(cmd, res.Groups)
			out := cmd.OutOrStdout()
			if res.DryRun {
				fmt.Fprintf(out, "dry run: would delete %d vouchers\n", res.VouchersDeleted)
				return nil
			}
			fmt.Fprintf(out, "deleted %d vouchers\n", res.VouchersDeleted)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Required: owner whose duplicates are purged")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "List only (no writes)")
	cmd.Flags().StringVar(&confirm, "confirm", "", "Type DELETE to proceed when --dry-run=false")
	return cmd
}

func printDuplicateGroups(cmd *cobra.Command, groups []models.DuplicateGroup) {
	out := cmd.OutOrStdout()
	if len(groups) == 0 {
		fmt.Fprintln(out, "no duplicate vouchers")
		return
	}
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []string{g.OwnerId, g.VoucherNumber, strconv.FormatInt(g.Count, 10), strconv.Itoa(g.KeepId), joinIds(g.Ids)})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Owner", "Voucher", "Rows", "Keep", "Ids"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
}

func exportDuplicateGroups(groups []models.DuplicateGroup, path string) error {
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	for i, h := range []string{"OwnerId", "VoucherNumber", "Rows", "KeepId", "Ids"} {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for r, g := range groups {
		values := []any{g.OwnerId, g.VoucherNumber, g.Count, g.KeepId, joinIds(g.Ids)}
		for c, v := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}
	return f.SaveAs(path)
}

func joinIds(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
