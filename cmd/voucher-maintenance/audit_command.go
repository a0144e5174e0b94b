package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mmdatafocus/tally_sync/tallysync"
	"github.com/spf13/cobra"
)

func newAuditDatesCommand(ctx *commandContext) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "audit-dates",
		Short: "Compare stored voucher dates with their raw Tally payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(owner) == "" {
				return fmt.Errorf("--owner is required")
			}
			repo, err := ctx.repository()
			if err != nil {
				return err
			}
			audit, err := tallysync.AuditDates(cmd.Context(), repo, owner)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "checked %d vouchers, %d mismatches\n", audit.Checked, len(audit.Mismatches))
			if len(audit.Mismatches) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(audit.Mismatches))
			for _, m := range audit.Mismatches {
				rows = append(rows, []string{strconv.Itoa(m.VoucherId), m.VoucherNumber, m.StoredDate, m.PayloadDate, m.Reason})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Id", "Voucher", "Stored", "Payload", "Reason"},
				rows,
				[]columnAlignment{alignRight},
			))
			return fmt.Errorf("%d vouchers have a stored date that differs from their payload", len(audit.Mismatches))
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Required: owner to audit")
	return cmd
}
