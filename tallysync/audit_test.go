package tallysync

import (
	"context"
	"testing"

	"github.com/mmdatafocus/tally_sync/models"
	"github.com/mmdatafocus/tally_sync/utils"
)

func TestAuditDates_FlagsStoredDatesThatDisagreeWithPayload(t *testing.T) {
	db := openServiceDB(t)
	repo := models.NewVoucherRepository(db)
	f := &fakeFetcher{}
	want := f.addDaily("2024-01-01", "2024-01-03", 2)

	res := newTestOrchestrator(f, repo).Run(context.Background(), RunRequest{
		RunId:   "run-1",
		OwnerId: "owner-a",
		Range:   DateRange{From: day("2024-01-01"), To: day("2024-01-03")},
	}, nil)
	if res.State != models.SyncStateCompleted || res.Totals.Inserted != want {
		t.Fatalf("run = %+v", res)
	}

	audit, err := AuditDates(context.Background(), repo, "owner-a")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if audit.Checked != want || len(audit.Mismatches) != 0 {
		t.Fatalf("clean audit = %+v", audit)
	}

	ctx := utils.SetOwnerIdInContext(context.Background(), "owner-a")
	if err := db.WithContext(ctx).Model(&models.Voucher{}).
		Where("owner_id = ? AND voucher_number = ?", "owner-a", "S/20240102/1").
		Update("voucher_date", day("2024-02-01")).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}

	audit, err = AuditDates(context.Background(), repo, "owner-a")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit.Mismatches) != 1 {
		t.Fatalf("mismatches = %+v", audit.Mismatches)
	}
	m := audit.Mismatches[0]
	if m.VoucherNumber != "S/20240102/1" || m.StoredDate != "2024-02-01" || m.PayloadDate != "2024-01-02" {
		t.Fatalf("mismatch = %+v", m)
	}

	other, err := AuditDates(context.Background(), repo, "owner-b")
	if err != nil || other.Checked != 0 {
		t.Fatalf("other owner audit = %+v %v", other, err)
	}
}
