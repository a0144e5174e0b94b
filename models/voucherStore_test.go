package models_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmdatafocus/tally_sync/config"
	"github.com/mmdatafocus/tally_sync/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vouchers.db")
	db, err := config.OpenDatabase(config.DriverSQLite, path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func testVoucher(owner, number string, amount string) *models.Voucher {
	amt := decimal.RequireFromString(amount)
	return &models.Voucher{
		OwnerId:       owner,
		VoucherNumber: number,
		VoucherDate:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		VoucherType:   "Sales",
		PartyName:     "Acme Traders",
		Amount:        amt,
		LedgerEntries: []models.VoucherLedgerEntry{
			{LineNo: 1, LedgerName: "Acme Traders", Amount: amt.Neg(), IsDebit: true,
				BillAllocations: []models.VoucherBillAllocation{{Name: number, BillType: "New Ref", Amount: amt.Neg()}}},
			{LineNo: 2, LedgerName: "Sales", Amount: amt, IsDebit: false},
		},
		RawPayload:    datatypes.JSON(`{"VOUCHERNUMBER":"` + number + `"}`),
		UploadSource:  "tally_sync",
		UploadBatchId: "batch-1",
		ImportedAt:    time.Now().UTC(),
	}
}

func TestUpsertVoucher_InsertThenDuplicate(t *testing.T) {
	db := openTestDB(t)
	repo := models.NewVoucherRepository(db)
	ctx := context.Background()

	outcome, err := repo.UpsertVoucher(ctx, testVoucher("owner-a", "S/001", "1180.00"))
	if err != nil || outcome != models.UpsertInserted {
		t.Fatalf("first upsert = %q, %v; want inserted", outcome, err)
	}

	again := testVoucher("owner-a", "S/001", "1180.00")
	again.UploadBatchId = "batch-2"
	outcome, err = repo.UpsertVoucher(ctx, again)
	if err != nil || outcome != models.UpsertDuplicateSkipped {
		t.Fatalf("second upsert = %q, %v; want duplicate_skipped", outcome, err)
	}

	n, err := repo.CountVouchers(ctx, "owner-a")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 voucher, got %d", n)
	}

	stored, err := repo.GetVoucher(ctx, "owner-a", "S/001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.UploadBatchId != "batch-1" {
		t.Fatalf("provenance of first insert overwritten: %q", stored.UploadBatchId)
	}
	if stored.LastSeenBatchId != "batch-2" || stored.LastSeenAt == nil {
		t.Fatalf("last seen not touched: %q %v", stored.LastSeenBatchId, stored.LastSeenAt)
	}
	if len(stored.LedgerEntries) != 2 || len(stored.LedgerEntries[0].BillAllocations) != 1 {
		t.Fatalf("detail rows not stored: %+v", stored.LedgerEntries)
	}
}

func TestUpsertVoucher_SameNumberOtherOwnerIsInserted(t *testing.T) {
	db := openTestDB(t)
	repo := models.NewVoucherRepository(db)
	ctx := context.Background()

	for _, owner := range []string{"owner-a", "owner-b"} {
		outcome, err := repo.UpsertVoucher(ctx, testVoucher(owner, "S/001", "10"))
		if err != nil || outcome != models.UpsertInserted {
			t.Fatalf("%s: upsert = %q, %v", owner, outcome, err)
		}
	}
}

func TestUpsertVoucher_ChangedContentIsConflict(t *testing.T) {
	db := openTestDB(t)
	repo := models.NewVoucherRepository(db)
	ctx := context.Background()

	if _, err := repo.UpsertVoucher(ctx, testVoucher("owner-a", "S/002", "100")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	outcome, err := repo.UpsertVoucher(ctx, testVoucher("owner-a", "S/002", "250"))
	if outcome != models.UpsertConflict {
		t.Fatalf("outcome = %q; want conflict", outcome)
	}
	if !errors.Is(err, models.ErrVoucherConflict) {
		t.Fatalf("expected ErrVoucherConflict, got %v", err)
	}
	var ce *models.ConflictError
	if !errors.As(err, &ce) || ce.VoucherNumber != "S/002" {
		t.Fatalf("expected *ConflictError for S/002, got %v", err)
	}

	stored, err := repo.GetVoucher(ctx, "owner-a", "S/002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("financial fields overwritten: amount=%s", stored.Amount)
	}
}

func TestReconcileIndexes_ReportsDuplicatesAndPurgeIsExplicit(t *testing.T) {
	db := openTestDB(t)
	repo := models.NewVoucherRepository(db)
	ctx := context.Background()

	// Simulate a legacy table that predates the unique index.
	if err := db.Migrator().DropIndex(&models.Voucher{}, models.IndexVoucherNaturalKey); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	for i := 0; i < 3; i++ {
		v := testVoucher("owner-a", "S/DUP", "10")
		if err := db.Create(v).Error; err != nil {
			t.Fatalf("seed duplicate %d: %v", i, err)
		}
	}
	if err := db.Create(testVoucher("owner-a", "S/UNIQUE", "10")).Error; err != nil {
		t.Fatalf("seed unique: %v", err)
	}

	report, err := repo.ReconcileIndexes(ctx, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.DuplicateGroups) != 1 || report.DuplicateGroups[0].Count != 3 {
		t.Fatalf("duplicate groups = %+v", report.DuplicateGroups)
	}
	if report.Healthy() {
		t.Fatalf("report should not be healthy while duplicates exist")
	}
	for _, idx := range report.Indexes {
		if idx.Name == models.IndexVoucherNaturalKey && (idx.Present || idx.Created) {
			t.Fatalf("unique index must not be created over duplicates: %+v", idx)
		}
	}
	if n, _ := repo.CountVouchers(ctx, "owner-a"); n != 4 {
		t.Fatalf("reconcile deleted rows: count=%d", n)
	}

	dry, err := repo.PurgeDuplicates(ctx, "owner-a", true)
	if err != nil {
		t.Fatalf("purge dry run: %v", err)
	}
	if dry.VouchersDeleted != 2 {
		t.Fatalf("dry run would delete %d, want 2", dry.VouchersDeleted)
	}
	if n, _ := repo.CountVouchers(ctx, "owner-a"); n != 4 {
		t.Fatalf("dry run deleted rows: count=%d", n)
	}

	res, err := repo.PurgeDuplicates(ctx, "owner-a", false)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if res.VouchersDeleted != 2 {
		t.Fatalf("purged %d, want 2", res.VouchersDeleted)
	}
	kept, err := repo.GetVoucher(ctx, "owner-a", "S/DUP")
	if err != nil {
		t.Fatalf("get kept: %v", err)
	}
	if kept.ID != res.Groups[0].KeepId {
		t.Fatalf("kept id %d, want oldest %d", kept.ID, res.Groups[0].KeepId)
	}
	var orphanLines int64
	db.Model(&models.VoucherLedgerEntry{}).
		Where("voucher_id NOT IN (?)", db.Model(&models.Voucher{}).Select("id")).
		Count(&orphanLines)
	if orphanLines != 0 {
		t.Fatalf("%d orphan ledger lines left", orphanLines)
	}

	report, err = repo.ReconcileIndexes(ctx, false)
	if err != nil {
		t.Fatalf("reconcile after purge: %v", err)
	}
	if !report.Healthy() {
		t.Fatalf("expected healthy report, got %+v", report)
	}

	// Idempotent second pass.
	report, err = repo.ReconcileIndexes(ctx, false)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	for _, idx := range report.Indexes {
		if idx.Created {
			t.Fatalf("second pass recreated %s", idx.Name)
		}
	}
}

func TestSyncRunRepository_ResumableAndInterrupted(t *testing.T) {
	db := openTestDB(t)
	runs := models.NewSyncRunRepository(db)
	ctx := context.Background()

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	checkpoint := time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC)

	failed := &models.VoucherSyncRun{
		ID: "run-1", OwnerId: "owner-a", State: models.SyncStateFailed,
		FromDate: from, ToDate: to, Checkpoint: &checkpoint,
		StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := runs.Create(ctx, failed); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := runs.ResumableRun(ctx, "owner-a", from, to)
	if err != nil {
		t.Fatalf("resumable: %v", err)
	}
	if got == nil || got.ID != "run-1" || got.Checkpoint == nil || !got.Checkpoint.Equal(checkpoint) {
		t.Fatalf("resumable run = %+v", got)
	}
	if other, _ := runs.ResumableRun(ctx, "owner-a", from, to.AddDate(0, 0, 1)); other != nil {
		t.Fatalf("different range must not resume: %+v", other)
	}

	running := &models.VoucherSyncRun{
		ID: "run-2", OwnerId: "owner-a", State: models.SyncStateRunning,
		FromDate: from, ToDate: to, StartedAt: time.Now().UTC(),
	}
	if err := runs.Create(ctx, running); err != nil {
		t.Fatalf("create running: %v", err)
	}
	n, err := runs.MarkInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("mark interrupted = %d, %v", n, err)
	}
	latest, err := runs.Latest(ctx, "owner-a")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "run-2" || latest.State != models.SyncStateFailed || latest.FailureCode != models.FailureInterrupted {
		t.Fatalf("latest = %+v", latest)
	}
}
