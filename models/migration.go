package models

import (
	"log"

	"github.com/mmdatafocus/tally_sync/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// Migrate creates or alters the sync tables on db. AutoMigrate creates the unique natural key
// index together with a new vouchers table; on an existing table holding duplicates that step
// fails, and the voucher-maintenance tool reports the offending groups.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Voucher{}, &VoucherLedgerEntry{}, &VoucherBillAllocation{}, &VoucherInventoryEntry{}, &VoucherCostCentreAllocation{},
		&VoucherSyncRun{}, &VoucherSyncError{},
	)
}
