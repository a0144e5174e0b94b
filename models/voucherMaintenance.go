package models

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// IndexState describes one voucher index after ReconcileIndexes looked at it.
type IndexState struct {
	Name    string `json:"name"`
	Unique  bool   `json:"unique"`
	Present bool   `json:"present"`
	Created bool   `json:"created"`
	Note    string `json:"note,omitempty"`
}

type IndexReport struct {
	DryRun          bool             `json:"dry_run"`
	Indexes         []IndexState     `json:"indexes"`
	DuplicateGroups []DuplicateGroup `json:"duplicate_groups"`
	CheckedAt       time.Time        `json:"checked_at"`
}

// Healthy is true when every index exists and no natural key is stored twice.
func (r IndexReport) Healthy() bool {
	if len(r.DuplicateGroups) > 0 {
		return false
	}
	for _, idx := range r.Indexes {
		if !idx.Present {
			return false
		}
	}
	return true
}

// DuplicateGroup is a natural key held by more than one voucher row.
type DuplicateGroup struct {
	OwnerId       string `json:"owner_id"`
	VoucherNumber string `json:"voucher_number"`
	Count         int64  `json:"count"`
	KeepId        int    `json:"keep_id"`
	Ids           []int  `json:"ids" gorm:"-"`
}

var voucherIndexes = []struct {
	name   string
	unique bool
}{
	{IndexVoucherNaturalKey, true},
	{IndexVoucherOwnerDate, false},
	{IndexVoucherOwnerTypeDate, false},
}

// ReconcileIndexes verifies the voucher indexes and creates the missing ones unless dryRun.
// It never deletes rows: while duplicate groups exist the unique index is left uncreated and
// the groups are returned for an explicit PurgeDuplicates. Safe to run repeatedly.
func (r *VoucherRepository) ReconcileIndexes(ctx context.Context, dryRun bool) (*IndexReport, error) {
	db := r.DB.WithContext(ctx)
	migrator := db.Migrator()

	report := &IndexReport{DryRun: dryRun, CheckedAt: time.Now().UTC()}

	groups, err := r.FindDuplicateGroups(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("find duplicate groups: %w", err)
	}
	report.DuplicateGroups = groups

	for _, idx := range voucherIndexes {
		state := IndexState{Name: idx.name, Unique: idx.unique}
		state.Present = migrator.HasIndex(&Voucher{}, idx.name)

		switch {
		case state.Present:
		case idx.unique && len(groups) > 0:
			state.Note = fmt.Sprintf("%d duplicate groups must be purged first", len(groups))
		case dryRun:
			state.Note = "missing"
		default:
			if err := migrator.CreateIndex(&Voucher{}, idx.name); err != nil {
				return report, fmt.Errorf("create index %s: %w", idx.name, err)
			}
			state.Present = true
			state.Created = true
		}
		report.Indexes = append(report.Indexes, state)
	}
	return report, nil
}

// FindDuplicateGroups lists natural keys stored more than once. An empty ownerId covers every owner.
func (r *VoucherRepository) FindDuplicateGroups(ctx context.Context, ownerId string) ([]DuplicateGroup, error) {
	db := r.DB.WithContext(ctx).
		Model(&Voucher{}).
		Select("owner_id, voucher_number, COUNT(*) AS count, MIN(id) AS keep_id").
		Group("owner_id, voucher_number").
		Having("COUNT(*) > 1").
		Order("owner_id, voucher_number")
	if ownerId != "" {
		db = db.Where("owner_id = ?", ownerId)
	}

	var groups []DuplicateGroup
	if err := db.Scan(&groups).Error; err != nil {
		return nil, err
	}

	for i := range groups {
		var ids []int
		if err := r.DB.WithContext(ctx).
			Model(&Voucher{}).
			Where("owner_id = ? AND voucher_number = ?", groups[i].OwnerId, groups[i].VoucherNumber).
			Order("id").
			Pluck("id", &ids).Error; err != nil {
			return nil, err
		}
		groups[i].Ids = ids
	}
	return groups, nil
}

type PurgeResult struct {
	DryRun          bool             `json:"dry_run"`
	Groups          []DuplicateGroup `json:"groups"`
	VouchersDeleted int64            `json:"vouchers_deleted"`
}

// PurgeDuplicates keeps the oldest row (lowest id) of each duplicate group and deletes the rest
// with their detail rows. With dryRun it only reports what would be deleted.
func (r *VoucherRepository) PurgeDuplicates(ctx context.Context, ownerId string, dryRun bool) (*PurgeResult, error) {
	groups, err := r.FindDuplicateGroups(ctx, ownerId)
	if err != nil {
		return nil, err
	}
	result := &PurgeResult{DryRun: dryRun, Groups: groups}
	if dryRun || len(groups) == 0 {
		for _, g := range groups {
			result.VouchersDeleted += int64(len(g.Ids) - 1)
		}
		return result, nil
	}

	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, g := range groups {
			var doomed []int
			for _, id := range g.Ids {
				if id != g.KeepId {
					doomed = append(doomed, id)
				}
			}
			if len(doomed) == 0 {
				continue
			}
			if err := deleteVoucherChildren(tx, doomed); err != nil {
				return err
			}
			res := tx.Where("owner_id = ? AND id IN ?", g.OwnerId, doomed).Delete(&Voucher{})
			if res.Error != nil {
				return res.Error
			}
			result.VouchersDeleted += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// deleteVoucherChildren removes detail rows explicitly; CASCADE is not guaranteed on tables
// created before the foreign keys existed.
func deleteVoucherChildren(tx *gorm.DB, voucherIds []int) error {
	var ledgerIds []int
	if err := tx.Model(&VoucherLedgerEntry{}).Where("voucher_id IN ?", voucherIds).Pluck("id", &ledgerIds).Error; err != nil {
		return err
	}
	if len(ledgerIds) > 0 {
		if err := tx.Where("ledger_entry_id IN ?", ledgerIds).Delete(&VoucherBillAllocation{}).Error; err != nil {
			return err
		}
	}
	if err := tx.Where("voucher_id IN ?", voucherIds).Delete(&VoucherLedgerEntry{}).Error; err != nil {
		return err
	}
	if err := tx.Where("voucher_id IN ?", voucherIds).Delete(&VoucherInventoryEntry{}).Error; err != nil {
		return err
	}
	return tx.Where("voucher_id IN ?", voucherIds).Delete(&VoucherCostCentreAllocation{}).Error
}
