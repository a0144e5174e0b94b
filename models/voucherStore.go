package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

type UpsertOutcome string

const (
	UpsertInserted         UpsertOutcome = "inserted"
	UpsertDuplicateSkipped UpsertOutcome = "duplicate_skipped"
	UpsertConflict         UpsertOutcome = "conflict"
)

var ErrVoucherConflict = errors.New("voucher conflict")

// ConflictError is returned with UpsertConflict: the write hit a uniqueness violation that
// is not a plain re-sync of an already stored voucher.
type ConflictError struct {
	OwnerId       string
	VoucherNumber string
	Reason        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("voucher %s (owner %s): %s", e.VoucherNumber, e.OwnerId, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrVoucherConflict }

// IsDuplicateKeyErr reports whether err is a unique constraint violation on any supported dialect.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// VoucherRepository is the gorm-backed voucher store.
type VoucherRepository struct {
	DB *gorm.DB
}

func NewVoucherRepository(db *gorm.DB) *VoucherRepository {
	return &VoucherRepository{DB: db}
}

// UpsertVoucher inserts v and its detail rows in one transaction. Uniqueness of the natural
// key is left to the idx_voucher_natural_key constraint; a violation is classified instead
// of being returned as a write failure. A non-nil error with an empty outcome means the
// store itself failed.
func (r *VoucherRepository) UpsertVoucher(ctx context.Context, v *Voucher) (UpsertOutcome, error) {
	if v.ContentHash == "" {
		v.ContentHash = v.ComputeContentHash()
	}

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(v).Error
	})
	if err == nil {
		return UpsertInserted, nil
	}
	if !IsDuplicateKeyErr(err) {
		return "", err
	}
	v.ID = 0

	var existing Voucher
	err = r.DB.WithContext(ctx).
		Select("id", "owner_id", "voucher_number", "content_hash").
		Where("owner_id = ? AND voucher_number = ?", v.OwnerId, v.VoucherNumber).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UpsertConflict, &ConflictError{
			OwnerId:       v.OwnerId,
			VoucherNumber: v.VoucherNumber,
			Reason:        "unique constraint violated but no stored voucher holds this natural key",
		}
	}
	if err != nil {
		return "", err
	}
	if existing.ContentHash != v.ContentHash {
		return UpsertConflict, &ConflictError{
			OwnerId:       v.OwnerId,
			VoucherNumber: v.VoucherNumber,
			Reason:        "source record differs from the stored voucher; stored financial fields are kept",
		}
	}

	now := time.Now().UTC()
	if err := r.DB.WithContext(ctx).
		Model(&Voucher{}).
		Where("id = ? AND owner_id = ?", existing.ID, existing.OwnerId).
		Updates(map[string]interface{}{
			"last_seen_at":       now,
			"last_seen_batch_id": v.UploadBatchId,
		}).Error; err != nil {
		return "", err
	}
	return UpsertDuplicateSkipped, nil
}

// GetVoucher loads a voucher with its detail rows.
func (r *VoucherRepository) GetVoucher(ctx context.Context, ownerId string, voucherNumber string) (*Voucher, error) {
	var v Voucher
	err := r.DB.WithContext(ctx).
		Preload("LedgerEntries", func(db *gorm.DB) *gorm.DB { return db.Order("line_no") }).
		Preload("LedgerEntries.BillAllocations", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("InventoryEntries", func(db *gorm.DB) *gorm.DB { return db.Order("line_no") }).
		Preload("CostCentreAllocations", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("owner_id = ? AND voucher_number = ?", ownerId, voucherNumber).
		Take(&v).Error
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *VoucherRepository) CountVouchers(ctx context.Context, ownerId string) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&Voucher{}).Where("owner_id = ?", ownerId).Count(&count).Error
	return count, err
}

// EachVoucher streams an owner's vouchers (header columns and raw payload only) in id order.
func (r *VoucherRepository) EachVoucher(ctx context.Context, ownerId string, batchSize int, fn func([]Voucher) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var rows []Voucher
	res := r.DB.WithContext(ctx).
		Select("id", "owner_id", "voucher_number", "voucher_date", "raw_payload").
		Where("owner_id = ?", ownerId).
		Order("id").
		FindInBatches(&rows, batchSize, func(tx *gorm.DB, batch int) error {
			return fn(rows)
		})
	return res.Error
}
