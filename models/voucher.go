package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	IndexVoucherNaturalKey    = "idx_voucher_natural_key"
	IndexVoucherOwnerDate     = "idx_voucher_owner_date"
	IndexVoucherOwnerTypeDate = "idx_voucher_owner_type_date"
)

// Voucher is one posted accounting transaction pulled from Tally.
// (owner_id, voucher_number) is the natural key and is unique at the storage layer.
// Financial fields are written once; re-syncs only touch the last_seen_* columns.
type Voucher struct {
	ID              int             `gorm:"primary_key" json:"id"`
	OwnerId         string          `gorm:"size:64;not null;uniqueIndex:idx_voucher_natural_key,priority:1;index:idx_voucher_owner_date,priority:1;index:idx_voucher_owner_type_date,priority:1" json:"owner_id"`
	VoucherNumber   string          `gorm:"size:128;not null;uniqueIndex:idx_voucher_natural_key,priority:2" json:"voucher_number"`
	VoucherDate     time.Time       `gorm:"type:date;not null;index:idx_voucher_owner_date,priority:2,sort:desc;index:idx_voucher_owner_type_date,priority:3,sort:desc" json:"voucher_date"`
	VoucherType     string          `gorm:"size:64;not null;index:idx_voucher_owner_type_date,priority:2" json:"voucher_type"`
	VoucherTypeName string          `gorm:"size:128" json:"voucher_type_name"`
	PartyName       string          `gorm:"size:255" json:"party_name"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Narration       string          `gorm:"type:text" json:"narration"`
	Reference       string          `gorm:"size:255" json:"reference"`
	Guid            string          `gorm:"size:128;index" json:"guid"`
	MasterId        string          `gorm:"size:64" json:"master_id"`
	AlterId         string          `gorm:"size:64" json:"alter_id"`

	TaxBreakdown TaxBreakdown `gorm:"embedded;embeddedPrefix:tax_" json:"tax_breakdown"`
	BankDetails  BankDetails  `gorm:"embedded;embeddedPrefix:bank_" json:"bank_details"`

	LedgerEntries         []VoucherLedgerEntry          `gorm:"foreignKey:VoucherId;constraint:OnDelete:CASCADE" json:"ledger_entries"`
	InventoryEntries      []VoucherInventoryEntry       `gorm:"foreignKey:VoucherId;constraint:OnDelete:CASCADE" json:"inventory_entries"`
	CostCentreAllocations []VoucherCostCentreAllocation `gorm:"foreignKey:VoucherId;constraint:OnDelete:CASCADE" json:"cost_centre_allocations"`

	// RawPayload is the source record exactly as received; derived columns are rebuilt from it.
	RawPayload  datatypes.JSON `gorm:"not null" json:"raw_payload"`
	ContentHash string         `gorm:"size:64;not null" json:"content_hash"`

	UploadSource    string     `gorm:"size:50;not null" json:"upload_source"`
	UploadBatchId   string     `gorm:"size:64;index" json:"upload_batch_id"`
	ImportedAt      time.Time  `gorm:"not null" json:"imported_at"`
	LastSeenAt      *time.Time `json:"last_seen_at"`
	LastSeenBatchId string     `gorm:"size:64" json:"last_seen_batch_id"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type TaxBreakdown struct {
	CGST  decimal.Decimal `gorm:"column:cgst;type:decimal(20,4);default:0" json:"cgst"`
	SGST  decimal.Decimal `gorm:"column:sgst;type:decimal(20,4);default:0" json:"sgst"`
	IGST  decimal.Decimal `gorm:"column:igst;type:decimal(20,4);default:0" json:"igst"`
	Cess  decimal.Decimal `gorm:"column:cess;type:decimal(20,4);default:0" json:"cess"`
	Total decimal.Decimal `gorm:"column:total;type:decimal(20,4);default:0" json:"total"`
}

type BankDetails struct {
	TransactionType  string     `gorm:"size:64" json:"transaction_type"`
	InstrumentNumber string     `gorm:"size:64" json:"instrument_number"`
	InstrumentDate   *time.Time `gorm:"type:date" json:"instrument_date"`
	BankName         string     `gorm:"size:255" json:"bank_name"`
	Favouring        string     `gorm:"size:255" json:"favouring"`
}

type VoucherLedgerEntry struct {
	ID              int                     `gorm:"primary_key" json:"id"`
	VoucherId       int                     `gorm:"index;not null" json:"voucher_id"`
	LineNo          int                     `gorm:"not null" json:"line_no"`
	LedgerName      string                  `gorm:"size:255;not null" json:"ledger_name"`
	Amount          decimal.Decimal         `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	IsDebit         bool                    `gorm:"not null;default:false" json:"is_debit"`
	BillAllocations []VoucherBillAllocation `gorm:"foreignKey:LedgerEntryId;constraint:OnDelete:CASCADE" json:"bill_allocations"`
}

type VoucherBillAllocation struct {
	ID            int             `gorm:"primary_key" json:"id"`
	LedgerEntryId int             `gorm:"index;not null" json:"ledger_entry_id"`
	Name          string          `gorm:"size:255" json:"name"`
	BillType      string          `gorm:"size:64" json:"bill_type"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
}

type VoucherInventoryEntry struct {
	ID            int             `gorm:"primary_key" json:"id"`
	VoucherId     int             `gorm:"index;not null" json:"voucher_id"`
	LineNo        int             `gorm:"not null" json:"line_no"`
	StockItemName string          `gorm:"size:255;not null" json:"stock_item_name"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	Unit          string          `gorm:"size:32" json:"unit"`
	Rate          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rate"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Godown        string          `gorm:"size:255" json:"godown"`
}

type VoucherCostCentreAllocation struct {
	ID         int             `gorm:"primary_key" json:"id"`
	VoucherId  int             `gorm:"index;not null" json:"voucher_id"`
	Category   string          `gorm:"size:255" json:"category"`
	CostCentre string          `gorm:"size:255;not null" json:"cost_centre"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
}

// ComputeContentHash fingerprints the financial content of the voucher. Two syncs of the
// same source record produce the same hash; a source-side correction does not.
func (v *Voucher) ComputeContentHash() string {
	var b strings.Builder
	field := func(parts ...string) {
		for _, p := range parts {
			b.WriteString(p)
			b.WriteByte('|')
		}
		b.WriteByte('\n')
	}

	field(v.OwnerId, v.VoucherNumber, v.VoucherDate.UTC().Format("2006-01-02"), v.VoucherType, v.PartyName, v.Amount.String())
	field(v.TaxBreakdown.CGST.String(), v.TaxBreakdown.SGST.String(), v.TaxBreakdown.IGST.String(), v.TaxBreakdown.Cess.String(), v.TaxBreakdown.Total.String())
	for _, le := range v.LedgerEntries {
		field("L", strconv.Itoa(le.LineNo), le.LedgerName, le.Amount.String(), strconv.FormatBool(le.IsDebit))
		for _, ba := range le.BillAllocations {
			field("B", ba.Name, ba.BillType, ba.Amount.String())
		}
	}
	for _, ie := range v.InventoryEntries {
		field("I", strconv.Itoa(ie.LineNo), ie.StockItemName, ie.Quantity.String(), ie.Unit, ie.Rate.String(), ie.Amount.String())
	}
	for _, cc := range v.CostCentreAllocations {
		field("C", cc.Category, cc.CostCentre, cc.Amount.String())
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
