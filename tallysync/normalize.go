package tallysync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/tally_sync/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Source field names.
const (
	fieldVoucherNumber   = "VOUCHERNUMBER"
	fieldDate            = "DATE"
	fieldVoucherType     = "VOUCHERTYPE"
	fieldVoucherTypeName = "VOUCHERTYPENAME"
	fieldPartyLedger     = "PARTYLEDGERNAME"
	fieldAmount          = "AMOUNT"
	fieldNarration       = "NARRATION"
	fieldReference       = "REFERENCE"
	fieldGuid            = "GUID"
	fieldMasterId        = "MASTERID"
	fieldAlterId         = "ALTERID"
	fieldEntries         = "ENTRIES"

	// Detail line discriminators: a line carries exactly one of these.
	fieldLedgerName    = "LEDGERNAME"
	fieldStockItemName = "STOCKITEMNAME"

	fieldIsDeemedPositive    = "ISDEEMEDPOSITIVE"
	fieldBillAllocations     = "BILLALLOCATIONS"
	fieldBankAllocations     = "BANKALLOCATIONS"
	fieldCategoryAllocations = "CATEGORYALLOCATIONS"
	fieldCostCentres         = "COSTCENTREALLOCATIONS"
)

// Normalize converts one source record into a Voucher. It does no I/O and the result
// depends only on its arguments, so replaying RawPayload reproduces the stored fields.
// Provenance (upload source, batch, import time) is left for the caller to fill.
func Normalize(raw RawVoucher, ownerId string) (*models.Voucher, error) {
	owner := CanonicalOwnerID(ownerId)
	if owner == "" {
		return nil, recordError(CodeMissingRequiredField, "ownerId", "", nil)
	}

	number := CanonicalVoucherNumber(str(raw, fieldVoucherNumber))
	if number == "" {
		return nil, recordError(CodeMissingRequiredField, fieldVoucherNumber, "", nil)
	}
	withNumber := func(err *RecordError) error {
		err.VoucherNumber = number
		return err
	}

	dateStr := str(raw, fieldDate)
	if dateStr == "" {
		return nil, withNumber(recordError(CodeMissingRequiredField, fieldDate, "", nil))
	}
	date, err := ParseVoucherDate(dateStr)
	if err != nil {
		return nil, withNumber(recordError(CodeMalformedDate, fieldDate, dateStr, err))
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, withNumber(recordError(CodeMissingRequiredField, "rawPayload", "", err))
	}

	v := &models.Voucher{
		OwnerId:         owner,
		VoucherNumber:   number,
		VoucherDate:     date,
		VoucherTypeName: strings.TrimSpace(str(raw, fieldVoucherTypeName)),
		PartyName:       strings.TrimSpace(str(raw, fieldPartyLedger)),
		Narration:       str(raw, fieldNarration),
		Reference:       strings.TrimSpace(str(raw, fieldReference)),
		Guid:            strings.TrimSpace(str(raw, fieldGuid)),
		MasterId:        strings.TrimSpace(str(raw, fieldMasterId)),
		AlterId:         strings.TrimSpace(str(raw, fieldAlterId)),
		RawPayload:      datatypes.JSON(payload),
	}
	v.VoucherType = strings.TrimSpace(str(raw, fieldVoucherType))
	if v.VoucherType == "" {
		v.VoucherType = v.VoucherTypeName
	}

	for i, line := range list(raw, fieldEntries) {
		path := fmt.Sprintf("%s[%d]", fieldEntries, i)
		switch {
		case has(line, fieldLedgerName):
			le, err := ledgerEntry(line, path, len(v.LedgerEntries)+1)
			if err != nil {
				return nil, withNumber(err)
			}
			v.LedgerEntries = append(v.LedgerEntries, le)
			if bank, ok := bankDetails(line); ok && v.BankDetails.TransactionType == "" && v.BankDetails.InstrumentNumber == "" {
				v.BankDetails = bank
			}
			ccs, err := costCentres(line, path)
			if err != nil {
				return nil, withNumber(err)
			}
			v.CostCentreAllocations = append(v.CostCentreAllocations, ccs...)
		case has(line, fieldStockItemName):
			ie, err := inventoryEntry(line, path, len(v.InventoryEntries)+1)
			if err != nil {
				return nil, withNumber(err)
			}
			v.InventoryEntries = append(v.InventoryEntries, ie)
		}
	}

	if has(raw, fieldAmount) {
		amt, err := parseAmount(raw[fieldAmount])
		if err != nil {
			return nil, withNumber(recordError(CodeUnparsableAmount, fieldAmount, str(raw, fieldAmount), err))
		}
		v.Amount = amt
	} else {
		for _, le := range v.LedgerEntries {
			if le.IsDebit {
				v.Amount = v.Amount.Add(le.Amount.Abs())
			}
		}
	}

	v.TaxBreakdown = taxBreakdown(v.LedgerEntries)
	v.ContentHash = v.ComputeContentHash()
	return v, nil
}

func ledgerEntry(line map[string]any, path string, lineNo int) (models.VoucherLedgerEntry, *RecordError) {
	le := models.VoucherLedgerEntry{
		LineNo:     lineNo,
		LedgerName: strings.TrimSpace(str(line, fieldLedgerName)),
	}
	amt, rerr := lineAmount(line, path+"."+fieldAmount)
	if rerr != nil {
		return le, rerr
	}
	le.Amount = amt

	// Tally convention: ISDEEMEDPOSITIVE=Yes marks the debit side, and debit amounts are
	// exported negative. The flag wins when present.
	switch strings.ToLower(strings.TrimSpace(str(line, fieldIsDeemedPositive))) {
	case "yes", "true":
		le.IsDebit = true
	case "no", "false":
		le.IsDebit = false
	default:
		le.IsDebit = amt.IsNegative()
	}

	for j, ba := range list(line, fieldBillAllocations) {
		amt, rerr := lineAmount(ba, fmt.Sprintf("%s.%s[%d].%s", path, fieldBillAllocations, j, fieldAmount))
		if rerr != nil {
			return le, rerr
		}
		le.BillAllocations = append(le.BillAllocations, models.VoucherBillAllocation{
			Name:     strings.TrimSpace(str(ba, "NAME")),
			BillType: strings.TrimSpace(str(ba, "BILLTYPE")),
			Amount:   amt,
		})
	}
	return le, nil
}

func inventoryEntry(line map[string]any, path string, lineNo int) (models.VoucherInventoryEntry, *RecordError) {
	ie := models.VoucherInventoryEntry{
		LineNo:        lineNo,
		StockItemName: strings.TrimSpace(str(line, fieldStockItemName)),
		Godown:        strings.TrimSpace(str(line, "GODOWNNAME")),
	}
	amt, rerr := lineAmount(line, path+"."+fieldAmount)
	if rerr != nil {
		return ie, rerr
	}
	ie.Amount = amt

	qtyField := "BILLEDQTY"
	if !has(line, qtyField) {
		qtyField = "ACTUALQTY"
	}
	if has(line, qtyField) {
		qty, unit, err := parseQuantity(str(line, qtyField))
		if err != nil {
			return ie, recordError(CodeUnparsableAmount, path+"."+qtyField, str(line, qtyField), err)
		}
		ie.Quantity, ie.Unit = qty, unit
	}
	if has(line, "RATE") {
		// "100.00/Nos"
		rateStr := str(line, "RATE")
		if i := strings.IndexByte(rateStr, '/'); i >= 0 {
			if ie.Unit == "" {
				ie.Unit = strings.TrimSpace(rateStr[i+1:])
			}
			rateStr = rateStr[:i]
		}
		rate, err := parseAmount(rateStr)
		if err != nil {
			return ie, recordError(CodeUnparsableAmount, path+".RATE", str(line, "RATE"), err)
		}
		ie.Rate = rate
	}
	return ie, nil
}

func costCentres(line map[string]any, path string) ([]models.VoucherCostCentreAllocation, *RecordError) {
	var out []models.VoucherCostCentreAllocation
	for i, cat := range list(line, fieldCategoryAllocations) {
		category := strings.TrimSpace(str(cat, "CATEGORY"))
		for j, cc := range list(cat, fieldCostCentres) {
			amt, rerr := lineAmount(cc, fmt.Sprintf("%s.%s[%d].%s[%d].%s", path, fieldCategoryAllocations, i, fieldCostCentres, j, fieldAmount))
			if rerr != nil {
				return nil, rerr
			}
			out = append(out, models.VoucherCostCentreAllocation{
				Category:   category,
				CostCentre: strings.TrimSpace(str(cc, "NAME")),
				Amount:     amt,
			})
		}
	}
	return out, nil
}

func bankDetails(line map[string]any) (models.BankDetails, bool) {
	allocs := list(line, fieldBankAllocations)
	if len(allocs) == 0 {
		return models.BankDetails{}, false
	}
	b := allocs[0]
	bd := models.BankDetails{
		TransactionType:  strings.TrimSpace(str(b, "TRANSACTIONTYPE")),
		InstrumentNumber: strings.TrimSpace(str(b, "INSTRUMENTNUMBER")),
		BankName:         strings.TrimSpace(str(b, "BANKNAME")),
		Favouring:        strings.TrimSpace(str(b, "PAYMENTFAVOURING")),
	}
	// A bad instrument date is not worth rejecting the voucher; it stays in the raw payload.
	if d, err := ParseVoucherDate(str(b, "INSTRUMENTDATE")); err == nil {
		bd.InstrumentDate = &d
	}
	return bd, true
}

var errEmptyAmount = errors.New("empty amount")

// lineAmount reads AMOUNT of a detail line. An absent amount is zero; a present one must parse.
func lineAmount(m map[string]any, path string) (decimal.Decimal, *RecordError) {
	if !has(m, fieldAmount) {
		return decimal.Zero, nil
	}
	amt, err := parseAmount(m[fieldAmount])
	if err != nil {
		return decimal.Zero, recordError(CodeUnparsableAmount, path, str(m, fieldAmount), err)
	}
	return amt, nil
}

// parseAmount reads a source amount without going through binary floating point for
// string and json.Number inputs. Thousands separators are tolerated.
func parseAmount(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, errEmptyAmount
	case json.Number:
		return parseDecimalString(string(x))
	case string:
		return parseDecimalString(x)
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, errors.New("not a finite number")
		}
		return decimal.NewFromFloat(x), nil
	default:
		return decimal.Zero, fmt.Errorf("unexpected %T", v)
	}
}

func parseDecimalString(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero, errEmptyAmount
	}
	return decimal.NewFromString(s)
}

// parseQuantity splits "5 Nos" / "-2.5 Kg" into the number and its unit.
func parseQuantity(s string) (decimal.Decimal, string, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return decimal.Zero, "", nil
	}
	qty, err := parseDecimalString(fields[0])
	if err != nil {
		return decimal.Zero, "", err
	}
	return qty, strings.Join(fields[1:], " "), nil
}

func has(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

func str(m map[string]any, key string) string {
	switch x := m[key].(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		if x {
			return "Yes"
		}
		return "No"
	default:
		return fmt.Sprint(x)
	}
}

// list returns the map elements of a nested list field. A single object is treated as a
// one-element list, which is how XML-to-JSON bridges render repeated tags with one child.
func list(m map[string]any, key string) []map[string]any {
	switch x := m[key].(type) {
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, e := range x {
			if em, ok := asMap(e); ok {
				out = append(out, em)
			}
		}
		return out
	case []map[string]any:
		return x
	case []RawVoucher:
		out := make([]map[string]any, 0, len(x))
		for _, e := range x {
			out = append(out, e)
		}
		return out
	default:
		if em, ok := asMap(x); ok {
			return []map[string]any{em}
		}
		return nil
	}
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case RawVoucher:
		return x, true
	default:
		return nil, false
	}
}

// DecodeRawVoucher decodes a stored or received payload keeping numbers exact.
func DecodeRawVoucher(b []byte) (RawVoucher, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw RawVoucher
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// voucherDay is the stored calendar day, used when comparing replays.
func voucherDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
