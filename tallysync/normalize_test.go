package tallysync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func decodeRaw(t *testing.T, s string) RawVoucher {
	t.Helper()
	raw, err := DecodeRawVoucher([]byte(s))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return raw
}

const salesVoucherJSON = `{
  "VOUCHERNUMBER": "  INV /  0042 ",
  "DATE": "20240115",
  "VOUCHERTYPENAME": "Sales",
  "PARTYLEDGERNAME": "Acme Traders",
  "NARRATION": "January supply",
  "REFERENCE": "PO-17",
  "GUID": "abc-123",
  "MASTERID": "881",
  "ALTERID": "902",
  "ENTRIES": [
    {"LEDGERNAME": "Acme Traders", "ISDEEMEDPOSITIVE": "Yes", "AMOUNT": -1180.00,
     "BILLALLOCATIONS": [{"NAME": "INV/0042", "BILLTYPE": "New Ref", "AMOUNT": -1180.00}]},
    {"LEDGERNAME": "Sales 18%", "ISDEEMEDPOSITIVE": "No", "AMOUNT": 1000.00,
     "CATEGORYALLOCATIONS": {"CATEGORY": "Primary Cost Category",
       "COSTCENTREALLOCATIONS": [{"NAME": "North", "AMOUNT": 600}, {"NAME": "South", "AMOUNT": 400}]}},
    {"LEDGERNAME": "Output CGST @9%", "ISDEEMEDPOSITIVE": "No", "AMOUNT": 90.00},
    {"LEDGERNAME": "SGST", "ISDEEMEDPOSITIVE": "No", "AMOUNT": "90.00"},
    {"STOCKITEMNAME": "Widget", "BILLEDQTY": "10 Nos", "RATE": "100.00/Nos", "AMOUNT": 1000.00, "GODOWNNAME": "Main Location"},
    {"REMARK": "no discriminator, ignored"}
  ]
}`

func TestNormalize_SalesVoucher(t *testing.T) {
	v, err := Normalize(decodeRaw(t, salesVoucherJSON), "  Owner-A ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if v.OwnerId != "owner-a" || v.VoucherNumber != "INV / 0042" {
		t.Fatalf("natural key = (%q, %q)", v.OwnerId, v.VoucherNumber)
	}
	if got := FormatVoucherDate(v.VoucherDate); got != "20240115" || v.VoucherDate.Location().String() != "UTC" {
		t.Fatalf("date = %v", v.VoucherDate)
	}
	if v.VoucherType != "Sales" || v.PartyName != "Acme Traders" || v.Reference != "PO-17" || v.AlterId != "902" {
		t.Fatalf("header fields = %+v", v)
	}
	if len(v.LedgerEntries) != 4 || len(v.InventoryEntries) != 1 {
		t.Fatalf("ledger=%d inventory=%d", len(v.LedgerEntries), len(v.InventoryEntries))
	}
	if !v.LedgerEntries[0].IsDebit || v.LedgerEntries[1].IsDebit {
		t.Fatalf("debit flags wrong: %+v", v.LedgerEntries[:2])
	}
	if len(v.LedgerEntries[0].BillAllocations) != 1 {
		t.Fatalf("bill allocations = %+v", v.LedgerEntries[0].BillAllocations)
	}
	if len(v.CostCentreAllocations) != 2 || v.CostCentreAllocations[0].Category != "Primary Cost Category" {
		t.Fatalf("cost centres = %+v", v.CostCentreAllocations)
	}
	ie := v.InventoryEntries[0]
	if !ie.Quantity.Equal(decimal.NewFromInt(10)) || ie.Unit != "Nos" || !ie.Rate.Equal(decimal.NewFromInt(100)) || ie.Godown != "Main Location" {
		t.Fatalf("inventory entry = %+v", ie)
	}
	// No AMOUNT on the header: sum of the debit side.
	if !v.Amount.Equal(decimal.NewFromInt(1180)) {
		t.Fatalf("amount = %s", v.Amount)
	}
	tb := v.TaxBreakdown
	if !tb.CGST.Equal(decimal.NewFromInt(90)) || !tb.SGST.Equal(decimal.NewFromInt(90)) || !tb.IGST.IsZero() || !tb.Total.Equal(decimal.NewFromInt(180)) {
		t.Fatalf("tax breakdown = %+v", tb)
	}
	if len(v.RawPayload) == 0 || v.ContentHash == "" {
		t.Fatalf("raw payload or hash missing")
	}
}

func TestNormalize_IsDeterministicAndReplayable(t *testing.T) {
	raw := decodeRaw(t, salesVoucherJSON)
	a, err := Normalize(raw, "owner-a")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b, _ := Normalize(raw, "owner-a")
	if a.ContentHash != b.ContentHash || string(a.RawPayload) != string(b.RawPayload) {
		t.Fatalf("normalize is not deterministic")
	}

	replayed, err := Normalize(decodeRaw(t, string(a.RawPayload)), "owner-a")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed.VoucherDate.Equal(a.VoucherDate) || replayed.ContentHash != a.ContentHash {
		t.Fatalf("replay differs: %v vs %v", replayed.VoucherDate, a.VoucherDate)
	}
}

func TestNormalize_RecordErrors(t *testing.T) {
	cases := []struct {
		name  string
		raw   RawVoucher
		owner string
		code  string
	}{
		{"missing owner", RawVoucher{"VOUCHERNUMBER": "1", "DATE": "20240101"}, " ", CodeMissingRequiredField},
		{"missing number", RawVoucher{"DATE": "20240101"}, "o", CodeMissingRequiredField},
		{"blank number", RawVoucher{"VOUCHERNUMBER": "   ", "DATE": "20240101"}, "o", CodeMissingRequiredField},
		{"missing date", RawVoucher{"VOUCHERNUMBER": "1"}, "o", CodeMissingRequiredField},
		{"iso date", RawVoucher{"VOUCHERNUMBER": "1", "DATE": "2024-01-01"}, "o", CodeMalformedDate},
		{"impossible day", RawVoucher{"VOUCHERNUMBER": "1", "DATE": "20240230"}, "o", CodeMalformedDate},
		{"year out of range", RawVoucher{"VOUCHERNUMBER": "1", "DATE": "18991231"}, "o", CodeMalformedDate},
		{"bad header amount", RawVoucher{"VOUCHERNUMBER": "1", "DATE": "20240101", "AMOUNT": "12abc"}, "o", CodeUnparsableAmount},
		{"bad line amount", RawVoucher{"VOUCHERNUMBER": "1", "DATE": "20240101",
			"ENTRIES": []any{map[string]any{"LEDGERNAME": "Cash", "AMOUNT": "one hundred"}}}, "o", CodeUnparsableAmount},
		{"bad quantity", RawVoucher{"VOUCHERNUMBER": "1", "DATE": "20240101",
			"ENTRIES": []any{map[string]any{"STOCKITEMNAME": "Widget", "BILLEDQTY": "ten Nos"}}}, "o", CodeUnparsableAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Normalize(tc.raw, tc.owner)
			if v != nil {
				t.Fatalf("expected no voucher, got %+v", v)
			}
			var re *RecordError
			if !errors.As(err, &re) {
				t.Fatalf("expected *RecordError, got %v", err)
			}
			if re.Code != tc.code {
				t.Fatalf("code = %s, want %s (%v)", re.Code, tc.code, err)
			}
		})
	}
}

func TestNormalize_DebitFlagFallsBackToSign(t *testing.T) {
	raw := RawVoucher{
		"VOUCHERNUMBER": "J/1",
		"DATE":          "20240301",
		"ENTRIES": []any{
			map[string]any{"LEDGERNAME": "Rent", "AMOUNT": json.Number("-5000")},
			map[string]any{"LEDGERNAME": "Bank", "AMOUNT": json.Number("5000"),
				"BANKALLOCATIONS": []any{map[string]any{"TRANSACTIONTYPE": "Cheque", "INSTRUMENTNUMBER": "000123", "INSTRUMENTDATE": "20240302", "BANKNAME": "HDFC"}}},
		},
	}
	v, err := Normalize(raw, "o")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !v.LedgerEntries[0].IsDebit || v.LedgerEntries[1].IsDebit {
		t.Fatalf("debit flags = %v %v", v.LedgerEntries[0].IsDebit, v.LedgerEntries[1].IsDebit)
	}
	if !v.Amount.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("amount = %s", v.Amount)
	}
	bd := v.BankDetails
	if bd.TransactionType != "Cheque" || bd.InstrumentNumber != "000123" || bd.InstrumentDate == nil || FormatVoucherDate(*bd.InstrumentDate) != "20240302" {
		t.Fatalf("bank details = %+v", bd)
	}
}

func TestNormalize_AmountsAreExactDecimals(t *testing.T) {
	var entries []any
	for i := 0; i < 1000; i++ {
		entries = append(entries, map[string]any{"LEDGERNAME": "Output IGST", "AMOUNT": json.Number("0.10")})
	}
	v, err := Normalize(RawVoucher{"VOUCHERNUMBER": "X", "DATE": "20240101", "AMOUNT": "1,000.10", "ENTRIES": entries}, "o")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !v.TaxBreakdown.IGST.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("igst = %s", v.TaxBreakdown.IGST)
	}
	if v.Amount.String() != "1000.1" {
		t.Fatalf("amount = %s", v.Amount)
	}
}
