package tallysync

import (
	"strings"

	"github.com/mmdatafocus/tally_sync/models"
	"github.com/shopspring/decimal"
)

type taxHead int

const (
	taxNone taxHead = iota
	taxCGST
	taxSGST
	taxIGST
	taxCess
)

type taxRule struct {
	prefix string
	head   taxHead
}

// taxLedgerRules classify duty ledgers by name. A name matches a rule when it equals the
// prefix or starts with it followed by a non-letter (so "CGST @9%" matches, "CGSTX" does not).
// Order matters: "GST CESS" must win over a bare "GST" reading.
var taxLedgerRules = []taxRule{
	{"CGST", taxCGST},
	{"CENTRAL TAX", taxCGST},
	{"SGST", taxSGST},
	{"UTGST", taxSGST},
	{"STATE TAX", taxSGST},
	{"IGST", taxIGST},
	{"INTEGRATED TAX", taxIGST},
	{"GST CESS", taxCess},
	{"COMPENSATION CESS", taxCess},
	{"CESS", taxCess},
}

// Direction qualifiers that precede the duty name in common ledger naming ("Output CGST").
var taxLedgerQualifiers = []string{"OUTPUT ", "INPUT "}

func classifyTaxLedger(name string) taxHead {
	n := strings.ToUpper(strings.Join(strings.Fields(name), " "))
	for _, q := range taxLedgerQualifiers {
		if strings.HasPrefix(n, q) {
			n = strings.TrimPrefix(n, q)
			break
		}
	}
	for _, rule := range taxLedgerRules {
		if n == rule.prefix {
			return rule.head
		}
		if strings.HasPrefix(n, rule.prefix) {
			next := n[len(rule.prefix)]
			if !(next >= 'A' && next <= 'Z') {
				return rule.head
			}
		}
	}
	return taxNone
}

// taxBreakdown sums duty amounts (as magnitudes) per head over the ledger lines.
func taxBreakdown(entries []models.VoucherLedgerEntry) models.TaxBreakdown {
	var tb models.TaxBreakdown
	for _, le := range entries {
		amt := le.Amount.Abs()
		switch classifyTaxLedger(le.LedgerName) {
		case taxCGST:
			tb.CGST = tb.CGST.Add(amt)
		case taxSGST:
			tb.SGST = tb.SGST.Add(amt)
		case taxIGST:
			tb.IGST = tb.IGST.Add(amt)
		case taxCess:
			tb.Cess = tb.Cess.Add(amt)
		default:
			continue
		}
	}
	tb.Total = decimal.Sum(tb.CGST, tb.SGST, tb.IGST, tb.Cess)
	return tb
}
