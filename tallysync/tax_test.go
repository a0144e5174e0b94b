package tallysync

import "testing"

func TestClassifyTaxLedger(t *testing.T) {
	cases := map[string]taxHead{
		"CGST":                  taxCGST,
		"cgst @ 9%":             taxCGST,
		"Output CGST":           taxCGST,
		"Input  SGST 9%":        taxSGST,
		"UTGST":                 taxSGST,
		"IGST@18":               taxIGST,
		"Integrated Tax":        taxIGST,
		"GST Cess":              taxCess,
		"Compensation Cess":     taxCess,
		"CESS":                  taxCess,
		"Sales 18%":             taxNone,
		"CGSTX Suspense":        taxNone,
		"Acme CGST Consultants": taxNone,
	}
	for name, want := range cases {
		if got := classifyTaxLedger(name); got != want {
			t.Fatalf("classifyTaxLedger(%q) = %d, want %d", name, got, want)
		}
	}
}
