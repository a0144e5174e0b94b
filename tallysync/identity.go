package tallysync

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// CanonicalVoucherNumber is the stored form of a voucher number: NFC, trimmed, internal
// whitespace runs collapsed to one space. Case is significant in Tally and is kept.
func CanonicalVoucherNumber(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CanonicalOwnerID is the stored form of an owner id: trimmed and lower-cased.
func CanonicalOwnerID(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}
