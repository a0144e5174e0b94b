package tallysync

import (
	"errors"
	"strings"
	"time"
)

// VoucherDateLayout is the only date format accepted from the source (Tally's YYYYMMDD).
const VoucherDateLayout = "20060102"

const (
	minVoucherYear = 1900
	maxVoucherYear = 2199
)

// ParseVoucherDate parses a source date strictly. Anything other than eight digits forming a
// real calendar day in [1900, 2199] is rejected; there is no fallback date.
func ParseVoucherDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) != len(VoucherDateLayout) {
		return time.Time{}, errors.New("expected YYYYMMDD")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return time.Time{}, errors.New("expected YYYYMMDD")
		}
	}
	t, err := time.ParseInLocation(VoucherDateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	if t.Year() < minVoucherYear || t.Year() > maxVoucherYear {
		return time.Time{}, errors.New("year out of range")
	}
	return t, nil
}

func FormatVoucherDate(t time.Time) string {
	return t.UTC().Format(VoucherDateLayout)
}

// DateOnly truncates t to UTC midnight of its UTC calendar day.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseRangeDate accepts the API's ISO form (2006-01-02) as well as YYYYMMDD.
func ParseRangeDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation("2006-01-02", s, time.UTC); err == nil {
		return t, nil
	}
	return ParseVoucherDate(s)
}
