package tallysync

import (
	"testing"
	"time"
)

func TestParseVoucherDate(t *testing.T) {
	valid := map[string]time.Time{
		"20240115":   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		" 20240229 ": time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		"19000101":   time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC),
		"21991231":   time.Date(2199, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	for in, want := range valid {
		got, err := ParseVoucherDate(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Fatalf("%q = %v, want %v", in, got, want)
		}
		if FormatVoucherDate(got) != want.Format("20060102") {
			t.Fatalf("%q does not round-trip", in)
		}
	}

	for _, in := range []string{"", "2024-01-15", "15012024x", "20230229", "20241301", "18991231", "22000101", "2024011", "２０２４０１１５"} {
		if _, err := ParseVoucherDate(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestParseRangeDate(t *testing.T) {
	for _, in := range []string{"2024-01-31", "20240131"} {
		got, err := ParseRangeDate(in)
		if err != nil || !got.Equal(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)) {
			t.Fatalf("%q = %v, %v", in, got, err)
		}
	}
}

func TestDateOnly(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	got := DateOnly(time.Date(2024, 1, 1, 2, 0, 0, 0, ist))
	if !got.Equal(time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("DateOnly = %v", got)
	}
}
