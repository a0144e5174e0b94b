package tallysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/tally_sync/config"
	"github.com/mmdatafocus/tally_sync/models"
)

func day(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func rawVoucher(number, date, party, amount string) RawVoucher {
	return RawVoucher{
		"VOUCHERNUMBER":   number,
		"DATE":            date,
		"VOUCHERTYPENAME": "Sales",
		"PARTYLEDGERNAME": party,
		"ENTRIES": []any{
			map[string]any{"LEDGERNAME": party, "AMOUNT": json.Number("-" + amount), "ISDEEMEDPOSITIVE": "Yes"},
			map[string]any{"LEDGERNAME": "Sales", "AMOUNT": json.Number(amount), "ISDEEMEDPOSITIVE": "No"},
		},
	}
}

type fakeRecord struct {
	day time.Time
	raw RawVoucher
}

// fakeFetcher serves records by source day, pageSize records per page.
type fakeFetcher struct {
	mu       sync.Mutex
	records  []fakeRecord
	pageSize int
	calls    []Cursor
	// failWindow makes every fetch of a window starting on that day fail.
	failWindow map[string]bool
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, ownerId string, cursor Cursor) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cursor)
	if f.failWindow[FormatVoucherDate(cursor.From)] {
		return Page{}, errors.New("source unavailable")
	}

	var in []RawVoucher
	for _, r := range f.records {
		if !r.day.Before(cursor.From) && !r.day.After(cursor.To) {
			in = append(in, r.raw)
		}
	}
	size := f.pageSize
	if size <= 0 {
		size = len(in) + 1
	}
	start := 0
	if cursor.Token != "" {
		fmt.Sscanf(cursor.Token, "%d", &start)
	}
	end := start + size
	if end >= len(in) {
		if start > len(in) {
			start = len(in)
		}
		return Page{Records: in[start:], Done: true}, nil
	}
	return Page{Records: in[start:end], NextToken: fmt.Sprint(end)}, nil
}

// add files raw under the source day d (YYYY-MM-DD), whatever its DATE field says.
func (f *fakeFetcher) add(d string, raw RawVoucher) {
	f.records = append(f.records, fakeRecord{day: day(d), raw: raw})
}

// addDaily adds n valid vouchers per day over [from, to].
func (f *fakeFetcher) addDaily(from, to string, n int) int {
	total := 0
	for d := day(from); !d.After(day(to)); d = d.AddDate(0, 0, 1) {
		for i := 1; i <= n; i++ {
			num := fmt.Sprintf("S/%s/%d", FormatVoucherDate(d), i)
			f.add(d.Format("2006-01-02"), rawVoucher(num, FormatVoucherDate(d), fmt.Sprintf("Party %d", i), "100.00"))
			total++
		}
	}
	return total
}

func (f *fakeFetcher) windowsFetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Token == "" {
			out = append(out, FormatVoucherDate(c.From))
		}
	}
	return out
}

// memStore enforces the natural key in memory the way the database does.
type memStore struct {
	mu    sync.Mutex
	rows  map[string]*models.Voucher
	calls int
	// failCall makes the given upsert calls (1-based) fail with a storage error.
	failCall map[int]bool
	// failFrom makes every upsert of a voucher dated on or after it fail.
	failFrom *time.Time
	block    chan struct{}
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]*models.Voucher{}, failCall: map[int]bool{}}
}

func (s *memStore) UpsertVoucher(ctx context.Context, v *models.Voucher) (models.UpsertOutcome, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failCall[s.calls] {
		return "", errors.New("storage unavailable")
	}
	if s.failFrom != nil && !v.VoucherDate.Before(*s.failFrom) {
		return "", errors.New("storage unavailable")
	}
	key := v.OwnerId + "|" + v.VoucherNumber
	if existing, ok := s.rows[key]; ok {
		if existing.ContentHash != v.ContentHash {
			return models.UpsertConflict, &models.ConflictError{OwnerId: v.OwnerId, VoucherNumber: v.VoucherNumber, Reason: "content differs"}
		}
		return models.UpsertDuplicateSkipped, nil
	}
	cp := *v
	s.rows[key] = &cp
	return models.UpsertInserted, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func testSettings() config.SyncSettings {
	s := config.DefaultSyncSettings()
	s.BatchDays = 1
	s.RetryBackoff = 0
	s.MaxRunDuration = time.Hour
	return s
}

func newTestOrchestrator(f Fetcher, store VoucherStore) *Orchestrator {
	o := NewOrchestrator(f, store, testSettings())
	o.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return o
}
