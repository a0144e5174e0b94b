package tallysync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/tally_sync/models"
)

// RawVoucher is one source record exactly as the bridge returned it. Numbers are kept as
// json.Number so amounts never pass through float64.
type RawVoucher map[string]any

// Cursor addresses one page of one batch window. Token is opaque to the engine.
type Cursor struct {
	From  time.Time
	To    time.Time
	Token string
}

type Page struct {
	Records   []RawVoucher
	NextToken string
	Done      bool
}

// Fetcher is the source of raw vouchers.
type Fetcher interface {
	FetchBatch(ctx context.Context, ownerId string, cursor Cursor) (Page, error)
}

// VoucherStore persists normalized vouchers under the natural key constraint.
// An empty outcome with an error is a storage failure.
type VoucherStore interface {
	UpsertVoucher(ctx context.Context, v *models.Voucher) (models.UpsertOutcome, error)
}

// BatchArchiver keeps a copy of each fetched batch before it is processed.
type BatchArchiver interface {
	ArchiveBatch(ctx context.Context, ownerId string, runId string, batchNo int, window DateRange, records []RawVoucher) error
}

type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) Days() int {
	return int(r.To.Sub(r.From).Hours()/24) + 1
}

func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"from": r.From.Format("2006-01-02"),
		"to":   r.To.Format("2006-01-02"),
	})
}

type Totals struct {
	Fetched          int `json:"fetched"`
	Inserted         int `json:"inserted"`
	DuplicateSkipped int `json:"duplicateSkipped"`
	Conflicts        int `json:"conflicts"`
	Skipped          int `json:"skipped"`
	DistinctParties  int `json:"distinctParties"`
}

func (t *Totals) add(b BatchSummary) {
	t.Fetched += b.Count
	t.Inserted += b.Inserted
	t.DuplicateSkipped += b.Duplicates
	t.Conflicts += b.Conflicts
	t.Skipped += b.Skipped
}

type BatchSummary struct {
	BatchNo    int       `json:"batchNo"`
	Range      DateRange `json:"range"`
	Count      int       `json:"count"`
	Inserted   int       `json:"inserted"`
	Duplicates int       `json:"duplicates"`
	Conflicts  int       `json:"conflicts"`
	Skipped    int       `json:"skipped"`
	Attempts   int       `json:"attempts"`
}

// SyncError is a recoverable failure as shown to pollers.
type SyncError struct {
	Code          string          `json:"code"`
	BatchNo       int             `json:"batchNo,omitempty"`
	VoucherNumber string          `json:"voucherNumber,omitempty"`
	Message       string          `json:"message"`
	At            time.Time       `json:"at"`
	Payload       json.RawMessage `json:"-"`
}

// ProgressEvent is emitted once per committed batch. Errors holds the errors raised by
// that batch only.
type ProgressEvent struct {
	Percent    float64      `json:"percent"`
	BatchCount int          `json:"batchCount"`
	BatchTotal int          `json:"batchTotal"`
	LastBatch  BatchSummary `json:"lastBatch"`
	Totals     Totals       `json:"totals"`
	Errors     []SyncError  `json:"errors"`
	Checkpoint time.Time    `json:"checkpoint"`
}

type RunRequest struct {
	RunId   string
	OwnerId string
	Range   DateRange
	// Checkpoint resumes a previous run: windows ending on or before it are not fetched.
	Checkpoint *time.Time
}

type RunResult struct {
	State      models.SyncState
	BatchCount int
	BatchTotal int
	Totals     Totals
	Checkpoint *time.Time
	Err        error
	Summary    string
}

// TriggerRequest is the body of the trigger endpoint.
type TriggerRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Restart bool   `json:"restart"`
}

// SyncStatus is the polled snapshot of an owner's current or last run.
type SyncStatus struct {
	OwnerId       string           `json:"ownerId"`
	IsRunning     bool             `json:"isRunning"`
	State         models.SyncState `json:"state"`
	RunId         string           `json:"runId,omitempty"`
	Percent       float64          `json:"percent"`
	BatchCount    int              `json:"batchCount"`
	BatchTotal    int              `json:"batchTotal"`
	Totals        Totals           `json:"totals"`
	LastBatch     *BatchSummary    `json:"lastBatch"`
	Errors        []SyncError      `json:"errors"`
	ErrorsDropped int              `json:"errorsDropped"`
	DateRange     *DateRange       `json:"dateRange"`
	Checkpoint    *time.Time       `json:"checkpoint"`
	StartedAt     *time.Time       `json:"startedAt"`
	CompletedAt   *time.Time       `json:"completedAt"`
	Summary       string           `json:"summary,omitempty"`
	FailureCode   string           `json:"failureCode,omitempty"`
	ResumedFrom   *time.Time       `json:"resumedFrom,omitempty"`
}

func (r *DateRange) UnmarshalJSON(b []byte) error {
	var raw struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	from, err := time.ParseInLocation("2006-01-02", raw.From, time.UTC)
	if err != nil {
		return err
	}
	to, err := time.ParseInLocation("2006-01-02", raw.To, time.UTC)
	if err != nil {
		return err
	}
	r.From, r.To = from, to
	return nil
}
