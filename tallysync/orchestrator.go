package tallysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mmdatafocus/tally_sync/config"
	"github.com/mmdatafocus/tally_sync/models"
	"github.com/mmdatafocus/tally_sync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxRetryBackoff = 30 * time.Second

// maxPagesPerBatch guards against a source that never reports the last page.
const maxPagesPerBatch = 10000

var tracer = otel.Tracer("github.com/mmdatafocus/tally_sync/tallysync")

// Orchestrator drives fetch, normalize and persist over a date range, one window at a time.
type Orchestrator struct {
	Fetcher  Fetcher
	Store    VoucherStore
	Archive  BatchArchiver
	Settings config.SyncSettings
	Logger   *logrus.Logger

	// Test hooks.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(fetcher Fetcher, store VoucherStore, settings config.SyncSettings) *Orchestrator {
	return &Orchestrator{
		Fetcher:  fetcher,
		Store:    store,
		Settings: settings,
		Logger:   config.GetLogger(),
	}
}

// PlanWindows splits r into consecutive windows of batchDays days. The last window is cut at r.To.
func PlanWindows(r DateRange, batchDays int) []DateRange {
	if batchDays <= 0 {
		batchDays = 1
	}
	from, to := DateOnly(r.From), DateOnly(r.To)
	var out []DateRange
	for start := from; !start.After(to); start = start.AddDate(0, 0, batchDays) {
		end := start.AddDate(0, 0, batchDays-1)
		if end.After(to) {
			end = to
		}
		out = append(out, DateRange{From: start, To: end})
	}
	return out
}

// Run executes one sync run and returns its terminal result. emit is called once per
// committed batch from the calling goroutine.
//
// The checkpoint is the end date of the last committed window and only moves forward.
// Cancellation of ctx and the run ceiling are honoured between batches; a started batch
// always runs to commit or failure.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, emit func(ProgressEvent)) RunResult {
	now := o.now()
	deadline := now.Add(o.Settings.MaxRunDuration)
	windows := PlanWindows(req.Range, o.Settings.BatchDays)

	res := RunResult{
		State:      models.SyncStateRunning,
		BatchTotal: len(windows),
		Checkpoint: copyTime(req.Checkpoint),
	}
	parties := map[string]struct{}{}
	logger := o.logger().WithFields(logrus.Fields{
		"module": "tallysync",
		"owner":  req.OwnerId,
		"run_id": req.RunId,
	})

	for i, w := range windows {
		batchNo := i + 1
		if res.Checkpoint != nil && !w.To.After(*res.Checkpoint) {
			res.BatchCount++
			continue
		}

		if err := ctx.Err(); err != nil {
			return o.fail(res, ErrCancelled, logger)
		}
		if !o.now().Before(deadline) {
			return o.fail(res, fmt.Errorf("%w: run exceeded %s", ErrTimeout, o.Settings.MaxRunDuration), logger)
		}

		// The batch itself ignores cancellation so it can reach its commit point.
		summary, batchParties, errs, err := o.runBatch(context.WithoutCancel(ctx), req, batchNo, w)
		if err != nil {
			return o.fail(res, err, logger)
		}

		res.BatchCount++
		res.Totals.add(summary)
		for p := range batchParties {
			parties[p] = struct{}{}
		}
		res.Totals.DistinctParties = len(parties)
		cp := w.To
		res.Checkpoint = &cp

		logger.WithFields(logrus.Fields{
			"batch":      batchNo,
			"from":       FormatVoucherDate(w.From),
			"to":         FormatVoucherDate(w.To),
			"fetched":    summary.Count,
			"inserted":   summary.Inserted,
			"duplicates": summary.Duplicates,
			"conflicts":  summary.Conflicts,
			"skipped":    summary.Skipped,
			"attempts":   summary.Attempts,
		}).Info("batch committed")

		if emit != nil {
			emit(ProgressEvent{
				Percent:    percent(res.BatchCount, res.BatchTotal),
				BatchCount: res.BatchCount,
				BatchTotal: res.BatchTotal,
				LastBatch:  summary,
				Totals:     res.Totals,
				Errors:     errs,
				Checkpoint: cp,
			})
		}
	}

	res.State = models.SyncStateCompleted
	res.Summary = "completed: " + totalsSummary(res)
	return res
}

func (o *Orchestrator) fail(res RunResult, err error, logger *logrus.Entry) RunResult {
	res.State = models.SyncStateFailed
	res.Err = err
	cp := "none"
	if res.Checkpoint != nil {
		cp = FormatVoucherDate(*res.Checkpoint)
	}
	res.Summary = fmt.Sprintf("failed (%s) at batch %d of %d, checkpoint %s: %s",
		errorCode(err), res.BatchCount+1, res.BatchTotal, cp, totalsSummary(res))
	logger.WithError(err).WithField("checkpoint", cp).Warn("sync run failed")
	return res
}

// runBatch fetches and persists one window, retrying the whole window on fetch or
// storage failure. Record-level problems never fail the batch.
func (o *Orchestrator) runBatch(ctx context.Context, req RunRequest, batchNo int, w DateRange) (BatchSummary, map[string]struct{}, []SyncError, error) {
	ctx, span := tracer.Start(ctx, "tallysync.batch", trace.WithAttributes(
		attribute.String("tally.owner", req.OwnerId),
		attribute.String("tally.run_id", req.RunId),
		attribute.Int("tally.batch", batchNo),
		attribute.String("tally.from", FormatVoucherDate(w.From)),
		attribute.String("tally.to", FormatVoucherDate(w.To)),
	))
	defer span.End()
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		span.SetAttributes(attribute.String("tally.correlation_id", cid))
	}
	started := o.now()

	// Keys inserted by an attempt that later failed. A retry sees them as duplicates but
	// they were new to this run.
	insertedEarlier := map[string]bool{}
	attempts := o.Settings.BatchRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		summary, parties, errs, err := o.attemptBatch(ctx, req, batchNo, w, insertedEarlier)
		if err == nil {
			summary.Attempts = attempt
			batchesTotal.WithLabelValues("committed").Inc()
			batchDuration.Observe(o.now().Sub(started).Seconds())
			span.SetAttributes(attribute.Int("tally.fetched", summary.Count), attribute.Int("tally.attempts", attempt))
			return summary, parties, errs, nil
		}
		lastErr = err
		batchesTotal.WithLabelValues("failed").Inc()
		config.LogError(o.logger(), "tallysync", "runBatch", fmt.Sprintf("batch %d attempt %d/%d", batchNo, attempt, attempts),
			runLogFields(ctx, req), err)
		if attempt < attempts {
			if serr := o.sleep(ctx, retryBackoff(o.Settings.RetryBackoff, attempt)); serr != nil {
				break
			}
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return BatchSummary{}, nil, nil, &BatchError{BatchNo: batchNo, Attempts: attempts, Err: lastErr}
}

func (o *Orchestrator) attemptBatch(ctx context.Context, req RunRequest, batchNo int, w DateRange, insertedEarlier map[string]bool) (BatchSummary, map[string]struct{}, []SyncError, error) {
	records, err := o.fetchWindow(ctx, req.OwnerId, w)
	if err != nil {
		return BatchSummary{}, nil, nil, fmt.Errorf("fetch %s..%s: %w", FormatVoucherDate(w.From), FormatVoucherDate(w.To), err)
	}

	if o.Archive != nil {
		if aerr := o.Archive.ArchiveBatch(ctx, req.OwnerId, req.RunId, batchNo, w, records); aerr != nil {
			config.LogError(o.logger(), "tallysync", "attemptBatch", "archive batch", map[string]any{"batch": batchNo}, aerr)
		}
	}

	summary := BatchSummary{BatchNo: batchNo, Range: w, Count: len(records)}
	parties := map[string]struct{}{}
	seen := map[string]bool{}
	var errs []SyncError
	batchId := fmt.Sprintf("%s-%04d", req.RunId, batchNo)
	importedAt := o.now()

	for _, raw := range records {
		v, err := Normalize(raw, req.OwnerId)
		if err != nil {
			summary.Skipped++
			observeOutcome(outcomeSkipped)
			errs = append(errs, o.syncError(batchNo, err, raw))
			continue
		}
		v.UploadSource = o.Settings.UploadSource
		v.UploadBatchId = batchId
		v.ImportedAt = importedAt

		outcome, err := o.Store.UpsertVoucher(ctx, v)
		if outcome == "" {
			if err == nil {
				err = errors.New("store returned no outcome")
			}
			return BatchSummary{}, nil, nil, fmt.Errorf("store voucher %s: %w", v.VoucherNumber, err)
		}
		observeOutcome(outcome)

		firstInAttempt := !seen[v.VoucherNumber]
		seen[v.VoucherNumber] = true

		switch outcome {
		case models.UpsertInserted:
			summary.Inserted++
			insertedEarlier[v.VoucherNumber] = true
		case models.UpsertDuplicateSkipped:
			// credit rows written by a failed earlier attempt, once
			if firstInAttempt && insertedEarlier[v.VoucherNumber] {
				summary.Inserted++
			} else {
				summary.Duplicates++
			}
		case models.UpsertConflict:
			summary.Conflicts++
			if err == nil {
				err = models.ErrVoucherConflict
			}
			errs = append(errs, SyncError{
				Code:          CodeConflict,
				BatchNo:       batchNo,
				VoucherNumber: v.VoucherNumber,
				Message:       err.Error(),
				At:            o.now(),
			})
		}
		if v.PartyName != "" {
			parties[v.PartyName] = struct{}{}
		}
	}
	return summary, parties, errs, nil
}

// fetchWindow reads every page of one window.
func (o *Orchestrator) fetchWindow(ctx context.Context, ownerId string, w DateRange) ([]RawVoucher, error) {
	cursor := Cursor{From: w.From, To: w.To}
	var records []RawVoucher
	for pages := 0; pages < maxPagesPerBatch; pages++ {
		page, err := o.Fetcher.FetchBatch(ctx, ownerId, cursor)
		if err != nil {
			return nil, err
		}
		records = append(records, page.Records...)
		if page.Done || page.NextToken == "" {
			return records, nil
		}
		if page.NextToken == cursor.Token {
			return nil, fmt.Errorf("source repeated page token %q", page.NextToken)
		}
		cursor.Token = page.NextToken
	}
	return nil, fmt.Errorf("window exceeded %d pages", maxPagesPerBatch)
}

func (o *Orchestrator) syncError(batchNo int, err error, raw RawVoucher) SyncError {
	se := SyncError{Code: errorCode(err), BatchNo: batchNo, Message: err.Error(), At: o.now()}
	var re *RecordError
	if errors.As(err, &re) {
		se.VoucherNumber = re.VoucherNumber
	}
	if b, merr := json.Marshal(raw); merr == nil {
		se.Payload = b
	}
	return se
}

// retryBackoff doubles base per attempt, capped at maxRetryBackoff.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << min(attempt-1, 10)
	if d > maxRetryBackoff || d <= 0 {
		d = maxRetryBackoff
	}
	return d
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return math.Round(float64(done)*1000/float64(total)) / 10
}

func totalsSummary(res RunResult) string {
	t := res.Totals
	return fmt.Sprintf("%d/%d batches, %d fetched, %d inserted, %d duplicates, %d conflicts, %d skipped, %d parties",
		res.BatchCount, res.BatchTotal, t.Fetched, t.Inserted, t.DuplicateSkipped, t.Conflicts, t.Skipped, t.DistinctParties)
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLogFields prefers the identifiers the service put on ctx and falls back to req.
func runLogFields(ctx context.Context, req RunRequest) map[string]any {
	fields := map[string]any{"owner": req.OwnerId, "run_id": req.RunId}
	if owner, ok := utils.GetOwnerIdFromContext(ctx); ok {
		fields["owner"] = owner
	}
	if runId, ok := utils.GetSyncRunIdFromContext(ctx); ok {
		fields["run_id"] = runId
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = cid
	}
	return fields
}

func (o *Orchestrator) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return config.GetLogger()
}
