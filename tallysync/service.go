package tallysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/tally_sync/config"
	"github.com/mmdatafocus/tally_sync/models"
	"github.com/mmdatafocus/tally_sync/utils"
	"github.com/sirupsen/logrus"
)

// RunStore persists run history. *models.SyncRunRepository implements it.
type RunStore interface {
	Create(ctx context.Context, run *models.VoucherSyncRun) error
	Save(ctx context.Context, run *models.VoucherSyncRun) error
	Get(ctx context.Context, ownerId string, runId string) (*models.VoucherSyncRun, error)
	Latest(ctx context.Context, ownerId string) (*models.VoucherSyncRun, error)
	ResumableRun(ctx context.Context, ownerId string, from, to time.Time) (*models.VoucherSyncRun, error)
	List(ctx context.Context, ownerId string, limit int) ([]models.VoucherSyncRun, error)
	ListRunning(ctx context.Context) ([]models.VoucherSyncRun, error)
	CreateErrors(ctx context.Context, rows []models.VoucherSyncError) error
	ListErrors(ctx context.Context, ownerId string, runId string, limit int) ([]models.VoucherSyncError, error)
	MarkInterrupted(ctx context.Context, runIds ...string) (int64, error)
}

const lockTTL = 2 * time.Minute

// Service owns the sync runs of this process: it admits triggers, runs one worker
// goroutine per active owner and answers status and history queries.
type Service struct {
	Settings config.SyncSettings
	Fetcher  Fetcher
	Store    VoucherStore
	Runs     RunStore
	Tracker  *Tracker
	Locker   OwnerLocker
	Events   EventPublisher
	Archive  BatchArchiver
	Logger   *logrus.Logger

	// Now is the clock used for default ranges.
	Now func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	cancels map[string]runCancel
	wg      sync.WaitGroup
}

type runCancel struct {
	runId  string
	cancel context.CancelFunc
}

func NewService(settings config.SyncSettings, fetcher Fetcher, store VoucherStore, runs RunStore, tracker *Tracker) *Service {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Service{
		Settings: settings,
		Fetcher:  fetcher,
		Store:    store,
		Runs:     runs,
		Tracker:  tracker,
		Logger:   config.GetLogger(),
		baseCtx:  baseCtx,
		stop:     stop,
		cancels:  map[string]runCancel{},
	}
}

// ResolveRange turns the trigger body into a concrete range. Missing ends default to a
// lookback window ending today.
func (s *Service) ResolveRange(req TriggerRequest) (DateRange, error) {
	today := DateOnly(s.now())
	lookback := s.Settings.DefaultLookback
	if lookback <= 0 {
		lookback = 30
	}

	var r DateRange
	switch {
	case req.To != "":
		to, err := ParseRangeDate(req.To)
		if err != nil {
			return r, fmt.Errorf("%w: to %q: %v", ErrInvalidRange, req.To, err)
		}
		r.To = to
	default:
		r.To = today
	}
	switch {
	case req.From != "":
		from, err := ParseRangeDate(req.From)
		if err != nil {
			return r, fmt.Errorf("%w: from %q: %v", ErrInvalidRange, req.From, err)
		}
		r.From = from
	default:
		r.From = r.To.AddDate(0, 0, -(lookback - 1))
	}

	if r.From.After(r.To) {
		return r, fmt.Errorf("%w: from is after to", ErrInvalidRange)
	}
	if s.Settings.MaxRangeDays > 0 && r.Days() > s.Settings.MaxRangeDays {
		return r, fmt.Errorf("%w: %d days exceeds the %d day limit", ErrInvalidRange, r.Days(), s.Settings.MaxRangeDays)
	}
	return r, nil
}

// Trigger starts a run for ownerId and returns its id. A failed run over the same range is
// resumed from its checkpoint unless req.Restart is set.
func (s *Service) Trigger(ctx context.Context, ownerId string, req TriggerRequest) (string, error) {
	owner := CanonicalOwnerID(ownerId)
	if owner == "" {
		return "", ErrInvalidOwner
	}
	rng, err := s.ResolveRange(req)
	if err != nil {
		return "", err
	}
	if s.Tracker.IsRunning(owner) {
		return "", ErrAlreadyRunning
	}

	var lease Lease
	if s.Locker != nil {
		lease, err = s.Locker.Obtain(ctx, owner)
		if err != nil {
			return "", err
		}
	}
	release := func() {
		if lease != nil {
			if rerr := lease.Release(context.Background()); rerr != nil {
				config.LogError(s.logger(), "tallysync", "Trigger", "release lease", owner, rerr)
			}
		}
	}

	ctx = utils.SetOwnerIdInContext(ctx, owner)
	var resumeFrom *models.VoucherSyncRun
	if !req.Restart {
		resumeFrom, err = s.Runs.ResumableRun(ctx, owner, rng.From, rng.To)
		if err != nil {
			release()
			return "", fmt.Errorf("look up resumable run: %w", err)
		}
	}

	runId := uuid.NewString()
	run := &models.VoucherSyncRun{
		ID:        runId,
		OwnerId:   owner,
		State:     models.SyncStateRunning,
		FromDate:  rng.From,
		ToDate:    rng.To,
		Restart:   req.Restart,
		StartedAt: time.Now().UTC(),
	}
	if resumeFrom != nil {
		run.ResumedFromRunId = resumeFrom.ID
		run.Checkpoint = copyTime(resumeFrom.Checkpoint)
	}

	if err := s.Tracker.Begin(owner, runId, rng, run.Checkpoint); err != nil {
		release()
		return "", err
	}
	if err := s.Runs.Create(ctx, run); err != nil {
		s.Tracker.Finish(owner, models.SyncStateFailed, err, "could not record the run")
		release()
		return "", fmt.Errorf("create sync run: %w", err)
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		runCtx = utils.SetCorrelationIdInContext(runCtx, cid)
	}
	s.mu.Lock()
	s.cancels[owner] = runCancel{runId: runId, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.work(runCtx, run, rng, lease)

	s.logger().WithFields(logrus.Fields{
		"module":      "tallysync",
		"owner":       owner,
		"run_id":      runId,
		"from":        FormatVoucherDate(rng.From),
		"to":          FormatVoucherDate(rng.To),
		"resumed_run": run.ResumedFromRunId,
	}).Info("sync run started")
	return runId, nil
}

// Cancel asks the owner's run to stop after its in-flight batch.
func (s *Service) Cancel(ownerId string) error {
	owner := CanonicalOwnerID(ownerId)
	s.mu.Lock()
	rc, ok := s.cancels[owner]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	rc.cancel()
	return nil
}

func (s *Service) work(ctx context.Context, run *models.VoucherSyncRun, rng DateRange, lease Lease) {
	owner := run.OwnerId
	persistCtx := utils.SetSyncRunIdInContext(utils.SetOwnerIdInContext(context.Background(), owner), run.ID)
	logger := s.logger().WithFields(logrus.Fields{"module": "tallysync", "owner": owner, "run_id": run.ID})

	keepAliveCtx, stopKeepAlive := context.WithCancel(context.Background())
	go keepAlive(keepAliveCtx, lease, lockTTL, func(err error) {
		logger.WithError(err).Warn("lease refresh failed")
	})

	runsActive.Inc()
	var res RunResult
	defer func() {
		if p := recover(); p != nil {
			res = RunResult{
				State:      models.SyncStateFailed,
				BatchCount: run.BatchCount,
				BatchTotal: run.BatchTotal,
				Checkpoint: copyTime(run.Checkpoint),
				Err:        fmt.Errorf("worker panic: %v", p),
				Summary:    "failed: worker panic",
			}
		}
		s.finish(persistCtx, run, rng, res)

		stopKeepAlive()
		if lease != nil {
			if err := lease.Release(context.Background()); err != nil {
				config.LogError(s.logger(), "tallysync", "work", "release lease", owner, err)
			}
		}
		s.mu.Lock()
		if rc, ok := s.cancels[owner]; ok && rc.runId == run.ID {
			rc.cancel()
			delete(s.cancels, owner)
		}
		s.mu.Unlock()
		runsActive.Dec()
		s.wg.Done()
	}()

	orch := &Orchestrator{
		Fetcher:  s.Fetcher,
		Store:    s.Store,
		Archive:  s.Archive,
		Settings: s.Settings,
		Logger:   s.logger(),
	}
	ctx = utils.SetSyncRunIdInContext(utils.SetOwnerIdInContext(ctx, owner), run.ID)
	res = orch.Run(ctx, RunRequest{
		RunId:      run.ID,
		OwnerId:    owner,
		Range:      rng,
		Checkpoint: copyTime(run.Checkpoint),
	}, func(ev ProgressEvent) {
		s.Tracker.Apply(owner, ev)

		cp := ev.Checkpoint
		run.Checkpoint = &cp
		run.BatchCount = ev.BatchCount
		run.BatchTotal = ev.BatchTotal
		applyTotals(run, ev.Totals)
		run.ErrorCount += len(ev.Errors)
		if err := s.Runs.Save(persistCtx, run); err != nil {
			config.LogError(s.logger(), "tallysync", "work", "save progress", run.ID, err)
		}
		s.persistErrors(persistCtx, run, ev.Errors)
	})
}

func (s *Service) finish(ctx context.Context, run *models.VoucherSyncRun, rng DateRange, res RunResult) {
	now := time.Now().UTC()
	run.State = res.State
	run.BatchCount = res.BatchCount
	run.BatchTotal = res.BatchTotal
	run.Checkpoint = copyTime(res.Checkpoint)
	applyTotals(run, res.Totals)
	run.Summary = res.Summary
	run.CompletedAt = &now
	if res.Err != nil {
		run.FailureCode = errorCode(res.Err)
		run.FailureReason = res.Err.Error()
		run.ErrorCount++
		s.persistErrors(ctx, run, []SyncError{{Code: run.FailureCode, BatchNo: res.BatchCount + 1, Message: res.Err.Error(), At: now}})
	}
	if err := s.Runs.Save(ctx, run); err != nil {
		config.LogError(s.logger(), "tallysync", "finish", "save terminal state", run.ID, err)
	}

	s.Tracker.Finish(run.OwnerId, res.State, res.Err, res.Summary)
	runsTotal.WithLabelValues(string(res.State), run.FailureCode).Inc()

	s.logger().WithFields(logrus.Fields{
		"module":  "tallysync",
		"owner":   run.OwnerId,
		"run_id":  run.ID,
		"state":   res.State,
		"summary": res.Summary,
	}).Info("sync run finished")

	if s.Events != nil {
		ev := RunEvent{
			Type:        runFinishedEvent,
			RunId:       run.ID,
			OwnerId:     run.OwnerId,
			State:       res.State,
			FailureCode: run.FailureCode,
			DateRange:   rng,
			Checkpoint:  copyTime(res.Checkpoint),
			Totals:      res.Totals,
			Summary:     res.Summary,
			FinishedAt:  now,
		}
		if err := s.Events.PublishRunFinished(ctx, ev); err != nil {
			config.LogError(s.logger(), "tallysync", "finish", "publish run event", run.ID, err)
		}
	}
}

func (s *Service) persistErrors(ctx context.Context, run *models.VoucherSyncRun, errs []SyncError) {
	if len(errs) == 0 {
		return
	}
	rows := make([]models.VoucherSyncError, 0, len(errs))
	for _, e := range errs {
		rows = append(rows, models.VoucherSyncError{
			RunId:         run.ID,
			OwnerId:       run.OwnerId,
			BatchNo:       e.BatchNo,
			Code:          e.Code,
			VoucherNumber: e.VoucherNumber,
			Message:       e.Message,
			Payload:       []byte(e.Payload),
		})
	}
	if err := s.Runs.CreateErrors(ctx, rows); err != nil {
		config.LogError(s.logger(), "tallysync", "persistErrors", "create sync errors", run.ID, err)
	}
}

func applyTotals(run *models.VoucherSyncRun, t Totals) {
	run.Fetched = t.Fetched
	run.Inserted = t.Inserted
	run.DuplicateSkipped = t.DuplicateSkipped
	run.Conflicts = t.Conflicts
	run.Skipped = t.Skipped
	run.DistinctParties = t.DistinctParties
}

// Status answers a poll. A live local run wins, then the shared mirror, then this
// process's last terminal status, then the newest persisted run, then Idle.
func (s *Service) Status(ctx context.Context, ownerId string) (SyncStatus, error) {
	owner := CanonicalOwnerID(ownerId)
	local, ok := s.Tracker.Status(owner)
	if ok && local.IsRunning {
		return local, nil
	}
	if s.Tracker.mirror != nil {
		if mirrored, found, err := s.Tracker.mirror.Load(owner); err != nil {
			config.LogError(s.logger(), "tallysync", "Status", "load mirrored status", owner, err)
		} else if found && (!ok || newerRun(mirrored, local)) {
			return mirrored, nil
		}
	}
	if ok {
		return local, nil
	}

	run, err := s.Runs.Latest(utils.SetOwnerIdInContext(ctx, owner), owner)
	if err != nil {
		return local, err
	}
	if run == nil {
		return local, nil
	}
	errs, err := s.Runs.ListErrors(utils.SetOwnerIdInContext(ctx, owner), owner, run.ID, s.Tracker.maxErrors)
	if err != nil {
		return local, err
	}
	return statusFromRun(run, errs), nil
}

// newerRun reports whether a describes a later run than b.
func newerRun(a, b SyncStatus) bool {
	if a.RunId == b.RunId || a.StartedAt == nil {
		return false
	}
	return b.StartedAt == nil || a.StartedAt.After(*b.StartedAt)
}

func statusFromRun(run *models.VoucherSyncRun, errs []models.VoucherSyncError) SyncStatus {
	started := run.StartedAt
	st := SyncStatus{
		OwnerId:    run.OwnerId,
		IsRunning:  run.State == models.SyncStateRunning,
		State:      run.State,
		RunId:      run.ID,
		Percent:    percent(run.BatchCount, run.BatchTotal),
		BatchCount: run.BatchCount,
		BatchTotal: run.BatchTotal,
		Totals: Totals{
			Fetched:          run.Fetched,
			Inserted:         run.Inserted,
			DuplicateSkipped: run.DuplicateSkipped,
			Conflicts:        run.Conflicts,
			Skipped:          run.Skipped,
			DistinctParties:  run.DistinctParties,
		},
		DateRange:   &DateRange{From: run.FromDate, To: run.ToDate},
		Checkpoint:  copyTime(run.Checkpoint),
		StartedAt:   &started,
		CompletedAt: copyTime(run.CompletedAt),
		Summary:     run.Summary,
		FailureCode: run.FailureCode,
		Errors:      make([]SyncError, 0, len(errs)),
	}
	if run.BatchTotal == 0 {
		st.Percent = 0
	}
	for _, e := range errs {
		st.Errors = append(st.Errors, SyncError{
			Code:          e.Code,
			BatchNo:       e.BatchNo,
			VoucherNumber: e.VoucherNumber,
			Message:       e.Message,
			At:            e.CreatedAt,
		})
	}
	if dropped := run.ErrorCount - len(errs); dropped > 0 {
		st.ErrorsDropped = dropped
	}
	return st
}

func (s *Service) ListRuns(ctx context.Context, ownerId string, limit int) ([]models.VoucherSyncRun, error) {
	owner := CanonicalOwnerID(ownerId)
	return s.Runs.List(utils.SetOwnerIdInContext(ctx, owner), owner, limit)
}

func (s *Service) GetRun(ctx context.Context, ownerId string, runId string) (*models.VoucherSyncRun, []models.VoucherSyncError, error) {
	owner := CanonicalOwnerID(ownerId)
	ctx = utils.SetOwnerIdInContext(ctx, owner)
	run, err := s.Runs.Get(ctx, owner, runId)
	if err != nil {
		return nil, nil, err
	}
	errs, err := s.Runs.ListErrors(ctx, owner, runId, 0)
	if err != nil {
		return nil, nil, err
	}
	return run, errs, nil
}

// RecoverInterrupted fails runs a previous process left in the running state. With a
// locker configured, runs whose owner lease is still held elsewhere are left alone.
func (s *Service) RecoverInterrupted(ctx context.Context) (int64, error) {
	ctx = utils.SkipOwnerScope(ctx)
	running, err := s.Runs.ListRunning(ctx)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, run := range running {
		if s.Tracker.IsRunning(run.OwnerId) {
			continue
		}
		if s.Locker != nil {
			lease, err := s.Locker.Obtain(ctx, run.OwnerId)
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			if err != nil {
				return 0, err
			}
			_ = lease.Release(ctx)
		}
		ids = append(ids, run.ID)
		if s.Tracker.mirror != nil {
			_ = s.Tracker.mirror.Clear(run.OwnerId)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.Runs.MarkInterrupted(ctx, utils.UniqueSlice(ids)...)
	if err == nil && n > 0 {
		s.logger().WithFields(logrus.Fields{"module": "tallysync", "runs": n}).Warn("marked interrupted sync runs as failed")
	}
	return n, err
}

// Shutdown cancels every live run and waits for the workers to commit their in-flight
// batch and record a resumable failed state.
func (s *Service) Shutdown(ctx context.Context) error {
	if owners := s.Tracker.RunningOwners(); len(owners) > 0 {
		s.logger().WithFields(logrus.Fields{"module": "tallysync", "owners": owners}).Info("draining sync runs")
	}
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every worker started so far has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return config.GetLogger()
}
