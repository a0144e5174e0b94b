package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/tally_sync/appctx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SyncState string

const (
	SyncStateIdle      SyncState = "idle"
	SyncStateRunning   SyncState = "running"
	SyncStateCompleted SyncState = "completed"
	SyncStateFailed    SyncState = "failed"
)

func (s SyncState) Terminal() bool {
	return s == SyncStateCompleted || s == SyncStateFailed
}

// FailureInterrupted marks runs that were still running when the process died.
const FailureInterrupted = "Interrupted"

// VoucherSyncRun is the durable record of one sync run. The live copy is held by the
// tracker; this row is written at start, after each committed batch and at the end.
type VoucherSyncRun struct {
	ID               string     `gorm:"primary_key;size:36" json:"id"`
	OwnerId          string     `gorm:"size:64;not null;index:idx_sync_run_owner_started,priority:1" json:"owner_id"`
	State            SyncState  `gorm:"size:16;not null;index" json:"state"`
	FromDate         time.Time  `gorm:"type:date;not null" json:"from_date"`
	ToDate           time.Time  `gorm:"type:date;not null" json:"to_date"`
	RangeKey         string     `gorm:"size:17;not null;index" json:"range_key"`
	Checkpoint       *time.Time `gorm:"type:date" json:"checkpoint"`
	ResumedFromRunId string     `gorm:"size:36" json:"resumed_from_run_id"`
	Restart          bool       `gorm:"not null;default:false" json:"restart"`

	BatchCount       int `gorm:"not null;default:0" json:"batch_count"`
	BatchTotal       int `gorm:"not null;default:0" json:"batch_total"`
	Fetched          int `gorm:"not null;default:0" json:"fetched"`
	Inserted         int `gorm:"not null;default:0" json:"inserted"`
	DuplicateSkipped int `gorm:"not null;default:0" json:"duplicate_skipped"`
	Conflicts        int `gorm:"not null;default:0" json:"conflicts"`
	Skipped          int `gorm:"not null;default:0" json:"skipped"`
	DistinctParties  int `gorm:"not null;default:0" json:"distinct_parties"`
	ErrorCount       int `gorm:"not null;default:0" json:"error_count"`

	FailureCode   string     `gorm:"size:64" json:"failure_code"`
	FailureReason string     `gorm:"type:text" json:"failure_reason"`
	Summary       string     `gorm:"type:text" json:"summary"`
	StartedAt     time.Time  `gorm:"not null;index:idx_sync_run_owner_started,priority:2,sort:desc" json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// VoucherSyncError is one recoverable failure recorded during a run.
type VoucherSyncError struct {
	ID            int            `gorm:"primary_key" json:"id"`
	RunId         string         `gorm:"size:36;not null;index" json:"run_id"`
	OwnerId       string         `gorm:"size:64;not null;index" json:"owner_id"`
	BatchNo       int            `gorm:"not null;default:0" json:"batch_no"`
	Code          string         `gorm:"size:64;not null" json:"code"`
	VoucherNumber string         `gorm:"size:128" json:"voucher_number"`
	Message       string         `gorm:"type:text" json:"message"`
	Payload       datatypes.JSON `json:"payload"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// RangeKey identifies a date range independently of how the dialect stores dates.
func RangeKey(from, to time.Time) string {
	return from.UTC().Format("20060102") + "-" + to.UTC().Format("20060102")
}

type SyncRunRepository struct {
	DB *gorm.DB
}

func NewSyncRunRepository(db *gorm.DB) *SyncRunRepository {
	return &SyncRunRepository{DB: db}
}

func (r *SyncRunRepository) Create(ctx context.Context, run *VoucherSyncRun) error {
	if run.RangeKey == "" {
		run.RangeKey = RangeKey(run.FromDate, run.ToDate)
	}
	return r.DB.WithContext(ctx).Create(run).Error
}

// Save writes the mutable columns of run.
func (r *SyncRunRepository) Save(ctx context.Context, run *VoucherSyncRun) error {
	return r.DB.WithContext(ctx).
		Model(&VoucherSyncRun{}).
		Where("id = ? AND owner_id = ?", run.ID, run.OwnerId).
		Select("state", "checkpoint", "batch_count", "batch_total", "fetched", "inserted",
			"duplicate_skipped", "conflicts", "skipped", "distinct_parties", "error_count",
			"failure_code", "failure_reason", "summary", "completed_at").
		Updates(run).Error
}

func (r *SyncRunRepository) Get(ctx context.Context, ownerId string, runId string) (*VoucherSyncRun, error) {
	var run VoucherSyncRun
	err := r.DB.WithContext(ctx).Where("owner_id = ? AND id = ?", ownerId, runId).Take(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Latest returns the most recently started run of ownerId, or nil when there is none.
func (r *SyncRunRepository) Latest(ctx context.Context, ownerId string) (*VoucherSyncRun, error) {
	var run VoucherSyncRun
	err := r.DB.WithContext(ctx).
		Where("owner_id = ?", ownerId).
		Order("started_at desc").
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ResumableRun returns the latest run over exactly [from, to] when it failed after committing
// at least one batch. A completed or newer successful run over the range resets resumption.
func (r *SyncRunRepository) ResumableRun(ctx context.Context, ownerId string, from, to time.Time) (*VoucherSyncRun, error) {
	var run VoucherSyncRun
	err := r.DB.WithContext(ctx).
		Where("owner_id = ? AND range_key = ?", ownerId, RangeKey(from, to)).
		Where("state <> ?", SyncStateRunning).
		Order("started_at desc").
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if run.State != SyncStateFailed || run.Checkpoint == nil {
		return nil, nil
	}
	return &run, nil
}

func (r *SyncRunRepository) List(ctx context.Context, ownerId string, limit int) ([]VoucherSyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []VoucherSyncRun
	err := r.DB.WithContext(ctx).
		Where("owner_id = ?", ownerId).
		Order("started_at desc").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (r *SyncRunRepository) CreateErrors(ctx context.Context, rows []VoucherSyncError) error {
	if len(rows) == 0 {
		return nil
	}
	return r.DB.WithContext(ctx).CreateInBatches(rows, 100).Error
}

// ListErrors returns a run's errors in the order they were raised. With limit > 0 only the
// newest limit errors are returned.
func (r *SyncRunRepository) ListErrors(ctx context.Context, ownerId string, runId string, limit int) ([]VoucherSyncError, error) {
	var rows []VoucherSyncError
	q := r.DB.WithContext(ctx).Where("owner_id = ? AND run_id = ?", ownerId, runId)
	if limit <= 0 {
		err := q.Order("id").Find(&rows).Error
		return rows, err
	}
	if err := q.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// ListRunning returns every run still marked running, across owners.
func (r *SyncRunRepository) ListRunning(ctx context.Context) ([]VoucherSyncRun, error) {
	ctx = appctx.Set(ctx, appctx.ContextKeySkipOwnerScope, true)
	var runs []VoucherSyncRun
	err := r.DB.WithContext(ctx).Where("state = ?", SyncStateRunning).Order("started_at").Find(&runs).Error
	return runs, err
}

// MarkInterrupted fails runs left in the running state by a previous process: the given
// runIds, or every running run when none are given. Checkpoints are kept so the next
// trigger over the same range resumes.
func (r *SyncRunRepository) MarkInterrupted(ctx context.Context, runIds ...string) (int64, error) {
	ctx = appctx.Set(ctx, appctx.ContextKeySkipOwnerScope, true)
	now := time.Now().UTC()
	q := r.DB.WithContext(ctx).
		Model(&VoucherSyncRun{}).
		Where("state = ?", SyncStateRunning)
	if len(runIds) > 0 {
		q = q.Where("id IN ?", runIds)
	}
	res := q.Updates(map[string]interface{}{
		"state":          SyncStateFailed,
		"failure_code":   FailureInterrupted,
		"failure_reason": "service stopped while the run was in progress",
		"summary":        "interrupted; re-trigger the same range to resume from the checkpoint",
		"completed_at":   now,
	})
	return res.RowsAffected, res.Error
}
