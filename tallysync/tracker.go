package tallysync

import (
	"sync"
	"time"

	"github.com/mmdatafocus/tally_sync/config"
	"github.com/mmdatafocus/tally_sync/models"
	"github.com/sirupsen/logrus"
)

// StatusMirror publishes snapshots where other instances can read them.
type StatusMirror interface {
	Publish(ownerId string, s SyncStatus) error
	Load(ownerId string) (SyncStatus, bool, error)
	Clear(ownerId string) error
}

// Tracker holds the live status of every owner's run. The run's worker is the only writer
// for its owner (Begin, Apply, Finish); readers get deep copies.
type Tracker struct {
	mu        sync.RWMutex
	runs      map[string]*SyncStatus
	maxErrors int
	mirror    StatusMirror
	now       func() time.Time
}

func NewTracker(maxErrors int, mirror StatusMirror) *Tracker {
	if maxErrors <= 0 {
		maxErrors = 50
	}
	return &Tracker{
		runs:      map[string]*SyncStatus{},
		maxErrors: maxErrors,
		mirror:    mirror,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Begin moves ownerId to Running. It fails with ErrAlreadyRunning while a run is live,
// and otherwise replaces the previous terminal status.
func (t *Tracker) Begin(ownerId string, runId string, r DateRange, checkpoint *time.Time) error {
	t.mu.Lock()
	if cur, ok := t.runs[ownerId]; ok && cur.State == models.SyncStateRunning {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	started := t.now()
	rng := r
	st := &SyncStatus{
		OwnerId:    ownerId,
		IsRunning:  true,
		State:      models.SyncStateRunning,
		RunId:      runId,
		DateRange:  &rng,
		Checkpoint: copyTime(checkpoint),
		StartedAt:  &started,
		Errors:     []SyncError{},
	}
	if checkpoint != nil {
		st.ResumedFrom = copyTime(checkpoint)
	}
	t.runs[ownerId] = st
	snap := st.clone()
	t.mu.Unlock()

	t.publish(snap)
	return nil
}

// Apply folds one progress event into the owner's running status.
func (t *Tracker) Apply(ownerId string, ev ProgressEvent) {
	t.mu.Lock()
	st, ok := t.runs[ownerId]
	if !ok || st.State != models.SyncStateRunning {
		t.mu.Unlock()
		return
	}
	st.Percent = ev.Percent
	st.BatchCount = ev.BatchCount
	st.BatchTotal = ev.BatchTotal
	st.Totals = ev.Totals
	lb := ev.LastBatch
	st.LastBatch = &lb
	if !ev.Checkpoint.IsZero() {
		cp := ev.Checkpoint
		st.Checkpoint = &cp
	}
	t.appendErrors(st, ev.Errors)
	snap := st.clone()
	t.mu.Unlock()

	t.publish(snap)
}

// Finish records the terminal state. failure is nil for a completed run.
func (t *Tracker) Finish(ownerId string, state models.SyncState, failure error, summary string) {
	if !state.Terminal() {
		return
	}
	t.mu.Lock()
	st, ok := t.runs[ownerId]
	if !ok {
		t.mu.Unlock()
		return
	}
	done := t.now()
	st.State = state
	st.IsRunning = false
	st.CompletedAt = &done
	st.Summary = summary
	if failure != nil {
		st.FailureCode = errorCode(failure)
		t.appendErrors(st, []SyncError{{Code: st.FailureCode, Message: failure.Error(), At: done}})
	} else if state == models.SyncStateCompleted {
		st.Percent = 100
	}
	snap := st.clone()
	t.mu.Unlock()

	t.publish(snap)
}

// Status returns a point-in-time copy of ownerId's status. ok is false when this process
// has not tracked a run for the owner.
func (t *Tracker) Status(ownerId string) (SyncStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.runs[ownerId]
	if !ok {
		return SyncStatus{OwnerId: ownerId, State: models.SyncStateIdle, Errors: []SyncError{}}, false
	}
	return st.clone(), true
}

func (t *Tracker) IsRunning(ownerId string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.runs[ownerId]
	return ok && st.State == models.SyncStateRunning
}

// RunningOwners lists owners with a live run.
func (t *Tracker) RunningOwners() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for owner, st := range t.runs {
		if st.State == models.SyncStateRunning {
			out = append(out, owner)
		}
	}
	return out
}

// appendErrors keeps the newest maxErrors entries and counts what falls off.
func (t *Tracker) appendErrors(st *SyncStatus, errs []SyncError) {
	if len(errs) == 0 {
		return
	}
	st.Errors = append(st.Errors, errs...)
	if over := len(st.Errors) - t.maxErrors; over > 0 {
		st.ErrorsDropped += over
		kept := make([]SyncError, t.maxErrors)
		copy(kept, st.Errors[over:])
		st.Errors = kept
	}
}

func (t *Tracker) publish(snap SyncStatus) {
	if t.mirror == nil {
		return
	}
	if err := t.mirror.Publish(snap.OwnerId, snap); err != nil {
		config.GetLogger().WithFields(logrus.Fields{
			"module": "tallysync",
			"owner":  snap.OwnerId,
			"run_id": snap.RunId,
		}).WithError(err).Warn("status mirror publish failed")
	}
}

func (s *SyncStatus) clone() SyncStatus {
	c := *s
	c.Errors = make([]SyncError, len(s.Errors))
	copy(c.Errors, s.Errors)
	if s.LastBatch != nil {
		lb := *s.LastBatch
		c.LastBatch = &lb
	}
	if s.DateRange != nil {
		dr := *s.DateRange
		c.DateRange = &dr
	}
	c.Checkpoint = copyTime(s.Checkpoint)
	c.StartedAt = copyTime(s.StartedAt)
	c.CompletedAt = copyTime(s.CompletedAt)
	c.ResumedFrom = copyTime(s.ResumedFrom)
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

const statusKeyPrefix = "TallySync:status:"

// statusTTL keeps a terminal snapshot readable long after the run; the next run replaces it.
const statusTTL = 30 * 24 * time.Hour

// RedisStatusMirror stores snapshots in Redis through the config helpers. With Redis
// unconfigured every call is a no-op.
type RedisStatusMirror struct{}

func (RedisStatusMirror) Publish(ownerId string, s SyncStatus) error {
	return config.SetRedisObject(statusKeyPrefix+ownerId, s, statusTTL)
}

func (RedisStatusMirror) Load(ownerId string) (SyncStatus, bool, error) {
	var s SyncStatus
	ok, err := config.GetRedisObject(statusKeyPrefix+ownerId, &s)
	return s, ok, err
}

func (RedisStatusMirror) Clear(ownerId string) error {
	return config.RemoveRedisKey(statusKeyPrefix + ownerId)
}
