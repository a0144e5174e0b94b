package tallysync

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/tally_sync/models"
)

type memMirror struct {
	mu   sync.Mutex
	data map[string]SyncStatus
}

func newMemMirror() *memMirror { return &memMirror{data: map[string]SyncStatus{}} }

func (m *memMirror) Publish(ownerId string, s SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ownerId] = s
	return nil
}

func (m *memMirror) Load(ownerId string) (SyncStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[ownerId]
	return s, ok, nil
}

func (m *memMirror) Clear(ownerId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ownerId)
	return nil
}

var janRange = DateRange{From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)}

func TestTracker_ConcurrentBeginAdmitsOne(t *testing.T) {
	tr := NewTracker(10, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := tr.Begin("owner-x", fmt.Sprintf("run-%d", i), janRange, nil)
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				admitted++
			case ErrAlreadyRunning:
				rejected++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	if admitted != 1 || rejected != 49 {
		t.Fatalf("admitted=%d rejected=%d", admitted, rejected)
	}
	st, ok := tr.Status("owner-x")
	if !ok || !st.IsRunning || st.State != models.SyncStateRunning {
		t.Fatalf("status = %+v", st)
	}

	// Another owner is independent.
	if err := tr.Begin("owner-y", "run-y", janRange, nil); err != nil {
		t.Fatalf("owner-y: %v", err)
	}
}

func TestTracker_LifecycleAndRestart(t *testing.T) {
	mirror := newMemMirror()
	tr := NewTracker(10, mirror)

	if st, ok := tr.Status("owner-x"); ok || st.State != models.SyncStateIdle {
		t.Fatalf("initial status = %+v ok=%v", st, ok)
	}
	if err := tr.Begin("owner-x", "run-1", janRange, nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	tr.Apply("owner-x", ProgressEvent{Percent: 50, BatchCount: 1, BatchTotal: 2, Totals: Totals{Inserted: 3}, Checkpoint: janRange.From.AddDate(0, 0, 14)})
	tr.Finish("owner-x", models.SyncStateCompleted, nil, "done")

	st, _ := tr.Status("owner-x")
	if st.IsRunning || st.State != models.SyncStateCompleted || st.Percent != 100 || st.CompletedAt == nil || st.Summary != "done" {
		t.Fatalf("terminal status = %+v", st)
	}
	if st.Totals.Inserted != 3 || st.Checkpoint == nil {
		t.Fatalf("progress lost: %+v", st)
	}
	mirrored, ok, _ := mirror.Load("owner-x")
	if !ok || mirrored.State != models.SyncStateCompleted {
		t.Fatalf("mirror = %+v", mirrored)
	}

	// Terminal status stays readable until the next run replaces it.
	if again, _ := tr.Status("owner-x"); again.RunId != "run-1" {
		t.Fatalf("terminal status not retained: %+v", again)
	}
	if err := tr.Begin("owner-x", "run-2", janRange, nil); err != nil {
		t.Fatalf("begin after completion: %v", err)
	}
	if st, _ := tr.Status("owner-x"); st.RunId != "run-2" || st.Totals.Inserted != 0 {
		t.Fatalf("new run status = %+v", st)
	}
}

func TestTracker_FailureIsReportedWithCode(t *testing.T) {
	tr := NewTracker(10, nil)
	_ = tr.Begin("o", "r", janRange, nil)
	tr.Finish("o", models.SyncStateFailed, fmt.Errorf("%w: run exceeded 6h", ErrTimeout), "failed")
	st, _ := tr.Status("o")
	if st.State != models.SyncStateFailed || st.FailureCode != CodeTimeout {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Errors) != 1 || st.Errors[0].Code != CodeTimeout {
		t.Fatalf("errors = %+v", st.Errors)
	}
}

func TestTracker_ErrorsAreBoundedAndCounted(t *testing.T) {
	tr := NewTracker(5, nil)
	_ = tr.Begin("o", "r", janRange, nil)
	for batch := 1; batch <= 4; batch++ {
		var errs []SyncError
		for i := 0; i < 3; i++ {
			errs = append(errs, SyncError{Code: CodeMalformedDate, BatchNo: batch, VoucherNumber: fmt.Sprintf("%d-%d", batch, i)})
		}
		tr.Apply("o", ProgressEvent{BatchCount: batch, BatchTotal: 4, Errors: errs})
	}
	st, _ := tr.Status("o")
	if len(st.Errors) != 5 || st.ErrorsDropped != 7 {
		t.Fatalf("errors=%d dropped=%d", len(st.Errors), st.ErrorsDropped)
	}
	if st.Errors[len(st.Errors)-1].VoucherNumber != "4-2" || st.Errors[0].VoucherNumber != "3-1" {
		t.Fatalf("kept the wrong errors: %+v", st.Errors)
	}
}

func TestTracker_SnapshotsAreIsolated(t *testing.T) {
	tr := NewTracker(10, nil)
	_ = tr.Begin("o", "r", janRange, nil)
	tr.Apply("o", ProgressEvent{BatchCount: 1, BatchTotal: 2, Errors: []SyncError{{Code: CodeConflict, VoucherNumber: "A"}}})

	snap, _ := tr.Status("o")
	snap.Errors[0].VoucherNumber = "mutated"
	snap.DateRange.From = time.Time{}
	snap.LastBatch.Count = 999

	fresh, _ := tr.Status("o")
	if fresh.Errors[0].VoucherNumber != "A" || fresh.DateRange.From.IsZero() || fresh.LastBatch.Count == 999 {
		t.Fatalf("snapshot shares memory with tracker: %+v", fresh)
	}
}

func TestTracker_ReadersNeverSeeTornEvents(t *testing.T) {
	tr := NewTracker(10, nil)
	_ = tr.Begin("o", "r", janRange, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				st, _ := tr.Status("o")
				// Every event sets Inserted == BatchCount*10.
				if st.Totals.Inserted != st.BatchCount*10 {
					t.Errorf("torn snapshot: batch=%d inserted=%d", st.BatchCount, st.Totals.Inserted)
					return
				}
			}
		}()
	}
	for b := 1; b <= 500; b++ {
		tr.Apply("o", ProgressEvent{BatchCount: b, BatchTotal: 500, Totals: Totals{Inserted: b * 10}})
	}
	close(stop)
	wg.Wait()
}

func TestTracker_RunningOwnersAndNonTerminalFinish(t *testing.T) {
	tr := NewTracker(10, nil)
	if err := tr.Begin("owner-a", "run-a", janRange, nil); err != nil {
		t.Fatalf("begin a: %v", err)
	}
	if err := tr.Begin("owner-b", "run-b", janRange, nil); err != nil {
		t.Fatalf("begin b: %v", err)
	}
	tr.Finish("owner-b", models.SyncStateCompleted, nil, "done")

	// only terminal states end a run
	tr.Finish("owner-a", models.SyncStateRunning, nil, "")
	if !tr.IsRunning("owner-a") {
		t.Fatalf("non-terminal finish ended the run")
	}

	owners := tr.RunningOwners()
	if len(owners) != 1 || owners[0] != "owner-a" {
		t.Fatalf("running owners = %v", owners)
	}
}
