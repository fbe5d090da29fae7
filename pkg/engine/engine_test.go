package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/assistant"
	"clinic-tasks/pkg/authority"
	"clinic-tasks/pkg/board"
	"clinic-tasks/pkg/lifecycle"
	"clinic-tasks/pkg/task"
)

var now = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func staff() *assistant.MemStore {
	s := assistant.NewMemStore()
	for _, a := range []assistant.Assistant{
		{ID: "A", ClinicID: "c1", Name: "Ana", Email: "a@c1", Role: authority.Assistant, IsActive: true},
		{ID: "B", ClinicID: "c1", Name: "Ben", Email: "b@c1", Role: authority.Assistant, IsActive: true},
		{ID: "O", ClinicID: "c1", Name: "Olu", Email: "o@c1", Role: authority.Owner, IsActive: true},
		{ID: "I", ClinicID: "c1", Name: "Ida", Email: "i@c1", Role: authority.Assistant},
		{ID: "X", ClinicID: "c2", Name: "Xia", Email: "x@c2", Role: authority.Admin, IsActive: true},
	} {
		s.Put(a)
	}
	return s
}

func setup(t *testing.T, rows ...task.Task) (*Service, *task.MemStore) {
	t.Helper()
	mem := task.NewMemStore()
	mem.Now = func() time.Time { return now }
	seedRows(t, mem, rows...)
	return New(mem, staff(), quietLogger(), Options{Now: func() time.Time { return now }}), mem
}

func seedRows(t *testing.T, mem *task.MemStore, rows ...task.Task) {
	t.Helper()
	for i := range rows {
		if _, err := mem.Create(context.Background(), &rows[i]); err != nil {
			t.Fatalf("seed %s: %v", rows[i].ID, err)
		}
	}
}

func open(id string) task.Task {
	return task.Task{ID: id, ClinicID: "c1", Title: id, CreatedAt: now}
}

func mustGet(t *testing.T, s task.Store, id string) *task.Task {
	t.Helper()
	row, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return row
}

func TestCommandWalkthrough(t *testing.T) {
	ctx := context.Background()
	svc, mem := setup(t, open("t1"))

	row, err := svc.ClaimTask(ctx, "A", "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.Deref(row.AssignedTo) != "A" || task.Deref(row.ClaimedBy) != "A" || row.Status != task.StatusPending {
		t.Fatalf("after claim: %+v", row)
	}
	if _, err := svc.StartTask(ctx, "A", "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := mustGet(t, mem, "t1"); got.Status != task.StatusInProgress {
		t.Fatalf("stored status %s", got.Status)
	}
	row, err = svc.CompleteTask(ctx, "A", "t1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if row.Status != task.StatusCompleted || task.Deref(row.CompletedBy) != "A" || !row.CompletedAt.Equal(now) {
		t.Fatalf("after complete: %+v", row)
	}
	row, err = svc.UndoTask(ctx, "A", "t1")
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if row.Status != task.StatusPending || row.CompletedBy != nil || row.CompletedAt != nil || task.Deref(row.AssignedTo) != "A" {
		t.Fatalf("after undo: %+v", row)
	}
	row, err = svc.PutBackTask(ctx, "A", "t1")
	if err != nil {
		t.Fatalf("put back: %v", err)
	}
	if row.AssignedTo != nil || row.ClaimedBy != nil {
		t.Fatalf("after put back: %+v", row)
	}
}

func TestOccurrenceKeyWritesTemplate(t *testing.T) {
	ctx := context.Background()
	tmpl := open("r_1")
	tmpl.Recurrence = task.RecurDaily
	svc, mem := setup(t, tmpl)

	if _, err := svc.ClaimTask(ctx, "A", "r_1_2025-01-16"); err != nil {
		t.Fatalf("claim occurrence: %v", err)
	}
	if got := mustGet(t, mem, "r_1"); task.Deref(got.AssignedTo) != "A" {
		t.Errorf("template not claimed: %+v", got)
	}
}

func TestRepeatedCommandDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	svc, mem := setup(t, open("t1"))

	first, err := svc.ClaimTask(ctx, "A", "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	again, err := svc.ClaimTask(ctx, "A", "t1")
	if err != nil {
		t.Fatalf("repeat claim should succeed: %v", err)
	}
	if again.Version != first.Version || mustGet(t, mem, "t1").Version != first.Version {
		t.Errorf("repeat claim wrote: version %d -> %d", first.Version, again.Version)
	}

	if _, err := svc.CompleteTask(ctx, "A", "t1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stamped := mustGet(t, mem, "t1").CompletedAt
	if _, err := svc.CompleteTask(ctx, "A", "t1"); err != nil {
		t.Fatalf("repeat complete should succeed: %v", err)
	}
	if got := mustGet(t, mem, "t1").CompletedAt; !got.Equal(*stamped) {
		t.Error("repeat complete restamped completed_at")
	}
}

func TestRejectedCommandsLeaveRowUnchanged(t *testing.T) {
	ctx := context.Background()
	claimed := open("t1")
	claimed.AssignedTo, claimed.ClaimedBy = task.Ref("A"), task.Ref("A")
	svc, mem := setup(t, claimed)
	before := mustGet(t, mem, "t1")

	cases := []struct {
		name string
		run  func() (*task.Task, error)
	}{
		{"complete by non-holder", func() (*task.Task, error) { return svc.CompleteTask(ctx, "B", "t1") }},
		{"claim held task", func() (*task.Task, error) { return svc.ClaimTask(ctx, "B", "t1") }},
		{"inactive assistant", func() (*task.Task, error) { return svc.PutBackTask(ctx, "I", "t1") }},
		{"other clinic admin", func() (*task.Task, error) { return svc.PutBackTask(ctx, "X", "t1") }},
		{"unknown assistant", func() (*task.Task, error) { return svc.StartTask(ctx, "nobody", "t1") }},
		{"reassign by assistant", func() (*task.Task, error) { return svc.ReassignTask(ctx, "B", "t1", "B") }},
		{"reassign across clinics", func() (*task.Task, error) { return svc.ReassignTask(ctx, "O", "t1", "X") }},
		{"reassign to inactive", func() (*task.Task, error) { return svc.ReassignTask(ctx, "O", "t1", "I") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.run(); !errors.Is(err, lifecycle.ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if got := mustGet(t, mem, "t1"); got.Version != before.Version {
				t.Errorf("rejected command wrote version %d", got.Version)
			}
		})
	}
}

func TestReassignByOwner(t *testing.T) {
	ctx := context.Background()
	claimed := open("t1")
	claimed.AssignedTo, claimed.ClaimedBy = task.Ref("A"), task.Ref("A")
	svc, _ := setup(t, claimed)

	row, err := svc.ReassignTask(ctx, "O", "t1", "B")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if task.Deref(row.AssignedTo) != "B" || row.ClaimedBy != nil || !row.AssignedAt.Equal(now) {
		t.Errorf("after reassign: %+v", row)
	}
	if _, err := svc.CompleteTask(ctx, "A", "t1"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("previous holder should be locked out, got %v", err)
	}
}

func TestMissingTask(t *testing.T) {
	svc, _ := setup(t)
	if _, err := svc.ClaimTask(context.Background(), "A", "gone"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// failingStore fails every Apply and counts the attempts.
type failingStore struct {
	task.Store
	mu      sync.Mutex
	applies int
	err     error
}

func (f *failingStore) Apply(context.Context, string, task.Patch) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	return nil, f.err
}

func TestTransportErrorSurfacesWithoutRetry(t *testing.T) {
	mem := task.NewMemStore()
	seedRows(t, mem, open("t1"))
	cause := errors.New("connection refused")
	fs := &failingStore{Store: mem, err: &task.TransportError{Op: "apply task t1", Err: cause}}
	svc := New(fs, staff(), quietLogger(), Options{})

	_, err := svc.ClaimTask(context.Background(), "A", "t1")
	if !errors.Is(err, task.ErrTransport) || !errors.Is(err, cause) {
		t.Fatalf("expected the transport error, got %v", err)
	}
	if fs.applies != 1 {
		t.Errorf("Apply attempted %d times, want exactly 1", fs.applies)
	}
}

// device builds a service with its own board cache, as one staff device.
func device(t *testing.T, mem *task.MemStore, actor string, conditional bool) *Service {
	t.Helper()
	cache := board.NewCache(mem, "c1", actor, 1, quietLogger())
	cache.Now = func() time.Time { return now }
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh %s: %v", actor, err)
	}
	return New(mem, staff(), quietLogger(), Options{Cache: cache, ConditionalWrites: conditional})
}

func TestConcurrentClaimLastWriteWins(t *testing.T) {
	mem := task.NewMemStore()
	seedRows(t, mem, open("t1"))
	devA := device(t, mem, "A", false)
	devB := device(t, mem, "B", false)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, d := range []struct {
		svc   *Service
		actor string
	}{{devA, "A"}, {devB, "B"}} {
		wg.Add(1)
		go func(i int, svc *Service, actor string) {
			defer wg.Done()
			_, errs[i] = svc.ClaimTask(context.Background(), actor, "t1")
		}(i, d.svc, d.actor)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("claim %d failed: %v", i, err)
		}
	}
	row := mustGet(t, mem, "t1")
	holder := task.Deref(row.AssignedTo)
	if holder != "A" && holder != "B" {
		t.Fatalf("persisted assignee %q", holder)
	}
	if task.Deref(row.ClaimedBy) != holder {
		t.Errorf("claimed_by %q disagrees with assigned_to %q", task.Deref(row.ClaimedBy), holder)
	}
}

func TestStaleDeviceClaimOverCompletedTask(t *testing.T) {
	ctx := context.Background()
	mem := task.NewMemStore()
	seedRows(t, mem, open("t1"))
	devA := device(t, mem, "A", false)
	devB := device(t, mem, "B", false)

	if _, err := devA.ClaimTask(ctx, "A", "t1"); err != nil {
		t.Fatalf("claim A: %v", err)
	}
	if _, err := devA.CompleteTask(ctx, "A", "t1"); err != nil {
		t.Fatalf("complete A: %v", err)
	}

	// B still sees t1 as unclaimed; the last write wins.
	row, err := devB.ClaimTask(ctx, "B", "t1")
	if err != nil {
		t.Fatalf("stale claim B: %v", err)
	}
	if err := row.Validate(); err != nil {
		t.Fatalf("stored row is invalid: %v", err)
	}
	got := mustGet(t, mem, "t1")
	if got.Status != task.StatusPending || task.Deref(got.ClaimedBy) != "B" || got.CompletedBy != nil || got.CompletedAt != nil {
		t.Errorf("row after stale claim = status %s claimed_by %v completed_by %v", got.Status, got.ClaimedBy, got.CompletedBy)
	}
}

func TestConcurrentClaimWithConditionalWrites(t *testing.T) {
	ctx := context.Background()
	mem := task.NewMemStore()
	seedRows(t, mem, open("t1"))
	devA := device(t, mem, "A", true)
	devB := device(t, mem, "B", true)

	if _, err := devA.ClaimTask(ctx, "A", "t1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := devB.ClaimTask(ctx, "B", "t1"); !errors.Is(err, task.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite for the losing claim, got %v", err)
	}
	if got := task.Deref(mustGet(t, mem, "t1").AssignedTo); got != "A" {
		t.Errorf("persisted assignee %q, want A", got)
	}
}

func TestCommandRefreshesDeviceBoard(t *testing.T) {
	mem := task.NewMemStore()
	seedRows(t, mem, open("t1"))
	dev := device(t, mem, "A", false)

	if _, err := dev.ClaimTask(context.Background(), "A", "t1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	snap := dev.opts.Cache.Snapshot()
	if _, ok := snap.Board.Mine["t1"]; !ok {
		t.Errorf("claimed task not on the device board: %+v", snap.Board)
	}
}

func TestCreateTask(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)

	if _, err := svc.CreateTask(ctx, "A", &task.Task{ClinicID: "c1", Title: "x"}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("assistant create: expected rejection, got %v", err)
	}
	if _, err := svc.CreateTask(ctx, "X", &task.Task{ClinicID: "c1", Title: "x"}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("admin of another clinic: expected rejection, got %v", err)
	}
	if _, err := svc.CreateTask(ctx, "O", &task.Task{ClinicID: "c1", Title: "x", AssignedTo: task.Ref("X")}); !errors.Is(err, task.ErrInvalid) {
		t.Fatalf("cross-clinic assignee: expected ErrInvalid, got %v", err)
	}

	row, err := svc.CreateTask(ctx, "O", &task.Task{
		ClinicID:   "c1",
		Title:      "Order gauze",
		AssignedTo: task.Ref("A"),
		ClaimedBy:  task.Ref("B"),
		Checklist:  task.Checklist{{Text: "check stock"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if lifecycle.Initial(row) != (lifecycle.State{Phase: lifecycle.Claimed, By: "A"}) {
		t.Errorf("initial state %s", lifecycle.Initial(row))
	}
	if row.ClaimedBy != nil || row.AssignedAt == nil || row.Checklist[0].ID == "" {
		t.Errorf("created row: %+v", row)
	}
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()
	svc, mem := setup(t, open("t1"))

	if err := svc.DeleteTask(ctx, "A", "t1"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("assistant delete: expected rejection, got %v", err)
	}
	if err := svc.DeleteTask(ctx, "O", "t1"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := mem.Get(ctx, "t1"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("row still present: %v", err)
	}
}

func TestRemoveAssistantReleasesOpenTasks(t *testing.T) {
	ctx := context.Background()
	claimed := open("claimed")
	claimed.AssignedTo, claimed.ClaimedBy = task.Ref("A"), task.Ref("A")
	started := open("started")
	started.AssignedTo, started.Status = task.Ref("A"), task.StatusInProgress
	done := open("done")
	done.AssignedTo, done.Status = task.Ref("A"), task.StatusCompleted
	done.CompletedBy, done.CompletedAt = task.Ref("A"), &now
	other := open("other")
	other.AssignedTo = task.Ref("B")
	svc, mem := setup(t, claimed, started, done, other)

	if _, err := svc.RemoveAssistant(ctx, "B", "A"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("assistant removing staff: expected rejection, got %v", err)
	}

	released, err := svc.RemoveAssistant(ctx, "O", "A")
	if err != nil {
		t.Fatalf("RemoveAssistant: %v", err)
	}
	if len(released) != 2 {
		t.Errorf("released %d tasks, want 2", len(released))
	}
	for _, id := range []string{"claimed", "started"} {
		if got := mustGet(t, mem, id); got.AssignedTo != nil || got.Status != task.StatusPending {
			t.Errorf("%s not returned to the pool: %+v", id, got)
		}
	}
	if got := mustGet(t, mem, "done"); got.Status != task.StatusCompleted {
		t.Error("completed task was reopened")
	}
	if got := mustGet(t, mem, "other"); task.Deref(got.AssignedTo) != "B" {
		t.Error("another assistant's task was released")
	}
	if _, err := svc.ClaimTask(ctx, "A", "claimed"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("removed assistant still able to claim: %v", err)
	}
}
