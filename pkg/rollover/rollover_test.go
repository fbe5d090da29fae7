package rollover

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"clinic-tasks/pkg/task"
)

var (
	monday    = time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	wednesday = time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func completed(id string, r task.Recurrence, at time.Time) task.Task {
	return task.Task{
		ID:          id,
		ClinicID:    "c1",
		Title:       id,
		Recurrence:  r,
		Status:      task.StatusCompleted,
		AssignedTo:  task.Ref("A"),
		ClaimedBy:   task.Ref("A"),
		AssignedAt:  &at,
		CompletedBy: task.Ref("A"),
		CompletedAt: &at,
		Checklist:   task.Checklist{{ID: "i1", Text: "wipe", Completed: true}},
		CreatedAt:   monday.AddDate(0, 0, -14),
	}
}

func newRollover(t *testing.T, store task.Store, rows ...task.Task) *Rollover {
	t.Helper()
	for i := range rows {
		if _, err := store.Create(context.Background(), &rows[i]); err != nil {
			t.Fatalf("seed %s: %v", rows[i].ID, err)
		}
	}
	r := New(store, time.UTC, quietLogger())
	r.Now = func() time.Time { return wednesday }
	return r
}

func TestResetReopensPreviousPeriod(t *testing.T) {
	ctx := context.Background()
	yesterday := wednesday.AddDate(0, 0, -1)

	ownerAssigned := completed("owner-assigned", task.RecurDaily, yesterday)
	ownerAssigned.ClaimedBy = nil

	mem := task.NewMemStore()
	r := newRollover(t, mem,
		completed("daily-yesterday", task.RecurDaily, yesterday),
		completed("daily-today", task.RecurDaily, wednesday),
		ownerAssigned,
		completed("weekly-this-week", task.RecurWeekly, monday.Add(9*time.Hour)),
		completed("weekly-last-week", task.RecurWeekly, monday.AddDate(0, 0, -3)),
		completed("one-off", task.RecurNone, yesterday),
	)

	n, err := r.Reset(ctx, "c1")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n != 3 {
		t.Errorf("reset %d templates, want 3", n)
	}

	cases := []struct {
		id       string
		reopened bool
		holder   string
	}{
		{"daily-yesterday", true, ""},
		{"daily-today", false, "A"},
		{"owner-assigned", true, "A"},
		{"weekly-this-week", false, "A"},
		{"weekly-last-week", true, ""},
		{"one-off", false, "A"},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			got, err := mem.Get(ctx, tc.id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if reopened := got.Status == task.StatusPending; reopened != tc.reopened {
				t.Fatalf("status %s, reopened want %v", got.Status, tc.reopened)
			}
			if task.Deref(got.AssignedTo) != tc.holder {
				t.Errorf("assigned_to %q, want %q", task.Deref(got.AssignedTo), tc.holder)
			}
			if tc.reopened {
				if got.CompletedBy != nil || got.CompletedAt != nil {
					t.Error("completion not cleared")
				}
				if got.Checklist[0].Completed {
					t.Error("checklist not unchecked")
				}
			}
		})
	}
}

func TestResetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRollover(t, task.NewMemStore(), completed("d", task.RecurDaily, wednesday.AddDate(0, 0, -2)))
	if n, _ := r.Reset(ctx, "c1"); n != 1 {
		t.Fatalf("first reset = %d", n)
	}
	if n, _ := r.Reset(ctx, "c1"); n != 0 {
		t.Errorf("second reset = %d, want 0", n)
	}
}

// staleStore serves rows one version behind the store, as if someone wrote
// between the fetch and the reset.
type staleStore struct {
	*task.MemStore
}

func (s staleStore) Fetch(ctx context.Context, clinicID string, f task.Filter) ([]task.Task, error) {
	rows, err := s.MemStore.Fetch(ctx, clinicID, f)
	for i := range rows {
		rows[i].Version--
	}
	return rows, err
}

func TestResetSkipsConcurrentlyChangedRows(t *testing.T) {
	ctx := context.Background()
	mem := task.NewMemStore()
	r := newRollover(t, mem)
	row := completed("d", task.RecurDaily, wednesday.AddDate(0, 0, -2))
	if _, err := mem.Create(ctx, &row); err != nil {
		t.Fatal(err)
	}
	notes := "left a note"
	if _, err := mem.Apply(ctx, "d", task.Patch{OwnerNotes: &notes}); err != nil {
		t.Fatal(err)
	}
	r.tasks = staleStore{mem}

	n, err := r.Reset(ctx, "c1")
	if err != nil || n != 0 {
		t.Fatalf("Reset = %d, %v; want 0, nil", n, err)
	}
	if got, _ := mem.Get(ctx, "d"); got.Status != task.StatusCompleted {
		t.Error("stale row was overwritten")
	}
}

func TestBuildDailySpec(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"00:05", "0 5 0 * * *", false},
		{"23:59", "0 59 23 * * *", false},
		{"24:00", "", true},
		{"7", "", true},
		{"07:60", "", true},
	}
	for _, tc := range cases {
		got, err := buildDailySpec(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("buildDailySpec(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestSchedulerAcceptsTimesAndCronSpecs(t *testing.T) {
	s := NewScheduler(time.UTC)
	for _, spec := range []string{"00:05", "0 */15 * * * *", "@hourly"} {
		if _, err := s.Schedule(spec, func() {}); err != nil {
			t.Errorf("Schedule(%q): %v", spec, err)
		}
	}
	if _, err := s.Schedule("25:00", func() {}); err == nil {
		t.Error("invalid time accepted")
	}
}

func TestRolloverWithoutClinicsWarns(t *testing.T) {
	log, hook := test.NewNullLogger()
	r := New(task.NewMemStore(), time.UTC, log)
	sched := NewScheduler(time.UTC)

	if _, err := r.Daily(context.Background(), sched, "00:05", nil); err != nil {
		t.Fatalf("Daily: %v", err)
	}
	if err := r.ResetAll(context.Background(), nil); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	if warnings != 2 {
		t.Errorf("got %d warnings, want one at scheduling and one per run", warnings)
	}
}

func TestRolloverWithClinicsDoesNotWarn(t *testing.T) {
	log, hook := test.NewNullLogger()
	r := New(task.NewMemStore(), time.UTC, log)

	if _, err := r.Daily(context.Background(), NewScheduler(time.UTC), "00:05", []string{"c1"}); err != nil {
		t.Fatalf("Daily: %v", err)
	}
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			t.Errorf("unexpected warning: %s", e.Message)
		}
	}
}
