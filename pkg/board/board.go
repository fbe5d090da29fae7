// Package board keeps one assistant's reconciled view of a clinic's tasks and
// resynchronizes it whenever the change feed fires.
package board

import (
	"context"
	"fmt"
	"time"

	"clinic-tasks/pkg/recurrence"
	"clinic-tasks/pkg/reconcile"
	"clinic-tasks/pkg/task"
)

// Window is an inclusive range of calendar days.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Days returns the window of n days starting on now's calendar day. n below
// one is treated as one.
func Days(now time.Time, n int) Window {
	if n < 1 {
		n = 1
	}
	from := task.Day(now)
	return Window{From: from, To: from.AddDate(0, 0, n-1)}
}

// Snapshot is a fully derived view: the fetched rows, their occurrences in the
// window and the reconciled buckets.
type Snapshot struct {
	Seq         uint64                  `json:"seq"`
	Window      Window                  `json:"window"`
	Rows        []task.Task             `json:"-"`
	Occurrences []recurrence.Occurrence `json:"-"`
	Board       reconcile.Board         `json:"board"`
}

// Derive expands rows over w and reconciles them for actorID.
func Derive(rows []task.Task, w Window, actorID string) Snapshot {
	occ := recurrence.ExpandAll(rows, w.From, w.To)
	return Snapshot{
		Window:      w,
		Rows:        rows,
		Occurrences: occ,
		Board:       reconcile.Reconcile(occ, actorID),
	}
}

// Build fetches a clinic's rows for w and derives the snapshot.
func Build(ctx context.Context, store task.Store, clinicID, actorID string, w Window) (Snapshot, error) {
	rows, err := store.Fetch(ctx, clinicID, task.Filter{From: w.From, To: w.To})
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch board %s: %w", clinicID, err)
	}
	return Derive(rows, w, actorID), nil
}

// Row returns the stored row behind id, which may be a row id or an
// occurrence key.
func (s Snapshot) Row(id string) (task.Task, bool) {
	base := reconcile.BaseID(id)
	for _, r := range s.Rows {
		if r.ID == id || r.ID == base {
			return r.Clone(), true
		}
	}
	return task.Task{}, false
}
