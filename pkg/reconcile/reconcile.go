// Package reconcile collapses overlapping task rows into one canonical view
// per logical task, bucketed for a single assistant.
package reconcile

import (
	"sort"
	"time"

	"clinic-tasks/pkg/recurrence"
	"clinic-tasks/pkg/task"
)

// Bucket names one of the three disjoint views of a board.
type Bucket string

const (
	Unassigned    Bucket = "unassigned"
	Mine          Bucket = "mine"
	CompletedByMe Bucket = "completed_by_me"
)

// Board is the reconciled view for one assistant. Each map is keyed by base
// task id and holds exactly one canonical occurrence.
type Board struct {
	Unassigned    map[string]recurrence.Occurrence `json:"unassigned"`
	Mine          map[string]recurrence.Occurrence `json:"mine"`
	CompletedByMe map[string]recurrence.Occurrence `json:"completed_by_me"`
}

// NewBoard returns a board with empty buckets.
func NewBoard() Board {
	return Board{
		Unassigned:    make(map[string]recurrence.Occurrence),
		Mine:          make(map[string]recurrence.Occurrence),
		CompletedByMe: make(map[string]recurrence.Occurrence),
	}
}

// Bucket returns the named bucket, or nil.
func (b Board) Bucket(name Bucket) map[string]recurrence.Occurrence {
	switch name {
	case Unassigned:
		return b.Unassigned
	case Mine:
		return b.Mine
	case CompletedByMe:
		return b.CompletedByMe
	}
	return nil
}

// Len is the number of tasks across all buckets.
func (b Board) Len() int {
	return len(b.Unassigned) + len(b.Mine) + len(b.CompletedByMe)
}

// Sorted returns a bucket's occurrences by priority (high first), then
// occurrence date, then id.
func (b Board) Sorted(name Bucket) []recurrence.Occurrence {
	m := b.Bucket(name)
	out := make([]recurrence.Occurrence, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Task.Priority.Rank(), out[j].Task.Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		if !out[i].Key.Date.Equal(out[j].Key.Date) {
			return out[i].Key.Date.Before(out[j].Key.Date)
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// BaseID resolves an occurrence key to its template id. Ids without a valid
// date suffix are returned unchanged.
func BaseID(id string) string {
	if k, ok := recurrence.ParseKey(id); ok {
		return k.TemplateID
	}
	return id
}

// Reconcile groups occurrences by base id, keeps the latest row of each group
// and files it under the bucket its state puts it in for actorID. Rows that are
// held or completed by someone else are left out.
func Reconcile(occ []recurrence.Occurrence, actorID string) Board {
	latest := make(map[string]recurrence.Occurrence, len(occ))
	for _, o := range occ {
		base := o.BaseID()
		if cur, ok := latest[base]; !ok || newer(o, cur) {
			latest[base] = o
		}
	}

	b := NewBoard()
	for base, o := range latest {
		switch Classify(&o.Task, actorID) {
		case CompletedByMe:
			b.CompletedByMe[base] = o
		case Mine:
			b.Mine[base] = o
		case Unassigned:
			b.Unassigned[base] = o
		}
	}
	return b
}

// Classify returns the bucket t belongs to for actorID, or "" if none.
func Classify(t *task.Task, actorID string) Bucket {
	if t.Status == task.StatusCompleted {
		if actorID != "" && task.Deref(t.CompletedBy) == actorID {
			return CompletedByMe
		}
		return ""
	}
	if t.AssignedTo == nil {
		return Unassigned
	}
	if actorID != "" && (task.Deref(t.AssignedTo) == actorID || task.Deref(t.ClaimedBy) == actorID) {
		return Mine
	}
	return ""
}

// newer reports whether a should replace b as the canonical row.
func newer(a, b recurrence.Occurrence) bool {
	if a.Task.Version > 0 && b.Task.Version > 0 && a.Task.Version != b.Task.Version {
		return a.Task.Version > b.Task.Version
	}
	ta, tb := stamp(&a.Task), stamp(&b.Task)
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.Key.Date.Before(b.Key.Date)
}

func stamp(t *task.Task) time.Time {
	if t.Status == task.StatusCompleted && t.CompletedAt != nil {
		return *t.CompletedAt
	}
	if !t.UpdatedAt.IsZero() {
		return t.UpdatedAt
	}
	return t.CreatedAt
}
