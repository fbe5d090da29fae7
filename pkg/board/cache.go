package board

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/task"
)

// Cache holds the latest snapshot for one (clinic, assistant) pair.
//
// Every refresh and every local write takes a sequence number when it starts.
// A result is applied only if its number is newer than the one already shown,
// so a slow response to an older request can never overwrite newer state.
type Cache struct {
	store    task.Store
	clinicID string
	actorID  string
	days     int
	log      logrus.FieldLogger

	// Now picks the window's first day. Defaults to time.Now.
	Now func() time.Time

	mu        sync.Mutex
	seq       uint64
	applied   uint64
	snap      Snapshot
	listeners []func(Snapshot)
}

// NewCache creates an empty cache showing days days from today.
func NewCache(store task.Store, clinicID, actorID string, days int, log logrus.FieldLogger) *Cache {
	return &Cache{store: store, clinicID: clinicID, actorID: actorID, days: days, log: log}
}

func (c *Cache) ClinicID() string { return c.clinicID }
func (c *Cache) ActorID() string  { return c.actorID }

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Begin reserves the next sequence number.
func (c *Cache) Begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Snapshot returns the current snapshot.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// OnChange registers fn to run after each applied snapshot.
func (c *Cache) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Refresh refetches the window and applies the result unless something newer
// was applied while the fetch was in flight.
func (c *Cache) Refresh(ctx context.Context) error {
	seq := c.Begin()
	snap, err := Build(ctx, c.store, c.clinicID, c.actorID, Days(c.now(), c.days))
	if err != nil {
		refreshes.WithLabelValues("error").Inc()
		return err
	}
	refreshes.WithLabelValues("ok").Inc()
	c.Apply(seq, snap)
	return nil
}

// Apply installs snap under seq. It reports false, and leaves the cache
// untouched, if a snapshot with a later sequence is already in place.
func (c *Cache) Apply(seq uint64, snap Snapshot) bool {
	c.mu.Lock()
	if seq <= c.applied {
		c.mu.Unlock()
		discarded.Inc()
		c.log.WithFields(logrus.Fields{"seq": seq, "applied": c.applied}).Debug("discarding stale board")
		return false
	}
	snap.Seq = seq
	c.applied = seq
	c.snap = snap
	listeners := append([]func(Snapshot){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return true
}

// Optimistic replaces (or adds) row in the current view after a successful
// write, without waiting for the next refresh.
func (c *Cache) Optimistic(row task.Task) {
	c.local(func(rows []task.Task) []task.Task {
		for i := range rows {
			if rows[i].ID == row.ID {
				rows[i] = row.Clone()
				return rows
			}
		}
		return append(rows, row.Clone())
	})
}

// Forget drops a deleted row from the current view.
func (c *Cache) Forget(id string) {
	c.local(func(rows []task.Task) []task.Task {
		out := rows[:0]
		for _, r := range rows {
			if r.ID != id {
				out = append(out, r)
			}
		}
		return out
	})
}

func (c *Cache) local(edit func([]task.Task) []task.Task) {
	seq := c.Begin()
	cur := c.Snapshot()
	rows := make([]task.Task, len(cur.Rows))
	for i, r := range cur.Rows {
		rows[i] = r.Clone()
	}
	w := cur.Window
	if w.From.IsZero() {
		w = Days(c.now(), c.days)
	}
	c.Apply(seq, Derive(edit(rows), w, c.actorID))
}

// Lookup returns the cached row behind an id or occurrence key.
func (c *Cache) Lookup(id string) (task.Task, bool) {
	return c.Snapshot().Row(id)
}
