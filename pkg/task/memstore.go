package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Store. It backs the "memory" driver and the
// tests of every package that needs a task repository.
type MemStore struct {
	mu   sync.RWMutex
	rows map[string]Task

	// Now stamps created_at/updated_at. Defaults to time.Now.
	Now func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]Task)}
}

func (s *MemStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().Truncate(time.Microsecond)
}

// EnsureTable is a no-op.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

// Create inserts t. An empty id gets a UUID v7; a caller-supplied id is kept,
// which lets tests seed rows with readable ids.
func (s *MemStore) Create(_ context.Context, t *Task) (*Task, error) {
	row := t.Clone()
	if row.ID == "" {
		row.ID = uuid.Must(uuid.NewV7()).String()
	}
	applyDefaults(&row)
	now := s.now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	row.Version = 1
	if err := row.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[row.ID]; ok {
		return nil, invalid("task %s already exists", row.ID)
	}
	s.rows[row.ID] = row
	out := row.Clone()
	return &out, nil
}

// Get returns a copy of the row.
func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := row.Clone()
	return &out, nil
}

// Fetch returns copies of the clinic's matching rows, oldest first.
func (s *MemStore) Fetch(_ context.Context, clinicID string, f Filter) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, row := range s.rows {
		if row.ClinicID != clinicID || !f.Match(&row) {
			continue
		}
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Apply writes p atomically with respect to other MemStore calls.
func (s *MemStore) Apply(_ context.Context, id string, p Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.IfVersion != 0 && p.IfVersion != row.Version {
		return nil, ErrStaleWrite
	}
	next := row.Clone()
	p.ApplyTo(&next)
	next.UpdatedAt = s.now()
	next.Version = row.Version + 1
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.rows[id] = next
	out := next.Clone()
	return &out, nil
}

// Delete removes the row.
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

// applyDefaults fills enum columns a caller left empty, mirroring the SQL
// column defaults.
func applyDefaults(t *Task) {
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.DueType == "" {
		t.DueType = DueEndOfDay
	}
	if t.Recurrence == "" {
		t.Recurrence = RecurNone
	}
	if t.Checklist == nil {
		t.Checklist = Checklist{}
	}
	for i := range t.Checklist {
		if t.Checklist[i].ID == "" {
			t.Checklist[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}
}
