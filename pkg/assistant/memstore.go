package assistant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinic-tasks/pkg/authority"
)

// MemStore is an in-process assistant store.
type MemStore struct {
	mu   sync.RWMutex
	rows map[string]Assistant
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]Assistant)}
}

func (s *MemStore) EnsureTable(context.Context) error { return nil }

func (s *MemStore) Register(_ context.Context, clinicID, name, email string, role authority.Role) (*Assistant, error) {
	if clinicID == "" || email == "" || !role.Valid() {
		return nil, fmt.Errorf("register assistant %q: %w", email, ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.rows {
		if a.ClinicID == clinicID && a.Email == email {
			return &a, nil
		}
	}
	a := Assistant{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ClinicID:  clinicID,
		Name:      name,
		Email:     email,
		Role:      role,
		IsActive:  true,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	s.rows[a.ID] = a
	return &a, nil
}

// Put stores a under its own id, replacing any previous record. Tests use it
// to seed assistants with readable ids.
func (s *MemStore) Put(a Assistant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[a.ID] = a
}

func (s *MemStore) Get(_ context.Context, id string) (*Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("get assistant %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (s *MemStore) List(_ context.Context, clinicID string) ([]Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assistant
	for _, a := range s.rows {
		if a.ClinicID == clinicID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) Deactivate(_ context.Context, id string) (*Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("deactivate assistant %s: %w", id, ErrNotFound)
	}
	a.IsActive = false
	s.rows[id] = a
	return &a, nil
}
