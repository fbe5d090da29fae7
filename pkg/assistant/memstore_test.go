package assistant

import (
	"context"
	"errors"
	"testing"

	"clinic-tasks/pkg/authority"
)

func TestRegisterIsIdempotentPerClinicEmail(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a1, err := s.Register(ctx, "c1", "Ana", "ana@example.com", authority.Assistant)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	a2, err := s.Register(ctx, "c1", "Ana B.", "ana@example.com", authority.Assistant)
	if err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if a1.ID != a2.ID {
		t.Errorf("expected same assistant, got %s and %s", a1.ID, a2.ID)
	}
	other, _ := s.Register(ctx, "c2", "Ana", "ana@example.com", authority.Assistant)
	if other.ID == a1.ID {
		t.Error("same email in another clinic must be a different assistant")
	}
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	_, err := NewMemStore().Register(context.Background(), "c1", "X", "x@example.com", authority.Role("boss"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a, _ := s.Register(ctx, "c1", "Ana", "ana@example.com", authority.Assistant)
	got, err := s.Deactivate(ctx, a.ID)
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if got.IsActive {
		t.Error("assistant still active")
	}
	if _, err := s.Deactivate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
