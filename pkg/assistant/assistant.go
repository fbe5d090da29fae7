package assistant

import (
	"context"
	"errors"
	"time"

	"clinic-tasks/pkg/authority"
)

var (
	ErrNotFound = errors.New("assistant not found")
	ErrInvalid  = errors.New("invalid assistant")
)

// Assistant is a staff member of a clinic.
type Assistant struct {
	ID        string         `json:"id"`
	ClinicID  string         `json:"clinic_id"`
	Name      string         `json:"name"`
	Email     string         `json:"email"`
	Role      authority.Role `json:"role"`
	IsActive  bool           `json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
}

// Actor returns the assistant as a command issuer.
func (a *Assistant) Actor() authority.Actor {
	return authority.Actor{ID: a.ID, Role: a.Role}
}

// Store is the contract for assistant persistence.
type Store interface {
	// Register creates or returns an existing assistant. Idempotent:
	// matches on (clinic, email).
	Register(ctx context.Context, clinicID, name, email string, role authority.Role) (*Assistant, error)

	// Get returns an assistant by ID.
	Get(ctx context.Context, id string) (*Assistant, error)

	// List returns a clinic's assistants.
	List(ctx context.Context, clinicID string) ([]Assistant, error)

	// Deactivate marks an assistant inactive.
	Deactivate(ctx context.Context, id string) (*Assistant, error)

	// EnsureTable creates the assistants table if it doesn't exist.
	EnsureTable(ctx context.Context) error
}
