package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clinic-tasks/pkg/authority"
)

// PgStore is a PostgreSQL-backed assistant store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the assistants table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS assistants (
			id         TEXT PRIMARY KEY,
			clinic_id  TEXT NOT NULL,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL,
			role       TEXT NOT NULL DEFAULT 'assistant',
			is_active  BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS assistants_clinic_email_idx ON assistants(clinic_id, email)`)
	return err
}

// Register creates or returns an existing assistant. Idempotent.
func (s *PgStore) Register(ctx context.Context, clinicID, name, email string, role authority.Role) (*Assistant, error) {
	if clinicID == "" || email == "" || !role.Valid() {
		return nil, fmt.Errorf("register assistant %q: %w", email, ErrInvalid)
	}

	a, err := s.scanOne(ctx, `SELECT id, clinic_id, name, email, role, is_active, created_at
		FROM assistants WHERE clinic_id = $1 AND email = $2`, clinicID, email)
	if err == nil {
		return a, nil
	}

	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO assistants (id, clinic_id, name, email, role, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT DO NOTHING`,
		id, clinicID, name, email, role, now)
	if err != nil {
		return nil, fmt.Errorf("register assistant %s: %w", email, err)
	}

	// Re-fetch to handle race conditions (ON CONFLICT DO NOTHING)
	a, err = s.scanOne(ctx, `SELECT id, clinic_id, name, email, role, is_active, created_at
		FROM assistants WHERE clinic_id = $1 AND email = $2`, clinicID, email)
	if err != nil {
		return nil, fmt.Errorf("register assistant %s: re-fetch failed: %w", email, err)
	}
	return a, nil
}

// Get returns an assistant by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Assistant, error) {
	a, err := s.scanOne(ctx, `SELECT id, clinic_id, name, email, role, is_active, created_at
		FROM assistants WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get assistant %s: %w", id, err)
	}
	return a, nil
}

// List returns a clinic's assistants.
func (s *PgStore) List(ctx context.Context, clinicID string) ([]Assistant, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, clinic_id, name, email, role, is_active, created_at
		FROM assistants WHERE clinic_id = $1 ORDER BY created_at ASC`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("list assistants: %w", err)
	}
	defer rows.Close()

	var out []Assistant
	for rows.Next() {
		var a Assistant
		if err := rows.Scan(&a.ID, &a.ClinicID, &a.Name, &a.Email, &a.Role, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Deactivate marks an assistant inactive.
func (s *PgStore) Deactivate(ctx context.Context, id string) (*Assistant, error) {
	a, err := s.scanOne(ctx, `UPDATE assistants SET is_active = FALSE WHERE id = $1
		RETURNING id, clinic_id, name, email, role, is_active, created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("deactivate assistant %s: %w", id, err)
	}
	return a, nil
}

func (s *PgStore) scanOne(ctx context.Context, query string, args ...any) (*Assistant, error) {
	var a Assistant
	err := s.pool.QueryRow(ctx, query, args...).Scan(&a.ID, &a.ClinicID, &a.Name, &a.Email, &a.Role, &a.IsActive, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
