package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the Postgres channel the tasks trigger notifies with the
// clinic id of every changed row.
const NotifyChannel = "task_changes"

const selectColumns = `id, clinic_id, title, description, priority, status, due_type, category,
	assigned_to, recurrence, created_at, updated_at, checklist, owner_notes, custom_due_date,
	completed_by, completed_at, claimed_by, assigned_at, version`

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the tasks table and its change-notification trigger.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			clinic_id       TEXT NOT NULL,
			title           TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			priority        TEXT NOT NULL DEFAULT 'medium',
			status          TEXT NOT NULL DEFAULT 'pending',
			due_type        TEXT NOT NULL DEFAULT 'end-of-day',
			category        TEXT NOT NULL DEFAULT '',
			assigned_to     TEXT,
			recurrence      TEXT NOT NULL DEFAULT 'none',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			checklist       JSONB NOT NULL DEFAULT '[]',
			owner_notes     TEXT NOT NULL DEFAULT '',
			custom_due_date TIMESTAMPTZ,
			completed_by    TEXT,
			completed_at    TIMESTAMPTZ,
			claimed_by      TEXT,
			assigned_at     TIMESTAMPTZ,
			version         BIGINT NOT NULL DEFAULT 1
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_clinic ON tasks(clinic_id, created_at)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to) WHERE assigned_to IS NOT NULL`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		CREATE OR REPLACE FUNCTION notify_task_change() RETURNS trigger AS $$
		BEGIN
			IF TG_OP = 'DELETE' THEN
				PERFORM pg_notify('`+NotifyChannel+`', OLD.clinic_id);
			ELSE
				PERFORM pg_notify('`+NotifyChannel+`', NEW.clinic_id);
			END IF;
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DROP TRIGGER IF EXISTS tasks_notify ON tasks`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TRIGGER tasks_notify AFTER INSERT OR UPDATE OR DELETE ON tasks
		FOR EACH ROW EXECUTE FUNCTION notify_task_change()`)
	return err
}

// Create inserts a new task.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
	row := t.Clone()
	if row.ID == "" {
		row.ID = uuid.Must(uuid.NewV7()).String()
	}
	applyDefaults(&row)
	now := time.Now().Truncate(time.Microsecond)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	row.Version = 1
	if err := row.Validate(); err != nil {
		return nil, err
	}

	checklist, err := marshalChecklist(row.Checklist)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, clinic_id, title, description, priority, status, due_type, category,
			assigned_to, recurrence, created_at, updated_at, checklist, owner_notes, custom_due_date,
			completed_by, completed_at, claimed_by, assigned_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15, $16, $17, $18, $19, $20)`,
		row.ID, row.ClinicID, row.Title, row.Description, row.Priority, row.Status, row.DueType, row.Category,
		row.AssignedTo, row.Recurrence, row.CreatedAt, row.UpdatedAt, checklist, row.OwnerNotes, row.CustomDueDate,
		row.CompletedBy, row.CompletedAt, row.ClaimedBy, row.AssignedAt, row.Version)
	if err != nil {
		return nil, classify("create task", err)
	}
	return &row, nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get task "+id, err)
	}
	return t, nil
}

// Fetch returns a clinic's tasks. Assignee and status filter in SQL; the due
// date window depends on due_type and is applied with Filter.Match.
func (s *PgStore) Fetch(ctx context.Context, clinicID string, f Filter) ([]Task, error) {
	query := `SELECT ` + selectColumns + ` FROM tasks WHERE clinic_id = $1`
	args := []any{clinicID}
	if f.AssignedTo != "" {
		args = append(args, f.AssignedTo)
		query += fmt.Sprintf(" AND (assigned_to = $%d OR claimed_by = $%d)", len(args), len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("fetch tasks", err)
	}
	defer rows.Close()

	tasks, err := scanTaskRows(rows)
	if err != nil {
		return nil, classify("fetch tasks", err)
	}
	out := tasks[:0]
	for i := range tasks {
		if f.Match(&tasks[i]) {
			out = append(out, tasks[i])
		}
	}
	return out, nil
}

// Apply writes the patched columns in one UPDATE and validates the resulting
// row before committing.
func (s *PgStore) Apply(ctx context.Context, id string, p Patch) (*Task, error) {
	now := time.Now().Truncate(time.Microsecond)

	setClauses := []string{"updated_at = $1", "version = version + 1"}
	args := []any{now}
	for _, a := range p.assignments() {
		v := a.value
		if c, ok := v.(Checklist); ok {
			raw, err := marshalChecklist(c)
			if err != nil {
				return nil, err
			}
			v = raw
		}
		args = append(args, v)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d%s", a.column, len(args), a.cast))
	}

	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if p.IfVersion != 0 {
		args = append(args, p.IfVersion)
		where += fmt.Sprintf(" AND version = $%d", len(args))
	}
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE %s RETURNING %s", strings.Join(setClauses, ", "), where, selectColumns)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) && p.IfVersion != 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, classify("apply task "+id, err)
		}
		if exists {
			return nil, fmt.Errorf("apply task %s at version %d: %w", id, p.IfVersion, ErrStaleWrite)
		}
	}
	if err != nil {
		return nil, classify("apply task "+id, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("apply task %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit task "+id, err)
	}
	return t, nil
}

// Delete removes a task.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return classify("delete task "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete task %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var checklist []byte
	err := row.Scan(&t.ID, &t.ClinicID, &t.Title, &t.Description, &t.Priority, &t.Status, &t.DueType, &t.Category,
		&t.AssignedTo, &t.Recurrence, &t.CreatedAt, &t.UpdatedAt, &checklist, &t.OwnerNotes, &t.CustomDueDate,
		&t.CompletedBy, &t.CompletedAt, &t.ClaimedBy, &t.AssignedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	if t.Checklist, err = unmarshalChecklist(checklist); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTaskRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("row %s: %w", t.ID, err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

// classify maps driver errors onto the package's error taxonomy. Errors the
// server answered with are kept as-is; anything else means the store could
// not be reached.
func classify(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, ErrInvalid) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &TransportError{Op: op, Err: err}
}
