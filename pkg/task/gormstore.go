package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// taskRecord is the gorm mapping of the tasks table. Column names match the
// Postgres schema so rows round-trip between drivers.
type taskRecord struct {
	ID            string `gorm:"primaryKey"`
	ClinicID      string `gorm:"index:idx_tasks_clinic,priority:1;not null"`
	Title         string `gorm:"not null"`
	Description   string
	Priority      string `gorm:"not null;default:medium"`
	Status        string `gorm:"not null;default:pending"`
	DueType       string `gorm:"not null;default:end-of-day"`
	Category      string
	AssignedTo    *string `gorm:"index"`
	Recurrence    string  `gorm:"not null;default:none"`
	CreatedAt     time.Time `gorm:"index:idx_tasks_clinic,priority:2"`
	UpdatedAt     time.Time
	Checklist     string `gorm:"not null;default:'[]'"`
	OwnerNotes    string
	CustomDueDate *time.Time
	CompletedBy   *string
	CompletedAt   *time.Time
	ClaimedBy     *string
	AssignedAt    *time.Time
	Version       int64 `gorm:"not null;default:1"`
}

func (taskRecord) TableName() string { return "tasks" }

func toRecord(t *Task) (taskRecord, error) {
	checklist, err := marshalChecklist(t.Checklist)
	if err != nil {
		return taskRecord{}, err
	}
	return taskRecord{
		ID:            t.ID,
		ClinicID:      t.ClinicID,
		Title:         t.Title,
		Description:   t.Description,
		Priority:      string(t.Priority),
		Status:        string(t.Status),
		DueType:       string(t.DueType),
		Category:      t.Category,
		AssignedTo:    t.AssignedTo,
		Recurrence:    string(t.Recurrence),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		Checklist:     checklist,
		OwnerNotes:    t.OwnerNotes,
		CustomDueDate: t.CustomDueDate,
		CompletedBy:   t.CompletedBy,
		CompletedAt:   t.CompletedAt,
		ClaimedBy:     t.ClaimedBy,
		AssignedAt:    t.AssignedAt,
		Version:       t.Version,
	}, nil
}

func (r *taskRecord) toTask() (*Task, error) {
	checklist, err := unmarshalChecklist([]byte(r.Checklist))
	if err != nil {
		return nil, err
	}
	t := &Task{
		ID:            r.ID,
		ClinicID:      r.ClinicID,
		Title:         r.Title,
		Description:   r.Description,
		Priority:      Priority(r.Priority),
		Status:        Status(r.Status),
		DueType:       DueType(r.DueType),
		Category:      r.Category,
		AssignedTo:    r.AssignedTo,
		Recurrence:    Recurrence(r.Recurrence),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Checklist:     checklist,
		OwnerNotes:    r.OwnerNotes,
		CustomDueDate: r.CustomDueDate,
		CompletedBy:   r.CompletedBy,
		CompletedAt:   r.CompletedAt,
		ClaimedBy:     r.ClaimedBy,
		AssignedAt:    r.AssignedAt,
		Version:       r.Version,
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("row %s: %w", r.ID, err)
	}
	return t, nil
}

// GormStore is a task store over gorm, used with the SQLite driver for
// single-node installs.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// EnsureTable migrates the tasks table.
func (s *GormStore) EnsureTable(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&taskRecord{}); err != nil {
		return fmt.Errorf("migrate tasks: %w", err)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, t *Task) (*Task, error) {
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
	rec, err := toRecord(&row)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, gormError("create task", err)
	}
	return &row, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Task, error) {
	var rec taskRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, gormError("get task "+id, err)
	}
	return rec.toTask()
}

func (s *GormStore) Fetch(ctx context.Context, clinicID string, f Filter) ([]Task, error) {
	q := s.db.WithContext(ctx).Where("clinic_id = ?", clinicID)
	if f.AssignedTo != "" {
		q = q.Where("assigned_to = ? OR claimed_by = ?", f.AssignedTo, f.AssignedTo)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	var recs []taskRecord
	if err := q.Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, gormError("fetch tasks", err)
	}
	var out []Task
	for i := range recs {
		t, err := recs[i].toTask()
		if err != nil {
			return nil, err
		}
		if f.Match(t) {
			out = append(out, *t)
		}
	}
	return out, nil
}

// Apply runs the update and the read-back in one transaction so the returned
// row is the one this write produced.
func (s *GormStore) Apply(ctx context.Context, id string, p Patch) (*Task, error) {
	updates := map[string]any{
		"updated_at": time.Now().Truncate(time.Microsecond),
		"version":    gorm.Expr("version + 1"),
	}
	for _, a := range p.assignments() {
		v := a.value
		if c, ok := v.(Checklist); ok {
			raw, err := marshalChecklist(c)
			if err != nil {
				return nil, err
			}
			v = raw
		}
		updates[a.column] = v
	}

	var out *Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&taskRecord{}).Where("id = ?", id)
		if p.IfVersion != 0 {
			q = q.Where("version = ?", p.IfVersion)
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return gormError("apply task "+id, res.Error)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&taskRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return gormError("apply task "+id, err)
			}
			if n == 0 {
				return fmt.Errorf("apply task %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("apply task %s at version %d: %w", id, p.IfVersion, ErrStaleWrite)
		}
		var rec taskRecord
		if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
			return gormError("reload task "+id, err)
		}
		t, err := rec.toTask()
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&taskRecord{})
	if res.Error != nil {
		return gormError("delete task "+id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete task %s: %w", id, ErrNotFound)
	}
	return nil
}

func gormError(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, ErrInvalid) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleWrite) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
