package task

import (
	"context"
	"fmt"
	"time"
)

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities for display, high first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Status is the persisted progress of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// DueType says when in its period a task falls due.
type DueType string

const (
	DueBeforeOpening DueType = "before-opening"
	DueBefore1PM     DueType = "before-1pm"
	DueEndOfDay      DueType = "end-of-day"
	DueEndOfWeek     DueType = "end-of-week"
	DueEndOfMonth    DueType = "end-of-month"
	DueCustom        DueType = "custom"
)

// Recurrence is how often a template repeats.
type Recurrence string

const (
	RecurNone     Recurrence = "none"
	RecurDaily    Recurrence = "daily"
	RecurWeekly   Recurrence = "weekly"
	RecurBiweekly Recurrence = "biweekly"
	RecurMonthly  Recurrence = "monthly"
)

// ChecklistItem is one step of a task.
type ChecklistItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Checklist is the ordered list of steps stored as a JSON array.
type Checklist []ChecklistItem

// Unchecked returns a copy with every item marked incomplete.
func (c Checklist) Unchecked() Checklist {
	out := make(Checklist, len(c))
	for i, item := range c {
		item.Completed = false
		out[i] = item
	}
	return out
}

// Task is a persisted task row. Recurring rows are templates; their dated
// occurrences are projections and never stored.
type Task struct {
	ID            string     `json:"id"`
	ClinicID      string     `json:"clinic_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Category      string     `json:"category"`
	Priority      Priority   `json:"priority"`
	Status        Status     `json:"status"`
	DueType       DueType    `json:"due_type"`
	CustomDueDate *time.Time `json:"custom_due_date"`
	Recurrence    Recurrence `json:"recurrence"`
	AssignedTo    *string    `json:"assigned_to"`
	ClaimedBy     *string    `json:"claimed_by"`
	AssignedAt    *time.Time `json:"assigned_at"`
	Checklist     Checklist  `json:"checklist"`
	OwnerNotes    string     `json:"owner_notes"`
	CompletedBy   *string    `json:"completed_by"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Version       int64      `json:"version"`
}

// Holder returns the assistant responsible for the task, or "".
func (t *Task) Holder() string {
	return Deref(t.AssignedTo)
}

// IsRecurring reports whether the row is a recurring template.
func (t *Task) IsRecurring() bool {
	return t.Recurrence != "" && t.Recurrence != RecurNone
}

// Clone returns a deep copy so callers never share pointers or checklist
// backing arrays with the original.
func (t Task) Clone() Task {
	out := t
	out.CustomDueDate = clonePtr(t.CustomDueDate)
	out.AssignedTo = clonePtr(t.AssignedTo)
	out.ClaimedBy = clonePtr(t.ClaimedBy)
	out.AssignedAt = clonePtr(t.AssignedAt)
	out.CompletedBy = clonePtr(t.CompletedBy)
	out.CompletedAt = clonePtr(t.CompletedAt)
	if t.Checklist != nil {
		out.Checklist = make(Checklist, len(t.Checklist))
		copy(out.Checklist, t.Checklist)
	}
	return out
}

// Validate checks enum values and the pairing invariants of a row. Stores call
// it on every row they hand back, so the rest of the engine can trust it.
func (t *Task) Validate() error {
	if t.ClinicID == "" {
		return invalid("clinic_id is required")
	}
	if t.Title == "" {
		return invalid("title is required")
	}
	switch t.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return invalid("unknown priority %q", t.Priority)
	}
	switch t.Status {
	case StatusPending, StatusInProgress, StatusCompleted:
	default:
		return invalid("unknown status %q", t.Status)
	}
	switch t.DueType {
	case DueBeforeOpening, DueBefore1PM, DueEndOfDay, DueEndOfWeek, DueEndOfMonth:
		if t.CustomDueDate != nil {
			return invalid("custom_due_date set with due_type %q", t.DueType)
		}
	case DueCustom:
		if t.CustomDueDate == nil {
			return invalid("due_type custom requires custom_due_date")
		}
	default:
		return invalid("unknown due_type %q", t.DueType)
	}
	switch t.Recurrence {
	case RecurNone, RecurDaily, RecurWeekly, RecurBiweekly, RecurMonthly:
	default:
		return invalid("unknown recurrence %q", t.Recurrence)
	}
	if (t.CompletedBy == nil) != (t.CompletedAt == nil) {
		return invalid("completed_by and completed_at must be set together")
	}
	if (t.Status == StatusCompleted) != (t.CompletedBy != nil) {
		return invalid("completion fields must be set exactly when status is completed")
	}
	if t.ClaimedBy != nil && t.AssignedTo == nil {
		return invalid("claimed_by set on an unassigned task")
	}
	for i, item := range t.Checklist {
		if item.ID == "" {
			return invalid("checklist item %d has no id", i)
		}
	}
	return nil
}

// Filter narrows a Fetch. Zero values mean "any".
type Filter struct {
	// AssignedTo matches tasks assigned to or claimed by this assistant.
	AssignedTo string
	Status     Status
	// From and To bound the due date of non-recurring tasks, inclusive by
	// calendar day in From's location. Recurring templates always pass,
	// the expander decides which of their dates are visible.
	From time.Time
	To   time.Time
}

// Match reports whether t passes the filter.
func (f Filter) Match(t *Task) bool {
	if f.AssignedTo != "" && Deref(t.AssignedTo) != f.AssignedTo && Deref(t.ClaimedBy) != f.AssignedTo {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if t.IsRecurring() || (f.From.IsZero() && f.To.IsZero()) {
		return true
	}
	loc := time.UTC
	if !f.From.IsZero() {
		loc = f.From.Location()
	} else if !f.To.IsZero() {
		loc = f.To.Location()
	}
	due := DueDate(t, loc)
	if !f.From.IsZero() && due.Before(Day(f.From)) {
		return false
	}
	if !f.To.IsZero() && due.After(Day(f.To)) {
		return false
	}
	return true
}

// Store is the contract for task persistence.
type Store interface {
	// Create validates and inserts a new row, assigning its id and timestamps.
	Create(ctx context.Context, t *Task) (*Task, error)

	// Get returns a row by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// Fetch returns a clinic's rows matching f, oldest first.
	Fetch(ctx context.Context, clinicID string, f Filter) ([]Task, error)

	// Apply writes the fields set in p and leaves the rest unchanged. It
	// returns ErrNotFound when the row is gone and ErrStaleWrite when
	// p.IfVersion no longer matches.
	Apply(ctx context.Context, id string, p Patch) (*Task, error)

	// Delete removes a row, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	EnsureTable(ctx context.Context) error
}

// Ref returns a pointer to id, for nullable assistant references.
func Ref(id string) *string {
	return &id
}

// Deref returns the referenced id or "".
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
