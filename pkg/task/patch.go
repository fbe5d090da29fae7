package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Nullable is a partial-update value for a nullable column. The zero value
// leaves the column unchanged; Set with a nil Value writes NULL.
type Nullable[T any] struct {
	Set   bool
	Value *T
}

// To writes v.
func To[T any](v T) Nullable[T] {
	return Nullable[T]{Set: true, Value: &v}
}

// Null writes NULL.
func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true}
}

func (n Nullable[T]) apply(dst **T) {
	if n.Set {
		*dst = clonePtr(n.Value)
	}
}

// Patch is a partial update: nil pointers and unset Nullables are left alone.
type Patch struct {
	Title         *string
	Description   *string
	Category      *string
	OwnerNotes    *string
	Priority      *Priority
	Status        *Status
	DueType       *DueType
	CustomDueDate Nullable[time.Time]
	Recurrence    *Recurrence
	AssignedTo    Nullable[string]
	ClaimedBy     Nullable[string]
	AssignedAt    Nullable[time.Time]
	CompletedBy   Nullable[string]
	CompletedAt   Nullable[time.Time]
	Checklist     *Checklist

	// IfVersion makes the write conditional on the row's current version.
	// Zero means unconditional.
	IfVersion int64
}

// IsEmpty reports whether the patch writes no column.
func (p Patch) IsEmpty() bool {
	return len(p.assignments()) == 0
}

// Columns lists the columns the patch writes, in schema order.
func (p Patch) Columns() []string {
	as := p.assignments()
	cols := make([]string, len(as))
	for i, a := range as {
		cols[i] = a.column
	}
	return cols
}

// ApplyTo writes the patch into t. It does not touch updated_at or version;
// that is the store's job.
func (p Patch) ApplyTo(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.OwnerNotes != nil {
		t.OwnerNotes = *p.OwnerNotes
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.DueType != nil {
		t.DueType = *p.DueType
	}
	p.CustomDueDate.apply(&t.CustomDueDate)
	if p.Recurrence != nil {
		t.Recurrence = *p.Recurrence
	}
	p.AssignedTo.apply(&t.AssignedTo)
	p.ClaimedBy.apply(&t.ClaimedBy)
	p.AssignedAt.apply(&t.AssignedAt)
	p.CompletedBy.apply(&t.CompletedBy)
	p.CompletedAt.apply(&t.CompletedAt)
	if p.Checklist != nil {
		t.Checklist = append(Checklist(nil), (*p.Checklist)...)
	}
}

type assignment struct {
	column string
	value  any
	cast   string
}

// assignments flattens the patch into column writes for SQL stores.
func (p Patch) assignments() []assignment {
	var out []assignment
	add := func(set bool, column string, value any) {
		if set {
			out = append(out, assignment{column: column, value: value})
		}
	}
	add(p.Title != nil, "title", deref(p.Title))
	add(p.Description != nil, "description", deref(p.Description))
	add(p.Priority != nil, "priority", deref(p.Priority))
	add(p.Status != nil, "status", deref(p.Status))
	add(p.DueType != nil, "due_type", deref(p.DueType))
	add(p.Category != nil, "category", deref(p.Category))
	add(p.AssignedTo.Set, "assigned_to", p.AssignedTo.Value)
	add(p.Recurrence != nil, "recurrence", deref(p.Recurrence))
	if p.Checklist != nil {
		out = append(out, assignment{column: "checklist", value: *p.Checklist, cast: "::jsonb"})
	}
	add(p.OwnerNotes != nil, "owner_notes", deref(p.OwnerNotes))
	add(p.CustomDueDate.Set, "custom_due_date", p.CustomDueDate.Value)
	add(p.CompletedBy.Set, "completed_by", p.CompletedBy.Value)
	add(p.CompletedAt.Set, "completed_at", p.CompletedAt.Value)
	add(p.ClaimedBy.Set, "claimed_by", p.ClaimedBy.Value)
	add(p.AssignedAt.Set, "assigned_at", p.AssignedAt.Value)
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func marshalChecklist(c Checklist) (string, error) {
	if c == nil {
		c = Checklist{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal checklist: %w", err)
	}
	return string(b), nil
}

func unmarshalChecklist(raw []byte) (Checklist, error) {
	c := Checklist{}
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: checklist: %v", ErrInvalid, err)
	}
	return c, nil
}
