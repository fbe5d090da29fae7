// Package recurrence projects recurring template tasks onto calendar dates.
//
// Occurrences are never stored. Expand is a pure function of the template and
// the window, so two calls over the same inputs produce identical results.
package recurrence

import (
	"strings"
	"time"

	"clinic-tasks/pkg/task"
)

const dateLayout = "2006-01-02"

// Key identifies an occurrence by its template and calendar day.
type Key struct {
	TemplateID string
	Date       time.Time
}

// String renders the key as "<templateID>_<YYYY-MM-DD>".
func (k Key) String() string {
	return k.TemplateID + "_" + k.Date.Format(dateLayout)
}

// ParseKey reverses String. It splits on the last underscore and requires a
// valid date after it, so template ids that contain underscores still parse.
func ParseKey(s string) (Key, bool) {
	i := strings.LastIndexByte(s, '_')
	if i <= 0 {
		return Key{}, false
	}
	d, err := time.Parse(dateLayout, s[i+1:])
	if err != nil {
		return Key{}, false
	}
	return Key{TemplateID: s[:i], Date: d}, true
}

// Occurrence is a task shown on one date. Task is a private copy of the
// template's live state.
type Occurrence struct {
	Key  Key
	Task task.Task
}

// ID is the occurrence key for recurring templates and the row id otherwise.
func (o Occurrence) ID() string {
	if o.Task.IsRecurring() {
		return o.Key.String()
	}
	return o.Task.ID
}

// BaseID is the id of the stored row behind the occurrence.
func (o Occurrence) BaseID() string {
	return o.Key.TemplateID
}

// Expand returns t's occurrences between start and end, inclusive by calendar
// day in start's location, in ascending date order. A reversed window yields
// no occurrences.
func Expand(t task.Task, start, end time.Time) []Occurrence {
	if end.Before(start) {
		return nil
	}
	loc := start.Location()
	first := task.Day(start)
	last := task.Day(end.In(loc))

	if !t.IsRecurring() {
		due := task.DueDate(&t, loc)
		if due.Before(first) || due.After(last) {
			return nil
		}
		return []Occurrence{{Key: Key{TemplateID: t.ID, Date: due}, Task: t.Clone()}}
	}

	anchor := Anchor(&t, loc)
	var out []Occurrence
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if matches(t.Recurrence, anchor, d) {
			out = append(out, Occurrence{Key: Key{TemplateID: t.ID, Date: d}, Task: t.Clone()})
		}
	}
	return out
}

// ExpandAll expands every task in order and concatenates the results.
func ExpandAll(tasks []task.Task, start, end time.Time) []Occurrence {
	var out []Occurrence
	for _, t := range tasks {
		out = append(out, Expand(t, start, end)...)
	}
	return out
}

// Matches reports whether t has an occurrence on day's calendar date.
func Matches(t *task.Task, day time.Time) bool {
	if !t.IsRecurring() {
		return task.DueDate(t, day.Location()).Equal(task.Day(day))
	}
	return matches(t.Recurrence, Anchor(t, day.Location()), task.Day(day))
}

// Anchor is the date a recurring template counts from: its custom due date
// when set, otherwise its creation date.
func Anchor(t *task.Task, loc *time.Location) time.Time {
	if t.CustomDueDate != nil {
		return task.Day(t.CustomDueDate.In(loc))
	}
	return task.Day(t.CreatedAt.In(loc))
}

// PeriodStart returns the most recent occurrence date on or before day, or
// false if the template has none.
func PeriodStart(t *task.Task, day time.Time) (time.Time, bool) {
	anchor := Anchor(t, day.Location())
	d := task.Day(day)
	// A monthly template always recurs within 31 days; biweekly within 14.
	for i := 0; i < 31; i++ {
		if matches(t.Recurrence, anchor, d) {
			return d, true
		}
		d = d.AddDate(0, 0, -1)
	}
	return time.Time{}, false
}

func matches(r task.Recurrence, anchor, day time.Time) bool {
	switch r {
	case task.RecurDaily:
		return true
	case task.RecurWeekly:
		return day.Weekday() == anchor.Weekday()
	case task.RecurBiweekly:
		n := daysBetween(anchor, day)
		return ((n%14)+14)%14 == 0
	case task.RecurMonthly:
		want := anchor.Day()
		if dim := task.DaysInMonth(day.Year(), day.Month()); want > dim {
			want = dim
		}
		return day.Day() == want
	}
	return false
}

// daysBetween counts calendar days from a to b, ignoring DST shifts.
func daysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
