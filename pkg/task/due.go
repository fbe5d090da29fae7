package task

import "time"

// Day truncates t to midnight of its calendar day in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DueDate is the calendar day a non-recurring task falls due, in loc.
func DueDate(t *Task, loc *time.Location) time.Time {
	if t.DueType == DueCustom && t.CustomDueDate != nil {
		return Day(t.CustomDueDate.In(loc))
	}
	created := Day(t.CreatedAt.In(loc))
	switch t.DueType {
	case DueEndOfWeek:
		// ISO weeks end on Sunday.
		offset := (7 - int(created.Weekday())) % 7
		return created.AddDate(0, 0, offset)
	case DueEndOfMonth:
		return created.AddDate(0, 1, -created.Day())
	default:
		return created
	}
}

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
