// Package rollover reopens recurring templates when a new period starts.
//
// A recurring template is one live row shared by all of its dates. Once its
// current occurrence has been completed, the row stays completed until the
// next occurrence date begins; Reset is what moves it on.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/recurrence"
	"clinic-tasks/pkg/task"
)

// Rollover resets completed recurring templates of a clinic.
type Rollover struct {
	tasks task.Store
	loc   *time.Location
	log   logrus.FieldLogger

	// Now defaults to time.Now.
	Now func() time.Time
}

func New(tasks task.Store, loc *time.Location, log logrus.FieldLogger) *Rollover {
	if loc == nil {
		loc = time.UTC
	}
	return &Rollover{tasks: tasks, loc: loc, log: log}
}

func (r *Rollover) now() time.Time {
	if r.Now != nil {
		return r.Now().In(r.loc)
	}
	return time.Now().In(r.loc)
}

// Due reports whether t was completed before its current period started, and
// so should be reopened on day.
func Due(t *task.Task, day time.Time) bool {
	if !t.IsRecurring() || t.Status != task.StatusCompleted || t.CompletedAt == nil {
		return false
	}
	start, ok := recurrence.PeriodStart(t, day)
	if !ok {
		return false
	}
	return task.Day(t.CompletedAt.In(day.Location())).Before(start)
}

// ResetPatch reopens a template: pending, completion cleared, checklist
// unchecked. A self-claimed assignment is released; an owner's assignment
// stays.
func ResetPatch(t *task.Task) task.Patch {
	status := task.StatusPending
	checklist := t.Checklist.Unchecked()
	p := task.Patch{
		Status:      &status,
		Checklist:   &checklist,
		CompletedBy: task.Null[string](),
		CompletedAt: task.Null[time.Time](),
		IfVersion:   t.Version,
	}
	if t.ClaimedBy != nil {
		p.AssignedTo = task.Null[string]()
		p.ClaimedBy = task.Null[string]()
		p.AssignedAt = task.Null[time.Time]()
	}
	return p
}

// Reset reopens every due template of clinicID and returns how many it
// reset. Writes are conditional on the version just read, so a row someone
// touched in the meantime is left for the next run.
func (r *Rollover) Reset(ctx context.Context, clinicID string) (int, error) {
	rows, err := r.tasks.Fetch(ctx, clinicID, task.Filter{Status: task.StatusCompleted})
	if err != nil {
		return 0, fmt.Errorf("rollover %s: %w", clinicID, err)
	}
	day := r.now()
	n := 0
	for i := range rows {
		t := &rows[i]
		if !Due(t, day) {
			continue
		}
		log := r.log.WithFields(logrus.Fields{"clinic_id": clinicID, "task_id": t.ID})
		_, err := r.tasks.Apply(ctx, t.ID, ResetPatch(t))
		switch {
		case errors.Is(err, task.ErrStaleWrite), errors.Is(err, task.ErrNotFound):
			log.WithError(err).Info("skipping template changed during rollover")
			continue
		case err != nil:
			return n, fmt.Errorf("rollover %s: reset %s: %w", clinicID, t.ID, err)
		}
		log.Debug("template reopened")
		n++
	}
	return n, nil
}

// ResetAll runs Reset for each clinic, continuing past failures.
func (r *Rollover) ResetAll(ctx context.Context, clinicIDs []string) error {
	if len(clinicIDs) == 0 {
		r.log.Warn("rollover has no clinics to visit; set CLINIC_IDS")
		return nil
	}
	var errs []error
	for _, id := range clinicIDs {
		n, err := r.Reset(ctx, id)
		if err != nil {
			errs = append(errs, err)
		}
		r.log.WithFields(logrus.Fields{"clinic_id": id, "reset": n}).Info("rollover finished")
	}
	return errors.Join(errs...)
}

// Daily registers ResetAll over clinicIDs on sched under spec.
func (r *Rollover) Daily(ctx context.Context, sched *Scheduler, spec string, clinicIDs []string) (cron.EntryID, error) {
	if len(clinicIDs) == 0 {
		r.log.WithField("spec", spec).Warn("rollover scheduled without clinics; it will reset nothing until CLINIC_IDS is set")
	}
	return sched.Schedule(spec, func() {
		if err := r.ResetAll(ctx, clinicIDs); err != nil {
			r.log.WithError(err).Error("rollover")
		}
	})
}
