package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/assistant"
	"clinic-tasks/pkg/authority"
	"clinic-tasks/pkg/lifecycle"
	"clinic-tasks/pkg/reconcile"
	"clinic-tasks/pkg/task"
)

// ForbiddenError is returned when an owner/admin-only operation is attempted by
// someone else. It matches lifecycle.ErrInvalidTransition.
type ForbiddenError struct {
	Action authority.Action
	Actor  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s by %s: requires an owner or admin of the clinic", e.Action, e.Actor)
}

func (e *ForbiddenError) Is(target error) bool { return target == lifecycle.ErrInvalidTransition }

// elevated resolves actorID and requires an active owner/admin of clinicID.
func (s *Service) elevated(ctx context.Context, actorID, clinicID string, action authority.Action) (*assistant.Assistant, error) {
	a, err := s.staff.Get(ctx, actorID)
	if errors.Is(err, assistant.ErrNotFound) {
		return nil, &ForbiddenError{Action: action, Actor: actorID}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve assistant %s: %w", actorID, err)
	}
	if !a.IsActive || a.ClinicID != clinicID || !a.Actor().Allows(action) {
		return nil, &ForbiddenError{Action: action, Actor: actorID}
	}
	return a, nil
}

// CreateTask inserts a template. An assignee given at creation makes the task
// start out claimed by them.
func (s *Service) CreateTask(ctx context.Context, actorID string, t *task.Task) (*task.Task, error) {
	if _, err := s.elevated(ctx, actorID, t.ClinicID, authority.Create); err != nil {
		return nil, err
	}
	row := t.Clone()
	row.ClaimedBy = nil
	row.CompletedBy, row.CompletedAt = nil, nil
	row.Status = task.StatusPending
	if row.AssignedTo != nil {
		a, err := s.staff.Get(ctx, *row.AssignedTo)
		if err != nil || !a.IsActive || a.ClinicID != row.ClinicID {
			return nil, fmt.Errorf("create task: assignee %s: %w", *row.AssignedTo, task.ErrInvalid)
		}
		now := s.now()
		row.AssignedAt = &now
	} else {
		row.AssignedAt = nil
	}

	created, err := s.tasks.Create(ctx, &row)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"task_id":   created.ID,
		"clinic_id": created.ClinicID,
		"actor":     actorID,
		"initial":   lifecycle.Initial(created).String(),
	}).Info("task created")
	s.committed(ctx, created)
	return created, nil
}

// DeleteTask removes a template and with it all of its occurrences.
func (s *Service) DeleteTask(ctx context.Context, actorID, id string) error {
	base := reconcile.BaseID(id)
	cur, err := s.current(ctx, base)
	if err != nil {
		return err
	}
	a, err := s.elevated(ctx, actorID, cur.ClinicID, authority.Delete)
	if err != nil {
		return err
	}
	if !lifecycle.CanDelete(a.Actor()) {
		return &ForbiddenError{Action: authority.Delete, Actor: actorID}
	}
	if err := s.tasks.Delete(ctx, cur.ID); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"task_id": cur.ID, "actor": actorID}).Info("task deleted")
	if c := s.opts.Cache; c != nil {
		c.Forget(cur.ID)
	}
	return nil
}

// RemoveAssistant deactivates a staff member and returns every open task they
// hold to the unassigned pool. It stops at the first failed write; tasks
// released before it stay released.
func (s *Service) RemoveAssistant(ctx context.Context, actorID, assistantID string) ([]task.Task, error) {
	target, err := s.staff.Get(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	admin, err := s.elevated(ctx, actorID, target.ClinicID, authority.RemoveStaff)
	if err != nil {
		return nil, err
	}
	if _, err := s.staff.Deactivate(ctx, assistantID); err != nil {
		return nil, err
	}

	held, err := s.tasks.Fetch(ctx, target.ClinicID, task.Filter{AssignedTo: assistantID})
	if err != nil {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{"assistant": assistantID, "actor": actorID})
	var released []task.Task
	for i := range held {
		t := &held[i]
		if t.Status == task.StatusCompleted {
			continue
		}
		res, err := s.machine.Transition(t, lifecycle.Request{Command: lifecycle.PutBack, Actor: admin.Actor()})
		if err != nil {
			return released, err
		}
		if res.NoOp {
			continue
		}
		row, err := s.write(ctx, t, res.Patch)
		if err != nil {
			transitions.WithLabelValues(string(lifecycle.PutBack), result(err)).Inc()
			return released, err
		}
		transitions.WithLabelValues(string(lifecycle.PutBack), "ok").Inc()
		released = append(released, *row)
		s.committed(ctx, row)
	}
	log.WithField("released", len(released)).Info("assistant removed")
	return released, nil
}

func (s *Service) now() time.Time {
	if s.opts.Now != nil {
		return s.opts.Now().Truncate(time.Microsecond)
	}
	return time.Now().Truncate(time.Microsecond)
}
