// Package engine exposes the task commands a presentation layer issues.
//
// Every command reads the current row, asks the lifecycle machine for the
// update, writes it with a single Apply and returns the stored row. Nothing is
// retried: a failed write is reported and the caller decides what to do.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/assistant"
	"clinic-tasks/pkg/authority"
	"clinic-tasks/pkg/board"
	"clinic-tasks/pkg/lifecycle"
	"clinic-tasks/pkg/reconcile"
	"clinic-tasks/pkg/task"
)

// Options configures a Service.
type Options struct {
	// ConditionalWrites makes every Apply conditional on the version the
	// command read, so a write that lost a race fails with
	// task.ErrStaleWrite instead of silently overwriting. Off by default:
	// the last write wins.
	ConditionalWrites bool

	// Cache, when set, is the device's board. Commands read rows from it,
	// update it optimistically after a write and then refresh it.
	Cache *board.Cache

	// Now stamps claim and completion times. Defaults to time.Now.
	Now func() time.Time
}

// Service runs task commands against a task store.
type Service struct {
	tasks   task.Store
	staff   assistant.Store
	machine *lifecycle.Machine
	log     logrus.FieldLogger
	opts    Options
}

// New creates a Service.
func New(tasks task.Store, staff assistant.Store, log logrus.FieldLogger, opts Options) *Service {
	m := &lifecycle.Machine{}
	if opts.Now != nil {
		now := opts.Now
		m.Now = func() time.Time { return now().Truncate(time.Microsecond) }
	}
	return &Service{tasks: tasks, staff: staff, machine: m, log: log, opts: opts}
}

func (s *Service) ClaimTask(ctx context.Context, actorID, id string) (*task.Task, error) {
	return s.run(ctx, actorID, id, lifecycle.Claim, "")
}

func (s *Service) StartTask(ctx context.Context, actorID, id string) (*task.Task, error) {
	return s.run(ctx, actorID, id, lifecycle.Start, "")
}

func (s *Service) CompleteTask(ctx context.Context, actorID, id string) (*task.Task, error) {
	return s.run(ctx, actorID, id, lifecycle.Complete, "")
}

func (s *Service) UndoTask(ctx context.Context, actorID, id string) (*task.Task, error) {
	return s.run(ctx, actorID, id, lifecycle.Undo, "")
}

func (s *Service) PutBackTask(ctx context.Context, actorID, id string) (*task.Task, error) {
	return s.run(ctx, actorID, id, lifecycle.PutBack, "")
}

func (s *Service) ReassignTask(ctx context.Context, actorID, id, assistantID string) (*task.Task, error) {
	return s.run(ctx, actorID, id, lifecycle.Reassign, assistantID)
}

// Run dispatches a command by name.
func (s *Service) Run(ctx context.Context, actorID, id string, cmd lifecycle.Command, target string) (*task.Task, error) {
	return s.run(ctx, actorID, id, cmd, target)
}

func (s *Service) run(ctx context.Context, actorID, id string, cmd lifecycle.Command, target string) (*task.Task, error) {
	log := s.log.WithFields(logrus.Fields{"command": cmd, "task_id": id, "actor": actorID})

	cur, err := s.current(ctx, id)
	if err != nil {
		transitions.WithLabelValues(string(cmd), result(err)).Inc()
		return nil, err
	}
	actor, err := s.actor(ctx, actorID, cur, cmd)
	if err != nil {
		transitions.WithLabelValues(string(cmd), result(err)).Inc()
		return nil, err
	}
	if cmd == lifecycle.Reassign && target != "" {
		if err := s.checkAssignee(ctx, cur, cmd, actorID, target); err != nil {
			transitions.WithLabelValues(string(cmd), result(err)).Inc()
			return nil, err
		}
	}

	res, err := s.machine.Transition(cur, lifecycle.Request{Command: cmd, Actor: actor, Target: target})
	if err != nil {
		transitions.WithLabelValues(string(cmd), "rejected").Inc()
		log.WithError(err).Info("command rejected")
		return nil, err
	}
	if res.NoOp {
		transitions.WithLabelValues(string(cmd), "noop").Inc()
		log.Debug("command already applied")
		return cur, nil
	}

	row, err := s.write(ctx, cur, res.Patch)
	if err != nil {
		transitions.WithLabelValues(string(cmd), result(err)).Inc()
		log.WithError(err).Warn("command write failed")
		return nil, err
	}
	transitions.WithLabelValues(string(cmd), "ok").Inc()
	log.WithFields(logrus.Fields{"from": res.From.String(), "to": res.To.String()}).Info("task transitioned")
	s.committed(ctx, row)
	return row, nil
}

// current returns the row a command acts on. id may be an occurrence key;
// writes always go to the template.
func (s *Service) current(ctx context.Context, id string) (*task.Task, error) {
	if s.opts.Cache != nil {
		if row, ok := s.opts.Cache.Lookup(id); ok {
			return &row, nil
		}
	}
	return s.tasks.Get(ctx, reconcile.BaseID(id))
}

func (s *Service) write(ctx context.Context, cur *task.Task, p task.Patch) (*task.Task, error) {
	if s.opts.ConditionalWrites {
		p.IfVersion = cur.Version
	}
	return s.tasks.Apply(ctx, cur.ID, p)
}

// committed updates the device board after a successful write.
func (s *Service) committed(ctx context.Context, row *task.Task) {
	c := s.opts.Cache
	if c == nil {
		return
	}
	c.Optimistic(*row)
	if err := c.Refresh(ctx); err != nil {
		s.log.WithError(err).WithField("task_id", row.ID).Warn("refresh after write failed")
	}
}

// actor resolves an assistant id into an actor allowed to touch t's clinic.
func (s *Service) actor(ctx context.Context, actorID string, t *task.Task, cmd lifecycle.Command) (authority.Actor, error) {
	deny := func(reason string) (authority.Actor, error) {
		return authority.Actor{}, &lifecycle.TransitionError{
			Command: cmd, TaskID: t.ID, From: lifecycle.StateOf(t), Actor: actorID, Reason: reason,
		}
	}
	if actorID == "" {
		return deny("no acting assistant")
	}
	a, err := s.staff.Get(ctx, actorID)
	if errors.Is(err, assistant.ErrNotFound) {
		return deny("unknown assistant")
	}
	if err != nil {
		return authority.Actor{}, fmt.Errorf("resolve assistant %s: %w", actorID, err)
	}
	if !a.IsActive {
		return deny("assistant is inactive")
	}
	if a.ClinicID != t.ClinicID {
		return deny("assistant belongs to another clinic")
	}
	return a.Actor(), nil
}

func (s *Service) checkAssignee(ctx context.Context, t *task.Task, cmd lifecycle.Command, actorID, target string) error {
	a, err := s.staff.Get(ctx, target)
	if err != nil && !errors.Is(err, assistant.ErrNotFound) {
		return fmt.Errorf("resolve assistant %s: %w", target, err)
	}
	if err != nil || !a.IsActive || a.ClinicID != t.ClinicID {
		return &lifecycle.TransitionError{
			Command: cmd, TaskID: t.ID, From: lifecycle.StateOf(t), Actor: actorID,
			Reason: "assistant " + target + " cannot take tasks in this clinic",
		}
	}
	return nil
}

func result(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return "rejected"
	case errors.Is(err, task.ErrNotFound):
		return "not_found"
	case errors.Is(err, task.ErrStaleWrite):
		return "stale"
	case errors.Is(err, task.ErrTransport):
		return "transport"
	}
	return "error"
}
