package lifecycle

import (
	"time"

	"clinic-tasks/pkg/authority"
	"clinic-tasks/pkg/task"
)

// Machine applies the transition table. The zero value uses the wall clock.
type Machine struct {
	Now func() time.Time
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().Truncate(time.Microsecond)
}

// Transition checks req against t's current state and returns the update that
// performs it. Guard failures return a *TransitionError; commands that are
// already in effect succeed with NoOp set.
func (m *Machine) Transition(t *task.Task, req Request) (Result, error) {
	from := StateOf(t)
	c := call{t: t, req: req, from: from}
	if req.Actor.ID == "" {
		return c.reject("no acting assistant")
	}
	switch req.Command {
	case Claim:
		return m.claim(c)
	case Start:
		return m.start(c)
	case Complete:
		return m.complete(c)
	case Undo:
		return m.undo(c)
	case PutBack:
		return m.putBack(c)
	case Reassign:
		return m.reassign(c)
	}
	return c.reject("unknown command")
}

// Next is Transition followed by applying the patch to a copy of t, giving the
// row a successful write would produce.
func (m *Machine) Next(t task.Task, req Request) (task.Task, Result, error) {
	res, err := m.Transition(&t, req)
	if err != nil {
		return t, res, err
	}
	next := t.Clone()
	res.Patch.ApplyTo(&next)
	return next, res, nil
}

type call struct {
	t    *task.Task
	req  Request
	from State
}

func (c call) actor() authority.Actor { return c.req.Actor }

func (c call) reject(reason string) (Result, error) {
	return Result{}, &TransitionError{
		Command: c.req.Command,
		TaskID:  c.t.ID,
		From:    c.from,
		Actor:   c.req.Actor.ID,
		Reason:  reason,
	}
}

func (c call) noop() (Result, error) {
	return Result{From: c.from, To: c.from, NoOp: true}, nil
}

func (m *Machine) claim(c call) (Result, error) {
	switch c.from.Phase {
	case Unclaimed:
		now := m.now()
		status := task.StatusPending
		return Result{
			From: c.from,
			To:   State{Phase: Claimed, By: c.actor().ID},
			Patch: task.Patch{
				Status:      &status,
				AssignedTo:  task.To(c.actor().ID),
				ClaimedBy:   task.To(c.actor().ID),
				AssignedAt:  task.To(now),
				CompletedBy: task.Null[string](),
				CompletedAt: task.Null[time.Time](),
			},
		}, nil
	case Claimed, InProgress:
		if c.from.By == c.actor().ID {
			return c.noop()
		}
		return c.reject("already held by " + c.from.By)
	}
	return c.reject("task is completed")
}

func (m *Machine) start(c call) (Result, error) {
	switch c.from.Phase {
	case Claimed:
		if !c.actor().ActsFor(c.from.By) {
			return c.reject("only the holder may start it")
		}
		status := task.StatusInProgress
		return Result{
			From: c.from,
			To:   State{Phase: InProgress, By: c.from.By},
			Patch: task.Patch{
				Status:      &status,
				AssignedTo:  task.To(c.from.By),
				ClaimedBy:   nullable(c.t.ClaimedBy),
				CompletedBy: task.Null[string](),
				CompletedAt: task.Null[time.Time](),
			},
		}, nil
	case InProgress:
		if c.actor().ActsFor(c.from.By) {
			return c.noop()
		}
		return c.reject("only the holder may start it")
	case Unclaimed:
		return c.reject("task is unclaimed")
	}
	return c.reject("task is completed")
}

func (m *Machine) complete(c call) (Result, error) {
	switch c.from.Phase {
	case Claimed, InProgress:
		if !c.actor().ActsFor(c.from.By) {
			return c.reject("only the holder may complete it")
		}
		now := m.now()
		status := task.StatusCompleted
		return Result{
			From: c.from,
			To:   State{Phase: Completed, By: c.actor().ID, At: now},
			Patch: task.Patch{
				Status:      &status,
				AssignedTo:  task.To(c.from.By),
				ClaimedBy:   nullable(c.t.ClaimedBy),
				CompletedBy: task.To(c.actor().ID),
				CompletedAt: task.To(now),
			},
		}, nil
	case Completed:
		if c.from.By == c.actor().ID {
			return c.noop()
		}
		return c.reject("already completed by " + c.from.By)
	}
	return c.reject("task is unclaimed")
}

func (m *Machine) undo(c call) (Result, error) {
	holder := c.t.Holder()
	if c.from.Phase != Completed {
		if c.actor().ActsFor(holder) {
			return c.noop()
		}
		return c.reject("task is not completed")
	}
	if c.from.By != c.actor().ID && !c.actor().ActsFor(holder) {
		return c.reject("only the holder or completer may undo it")
	}
	to := State{Phase: Unclaimed}
	if holder != "" {
		to = State{Phase: Claimed, By: holder}
	}
	status := task.StatusPending
	return Result{
		From: c.from,
		To:   to,
		Patch: task.Patch{
			Status:      &status,
			AssignedTo:  nullable(c.t.AssignedTo),
			ClaimedBy:   nullable(c.t.ClaimedBy),
			CompletedBy: task.Null[string](),
			CompletedAt: task.Null[time.Time](),
		},
	}, nil
}

func (m *Machine) putBack(c call) (Result, error) {
	switch c.from.Phase {
	case Unclaimed:
		return c.noop()
	case Claimed, InProgress:
		if c.from.By != c.actor().ID && !c.actor().Allows(authority.ForcePutBack) {
			return c.reject("only the holder may put it back")
		}
		status := task.StatusPending
		return Result{
			From: c.from,
			To:   State{Phase: Unclaimed},
			Patch: task.Patch{
				Status:     &status,
				AssignedTo:  task.Null[string](),
				ClaimedBy:   task.Null[string](),
				AssignedAt:  task.Null[time.Time](),
				CompletedBy: task.Null[string](),
				CompletedAt: task.Null[time.Time](),
			},
		}, nil
	}
	return c.reject("task is completed; undo it first")
}

func (m *Machine) reassign(c call) (Result, error) {
	if !c.actor().Allows(authority.Reassign) {
		return c.reject("reassigning requires an owner or admin")
	}
	if c.req.Target == "" {
		return c.reject("no assistant to reassign to")
	}
	if c.from.Phase == Claimed && c.from.By == c.req.Target {
		return c.noop()
	}
	now := m.now()
	status := task.StatusPending
	return Result{
		From: c.from,
		To:   State{Phase: Claimed, By: c.req.Target},
		Patch: task.Patch{
			Status:      &status,
			AssignedTo:  task.To(c.req.Target),
			ClaimedBy:   task.Null[string](),
			AssignedAt:  task.To(now),
			CompletedBy: task.Null[string](),
			CompletedAt: task.Null[time.Time](),
		},
	}, nil
}

// nullable writes the column as the command saw it.
func nullable(v *string) task.Nullable[string] {
	if v == nil {
		return task.Null[string]()
	}
	return task.To(*v)
}

// CanDelete reports whether actor may delete a task outright.
func CanDelete(actor authority.Actor) bool {
	return actor.Allows(authority.Delete)
}
