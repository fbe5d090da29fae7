// Package lifecycle validates and computes task state transitions.
//
// The machine never writes. Transition turns (row, command) into the partial
// update that moves the row to its next state; the caller decides whether and
// how to persist it.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"clinic-tasks/pkg/authority"
	"clinic-tasks/pkg/task"
)

// ErrInvalidTransition is matched by every guard failure.
var ErrInvalidTransition = errors.New("invalid transition")

// Phase is the coarse lifecycle position of a task.
type Phase string

const (
	Unclaimed  Phase = "unclaimed"
	Claimed    Phase = "claimed"
	InProgress Phase = "in-progress"
	Completed  Phase = "completed"
)

// State is a phase plus who it belongs to. By is empty for Unclaimed; At is
// set only for Completed.
type State struct {
	Phase Phase
	By    string
	At    time.Time
}

func (s State) String() string {
	switch s.Phase {
	case Unclaimed:
		return string(Unclaimed)
	case Completed:
		return fmt.Sprintf("%s(%s, %s)", s.Phase, s.By, s.At.Format(time.RFC3339))
	default:
		return fmt.Sprintf("%s(%s)", s.Phase, s.By)
	}
}

// StateOf derives the state of a stored row.
func StateOf(t *task.Task) State {
	switch {
	case t.Status == task.StatusCompleted:
		s := State{Phase: Completed, By: task.Deref(t.CompletedBy)}
		if t.CompletedAt != nil {
			s.At = *t.CompletedAt
		}
		return s
	case t.AssignedTo == nil:
		return State{Phase: Unclaimed}
	case t.Status == task.StatusInProgress:
		return State{Phase: InProgress, By: *t.AssignedTo}
	default:
		return State{Phase: Claimed, By: *t.AssignedTo}
	}
}

// Initial is the state of a freshly created task: owner-assigned tasks start
// claimed by their assignee without the assistant having acted.
func Initial(t *task.Task) State {
	if t.AssignedTo == nil {
		return State{Phase: Unclaimed}
	}
	return State{Phase: Claimed, By: *t.AssignedTo}
}

// Command names a lifecycle operation.
type Command string

const (
	Claim    Command = "claim"
	Start    Command = "start"
	Complete Command = "complete"
	Undo     Command = "undo"
	PutBack  Command = "put-back"
	Reassign Command = "reassign"
)

// Request is one command issued by an actor. Target is the new holder for
// Reassign and ignored otherwise.
type Request struct {
	Command Command
	Actor   authority.Actor
	Target  string
}

// TransitionError explains a rejected command.
type TransitionError struct {
	Command Command
	TaskID  string
	From    State
	Actor   string
	Reason  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s task %s by %s from %s: %s", e.Command, e.TaskID, e.Actor, e.From, e.Reason)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Result is the outcome of an accepted command. NoOp means the command was
// already in effect; Patch is then empty and nothing should be written.
type Result struct {
	From  State
	To    State
	Patch task.Patch
	NoOp  bool
}
