package lifecycle

import (
	"errors"
	"testing"
	"time"

	"clinic-tasks/pkg/authority"
	"clinic-tasks/pkg/task"
)

var (
	alice = authority.Actor{ID: "A", Role: authority.Assistant}
	bob   = authority.Actor{ID: "B", Role: authority.Assistant}
	owner = authority.Actor{ID: "O", Role: authority.Owner}
)

var clock = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func newMachine() *Machine {
	return &Machine{Now: func() time.Time { return clock }}
}

func pending() task.Task {
	return task.Task{
		ID:         "t1",
		ClinicID:   "c1",
		Title:      "Sterilize trays",
		Priority:   task.PriorityHigh,
		Status:     task.StatusPending,
		DueType:    task.DueBeforeOpening,
		Recurrence: task.RecurNone,
		CreatedAt:  clock.Add(-time.Hour),
	}
}

func step(t *testing.T, m *Machine, tk task.Task, cmd Command, actor authority.Actor) task.Task {
	t.Helper()
	next, res, err := m.Next(tk, Request{Command: cmd, Actor: actor})
	if err != nil {
		t.Fatalf("%s by %s: %v", cmd, actor.ID, err)
	}
	if res.NoOp {
		t.Fatalf("%s by %s: unexpected no-op", cmd, actor.ID)
	}
	if err := next.Validate(); err != nil {
		t.Fatalf("%s by %s produced an invalid row: %v", cmd, actor.ID, err)
	}
	return next
}

func TestExampleWalkthrough(t *testing.T) {
	m := newMachine()

	tk := step(t, m, pending(), Claim, alice)
	if task.Deref(tk.AssignedTo) != "A" || task.Deref(tk.ClaimedBy) != "A" || tk.Status != task.StatusPending {
		t.Fatalf("after claim: %+v", tk)
	}
	if tk.AssignedAt == nil || !tk.AssignedAt.Equal(clock) {
		t.Errorf("assigned_at = %v, want %v", tk.AssignedAt, clock)
	}

	tk = step(t, m, tk, Start, alice)
	if tk.Status != task.StatusInProgress {
		t.Fatalf("after start: status %s", tk.Status)
	}

	tk = step(t, m, tk, Complete, alice)
	if tk.Status != task.StatusCompleted || task.Deref(tk.CompletedBy) != "A" || !tk.CompletedAt.Equal(clock) {
		t.Fatalf("after complete: %+v", tk)
	}

	tk = step(t, m, tk, Undo, alice)
	if tk.Status != task.StatusPending || tk.CompletedBy != nil || tk.CompletedAt != nil {
		t.Fatalf("after undo: %+v", tk)
	}
	if task.Deref(tk.AssignedTo) != "A" {
		t.Errorf("undo should keep the assignment, got %v", tk.AssignedTo)
	}
}

func TestClaimPutBackRoundTrip(t *testing.T) {
	m := newMachine()
	before := pending()
	tk := step(t, m, before, Claim, alice)
	tk = step(t, m, tk, PutBack, alice)

	if tk.AssignedTo != nil || tk.ClaimedBy != nil || tk.AssignedAt != nil {
		t.Errorf("put back left an assignment: %+v", tk)
	}
	if tk.Status != before.Status {
		t.Errorf("status = %s, want %s", tk.Status, before.Status)
	}
}

func TestCompleteUndoRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		prep   func(*task.Task)
		actor  authority.Actor
		holder string
		claim  string
	}{
		{"self claimed", func(tk *task.Task) {
			tk.AssignedTo, tk.ClaimedBy = task.Ref("A"), task.Ref("A")
		}, alice, "A", "A"},
		{"owner assigned", func(tk *task.Task) {
			tk.AssignedTo = task.Ref("A")
		}, alice, "A", ""},
		{"in progress", func(tk *task.Task) {
			tk.AssignedTo, tk.ClaimedBy = task.Ref("A"), task.Ref("A")
			tk.Status = task.StatusInProgress
		}, alice, "A", "A"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine()
			tk := pending()
			tc.prep(&tk)
			tk = step(t, m, tk, Complete, tc.actor)
			tk = step(t, m, tk, Undo, tc.actor)
			if tk.Status != task.StatusPending || tk.CompletedBy != nil || tk.CompletedAt != nil {
				t.Fatalf("after undo: %+v", tk)
			}
			if task.Deref(tk.AssignedTo) != tc.holder || task.Deref(tk.ClaimedBy) != tc.claim {
				t.Errorf("assignment = %v/%v, want %s/%s",
					task.Deref(tk.AssignedTo), task.Deref(tk.ClaimedBy), tc.holder, tc.claim)
			}
		})
	}
}

func TestGuardsRejectNonHolder(t *testing.T) {
	m := newMachine()
	claimed := pending()
	claimed.AssignedTo, claimed.ClaimedBy = task.Ref("A"), task.Ref("A")

	done := claimed.Clone()
	done.Status = task.StatusCompleted
	done.CompletedBy = task.Ref("A")
	done.CompletedAt = &clock

	cases := []struct {
		name string
		row  task.Task
		req  Request
	}{
		{"complete by other", claimed, Request{Command: Complete, Actor: bob}},
		{"start by other", claimed, Request{Command: Start, Actor: bob}},
		{"put back by other", claimed, Request{Command: PutBack, Actor: bob}},
		{"claim held task", claimed, Request{Command: Claim, Actor: bob}},
		{"undo by other", done, Request{Command: Undo, Actor: bob}},
		{"claim completed", done, Request{Command: Claim, Actor: alice}},
		{"put back completed", done, Request{Command: PutBack, Actor: alice}},
		{"start unclaimed", pending(), Request{Command: Start, Actor: alice}},
		{"complete unclaimed", pending(), Request{Command: Complete, Actor: owner}},
		{"reassign by assistant", claimed, Request{Command: Reassign, Actor: alice, Target: "B"}},
		{"reassign to nobody", claimed, Request{Command: Reassign, Actor: owner}},
		{"no actor", pending(), Request{Command: Claim}},
		{"unknown command", pending(), Request{Command: "archive", Actor: alice}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := tc.row
			res, err := m.Transition(&row, tc.req)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			var te *TransitionError
			if !errors.As(err, &te) || te.TaskID != "t1" || te.Command != tc.req.Command {
				t.Errorf("error details = %+v", te)
			}
			if !res.Patch.IsEmpty() {
				t.Error("rejected command returned a patch")
			}
		})
	}
}

func TestRepeatedCommandsAreNoOps(t *testing.T) {
	m := newMachine()
	claimed := step(t, m, pending(), Claim, alice)
	started := step(t, m, claimed, Start, alice)
	done := step(t, m, started, Complete, alice)
	back := step(t, m, claimed, PutBack, alice)

	cases := []struct {
		name string
		row  task.Task
		req  Request
	}{
		{"claim again", claimed, Request{Command: Claim, Actor: alice}},
		{"start again", started, Request{Command: Start, Actor: alice}},
		{"complete again", done, Request{Command: Complete, Actor: alice}},
		{"undo open task", claimed, Request{Command: Undo, Actor: alice}},
		{"put back again", back, Request{Command: PutBack, Actor: alice}},
		{"reassign to holder", claimed, Request{Command: Reassign, Actor: owner, Target: "A"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := tc.row
			res, err := m.Transition(&row, tc.req)
			if err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !res.NoOp || !res.Patch.IsEmpty() {
				t.Errorf("expected an empty no-op, got %+v", res)
			}
			if res.From != res.To {
				t.Errorf("no-op changed state %s -> %s", res.From, res.To)
			}
		})
	}
}

func TestElevatedRoleBypassesHolderGuard(t *testing.T) {
	m := newMachine()
	tk := step(t, m, pending(), Claim, alice)

	started := step(t, m, tk, Start, owner)
	if StateOf(&started) != (State{Phase: InProgress, By: "A"}) {
		t.Errorf("owner start should keep A as holder, got %s", StateOf(&started))
	}

	admin := authority.Actor{ID: "D", Role: authority.Admin}
	back := step(t, m, started, PutBack, admin)
	if StateOf(&back).Phase != Unclaimed {
		t.Errorf("forced put back left %s", StateOf(&back))
	}

	done := step(t, m, tk, Complete, owner)
	if task.Deref(done.CompletedBy) != "O" {
		t.Errorf("completed_by = %q, want the acting owner", task.Deref(done.CompletedBy))
	}
	reopened := step(t, m, done, Undo, admin)
	if StateOf(&reopened) != (State{Phase: Claimed, By: "A"}) {
		t.Errorf("undo by admin = %s", StateOf(&reopened))
	}
}

func TestReassignMovesHolder(t *testing.T) {
	m := newMachine()
	tk := step(t, m, pending(), Claim, alice)
	tk = step(t, m, tk, Start, alice)

	next, res, err := m.Next(tk, Request{Command: Reassign, Actor: owner, Target: "B"})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if res.To != (State{Phase: Claimed, By: "B"}) {
		t.Errorf("to = %s", res.To)
	}
	if task.Deref(next.AssignedTo) != "B" || next.ClaimedBy != nil || next.Status != task.StatusPending {
		t.Errorf("row after reassign: %+v", next)
	}
	if next.AssignedAt == nil || !next.AssignedAt.Equal(clock) {
		t.Errorf("assigned_at = %v", next.AssignedAt)
	}
	if err := next.Validate(); err != nil {
		t.Errorf("reassigned row invalid: %v", err)
	}
}

func TestStateOfAndInitial(t *testing.T) {
	tk := pending()
	if Initial(&tk) != (State{Phase: Unclaimed}) {
		t.Errorf("Initial(unassigned) = %s", Initial(&tk))
	}
	tk.AssignedTo = task.Ref("A")
	if Initial(&tk) != (State{Phase: Claimed, By: "A"}) {
		t.Errorf("Initial(assigned) = %s", Initial(&tk))
	}
	tk.Status = task.StatusCompleted
	tk.CompletedBy = task.Ref("B")
	tk.CompletedAt = &clock
	if got := StateOf(&tk); got.Phase != Completed || got.By != "B" || !got.At.Equal(clock) {
		t.Errorf("StateOf(completed) = %s", got)
	}
}

func TestCanDelete(t *testing.T) {
	if CanDelete(alice) {
		t.Error("assistants may not delete")
	}
	if !CanDelete(owner) {
		t.Error("owners may delete")
	}
}

// A device decides from its own view, but under last-write-wins the patch lands
// on whatever the row has become. The result must still be a valid row.
func TestPatchOverDivergedRowStaysValid(t *testing.T) {
	m := newMachine()
	claimedA := step(t, m, pending(), Claim, alice)
	completedA := step(t, m, claimedA, Complete, alice)
	inProgressA := step(t, m, claimedA, Start, alice)

	tests := []struct {
		name  string
		seen  task.Task
		cmd   Command
		actor authority.Actor
		row   task.Task
	}{
		{"claim over completed", pending(), Claim, bob, completedA},
		{"claim over in progress", pending(), Claim, bob, inProgressA},
		{"start over completed", claimedA, Start, alice, completedA},
		{"start over put back", claimedA, Start, alice, pending()},
		{"complete over put back", claimedA, Complete, alice, pending()},
		{"put back over completed", claimedA, PutBack, alice, completedA},
		{"undo over put back", completedA, Undo, alice, pending()},
		{"reassign over completed", pending(), Reassign, owner, completedA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Transition(&tt.seen, Request{Command: tt.cmd, Actor: tt.actor, Target: "B"})
			if err != nil {
				t.Fatalf("transition: %v", err)
			}
			got := tt.row.Clone()
			res.Patch.ApplyTo(&got)
			if err := got.Validate(); err != nil {
				t.Errorf("patch produced an invalid row: %v", err)
			}
			if StateOf(&got) != res.To {
				t.Errorf("state = %s, want %s", StateOf(&got), res.To)
			}
		})
	}
}
