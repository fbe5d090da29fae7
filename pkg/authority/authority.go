// Package authority decides who may act on a task beyond being its holder.
package authority

// Role is a staff member's privilege level within a clinic.
type Role string

const (
	Owner     Role = "owner"
	Admin     Role = "admin"
	Assistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case Owner, Admin, Assistant:
		return true
	}
	return false
}

// Elevated reports whether r may bypass holder guards.
func (r Role) Elevated() bool {
	return r == Owner || r == Admin
}

// Action names an operation that is restricted to elevated roles.
type Action string

const (
	Reassign     Action = "reassign"
	Delete       Action = "delete"
	ForcePutBack Action = "force-put-back"
	Create       Action = "create"
	RemoveStaff  Action = "remove-staff"
)

// Actor is whoever issues a command.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Elevated reports whether the actor holds an owner or admin role.
func (a Actor) Elevated() bool {
	return a.Role.Elevated()
}

// Allows reports whether the actor may perform a restricted action.
func (a Actor) Allows(action Action) bool {
	switch action {
	case Reassign, Delete, ForcePutBack, Create, RemoveStaff:
		return a.Elevated()
	}
	return false
}

// ActsFor reports whether the actor may advance a task held by holder:
// the holder themself, or any elevated role.
func (a Actor) ActsFor(holder string) bool {
	return (holder != "" && a.ID == holder) || a.Elevated()
}
