package rbac

import "fmt"

// Role is the ledger role of a user. Roles are ordered by privilege:
// admin > manager > cashier.
type Role string

const (
	// RoleAdmin may mutate stock at any location.
	RoleAdmin Role = "admin"
	// RoleManager may mutate stock at their own location.
	RoleManager Role = "manager"
	// RoleCashier may only decrease stock at their own location.
	RoleCashier Role = "cashier"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleCashier:
		return true
	}
	return false
}

// ParseRole converts a stored role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("rbac: unknown role %q", s)
	}
	return r, nil
}

// ActorKind labels who performed a mutation in the movement log.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorSystem ActorKind = "system"
)

// Principal describes the actor of a ledger mutation. The concrete types are
// User and System; the policy refuses anything else.
type Principal interface {
	GetID() int64
	IsSuperUser() bool
	Kind() ActorKind
}

// User is an authenticated person bound to a home location.
type User struct {
	ID         int64
	Role       Role
	LocationID int64
}

// GetID returns the user id.
func (u User) GetID() int64 { return u.ID }

// IsSuperUser reports whether the user is an admin.
func (u User) IsSuperUser() bool { return u.Role == RoleAdmin }

// Kind returns ActorUser.
func (u User) Kind() ActorKind { return ActorUser }

// System is an internal operation (order lifecycle, scheduled job) acting on
// behalf of a user. It carries no role; the operation name is what gets audited.
type System struct {
	Operation  string
	OnBehalfOf int64
}

// GetID returns the id of the user the operation acts for.
func (s System) GetID() int64 { return s.OnBehalfOf }

// IsSuperUser is false: system capability is granted by type, not by role.
func (s System) IsSuperUser() bool { return false }

// Kind returns ActorSystem.
func (s System) Kind() ActorKind { return ActorSystem }

// OperationOf returns the operation name of a system principal and "" otherwise.
func OperationOf(p Principal) string {
	if s, ok := p.(System); ok {
		return s.Operation
	}
	return ""
}
