// Package actor identifies who is performing an operation. Every
// mutating call in the lifecycle takes an Actor so ownership and role
// checks live next to the state transition they guard.
package actor

import "errors"

// Role distinguishes the two sides of the marketplace.
type Role string

const (
	RoleUser     Role = "USER"
	RoleWorkshop Role = "WORKSHOP"
	RoleAdmin    Role = "ADMIN"
)

// ErrForbidden is returned when an actor is not allowed to perform an
// operation on a resource it does not own.
var ErrForbidden = errors.New("forbidden")

// Actor is the authenticated principal behind a request.
type Actor struct {
	ID   string
	Role Role
}

// User returns an Actor with the USER role.
func User(id string) Actor { return Actor{ID: id, Role: RoleUser} }

// Workshop returns an Actor with the WORKSHOP role.
func Workshop(id string) Actor { return Actor{ID: id, Role: RoleWorkshop} }

// Admin returns an Actor with the ADMIN role.
func Admin(id string) Actor { return Actor{ID: id, Role: RoleAdmin} }

// IsUser reports whether the actor acts as a vehicle owner.
func (a Actor) IsUser() bool { return a.Role == RoleUser }

// IsWorkshop reports whether the actor acts as a workshop.
func (a Actor) IsWorkshop() bool { return a.Role == RoleWorkshop }

// Owns reports whether the actor's ID matches ownerID.
func (a Actor) Owns(ownerID string) bool { return a.ID == ownerID }
