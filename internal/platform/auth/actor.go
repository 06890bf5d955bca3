package auth

import (
	"context"
	"strings"
)

// Clinic roles. Physicians are dokter and superadmin; every other role is
// front-desk or cashier staff.
const (
	RoleDokter     = "dokter"
	RoleSuperadmin = "superadmin"
	RoleBidan      = "bidan"
	RoleKasir      = "kasir"
	RoleAdmin      = "admin"
)

var physicianRoles = map[string]bool{RoleDokter: true, RoleSuperadmin: true}

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// IsPhysician reports whether the actor may confirm billings and resolve
// revision requests.
func (a Actor) IsPhysician() bool {
	for _, r := range a.Roles {
		if physicianRoles[strings.ToLower(r)] {
			return true
		}
	}
	return false
}

// DisplayName falls back to the id when no name claim was present.
func (a Actor) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.ID != "" {
		return a.ID
	}
	return "Staff"
}

// PrimaryRole is the first role, used for inbox routing.
func (a Actor) PrimaryRole() string {
	if len(a.Roles) == 0 {
		return ""
	}
	return strings.ToLower(a.Roles[0])
}

// ActorFromContext assembles the actor set by the auth middleware.
func ActorFromContext(ctx context.Context) Actor {
	return Actor{
		ID:    UserIDFromContext(ctx),
		Name:  UserNameFromContext(ctx),
		Roles: RolesFromContext(ctx),
	}
}

// WithActor stores an actor on ctx. Used by background work that acts on
// behalf of a session owner.
func WithActor(ctx context.Context, a Actor) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, a.ID)
	ctx = context.WithValue(ctx, UserNameKey, a.Name)
	return context.WithValue(ctx, UserRolesKey, a.Roles)
}
