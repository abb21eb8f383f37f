package auth

import (
	"fmt"
	"strings"
)

// RoleName is one of the system role names. The set is closed; permissions,
// by contrast, are open strings.
type RoleName string

const (
	RoleAdmin      RoleName = "ADMIN"
	RoleInstructor RoleName = "INSTRUCTOR"
	RoleParent     RoleName = "PARENT"
	RoleRider      RoleName = "RIDER"
)

// SystemRoles lists every role seeded at startup, in seeding order.
var SystemRoles = []Role{
	{Name: RoleAdmin, Description: "Administrator", Unrestricted: true},
	{Name: RoleInstructor, Description: "Instructor"},
	{Name: RoleParent, Description: "Parent"},
	{Name: RoleRider, Description: "Student Rider"},
}

// ParseRoleName accepts a role name in any case.
func ParseRoleName(s string) (RoleName, error) {
	name := RoleName(strings.ToUpper(strings.TrimSpace(s)))
	for _, r := range SystemRoles {
		if r.Name == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Unrestricted reports whether the role short-circuits to every known permission.
func (r RoleName) Unrestricted() bool {
	for _, role := range SystemRoles {
		if role.Name == r {
			return role.Unrestricted
		}
	}
	return false
}

const (
	PermRidersCreate       = "riders:create"
	PermRidersEdit         = "riders:edit"
	PermRidersDelete       = "riders:delete"
	PermRidersView         = "riders:view"
	PermGradesSignoff      = "grades:signoff"
	PermGradesViewHistory  = "grades:view_history"
	PermStaffInvite        = "staff:invite"
	PermStaffManageRoles   = "staff:manage_roles"
	PermSchoolEditSettings = "school:edit_settings"
)

// BuiltinPermissions is the seeded permission catalog.
var BuiltinPermissions = []Permission{
	{Name: PermRidersCreate, Description: "Create new riders"},
	{Name: PermRidersEdit, Description: "Edit existing riders"},
	{Name: PermRidersDelete, Description: "Delete riders"},
	{Name: PermRidersView, Description: "View riders"},
	{Name: PermGradesSignoff, Description: "Sign off rider grades"},
	{Name: PermGradesViewHistory, Description: "View rider progression history"},
	{Name: PermStaffInvite, Description: "Invite new staff"},
	{Name: PermStaffManageRoles, Description: "Manage staff roles"},
	{Name: PermSchoolEditSettings, Description: "Edit school settings"},
}

// DefaultRolePermissions maps restricted roles to their seeded permissions.
// Unrestricted roles are linked to the whole catalog instead.
var DefaultRolePermissions = map[RoleName][]string{
	RoleInstructor: {PermRidersView, PermGradesSignoff, PermGradesViewHistory},
	RoleParent:     {PermRidersView, PermGradesViewHistory},
	RoleRider:      nil,
}

// ValidPermissionName reports whether name has the resource:action shape.
func ValidPermissionName(name string) bool {
	resource, action, ok := strings.Cut(name, ":")
	return ok && resource != "" && action != "" && !strings.ContainsAny(name, " \t\n")
}

func permissionNames(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Name)
	}
	return out
}
