package rbac

import (
	"slices"
	"strings"
)

// Role is one of the fixed console roles. Roles are not totally ordered:
// admin is a universal override and the others are independently scoped.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// AllRoles lists every known role.
var AllRoles = []Role{RoleAdmin, RoleOwner, RoleEditor, RoleViewer}

var roleAliases = map[string]Role{
	"admin":    RoleAdmin,
	"owner":    RoleOwner,
	"manager":  RoleOwner,
	"editor":   RoleEditor,
	"operator": RoleEditor,
	"viewer":   RoleViewer,
}

// ParseRole normalises a role claim. Legacy names manager and operator map to
// owner and editor.
func ParseRole(s string) (Role, bool) {
	r, ok := roleAliases[strings.TrimSpace(strings.ToLower(s))]
	return r, ok
}

// Permission is a resource:action token.
type Permission string

const (
	PermSquadsCreate             Permission = "squads:create"
	PermSquadsRead               Permission = "squads:read"
	PermSquadsUpdate             Permission = "squads:update"
	PermSquadsDelete             Permission = "squads:delete"
	PermSquadsAddMembers         Permission = "squads:add_members"
	PermSquadsCreateInstructions Permission = "squads:create_instructions"

	PermProjectsCreate       Permission = "projects:create"
	PermProjectsRead         Permission = "projects:read"
	PermProjectsUpdate       Permission = "projects:update"
	PermProjectsDelete       Permission = "projects:delete"
	PermProjectsWrite        Permission = "projects:write"
	PermProjectsAttachSquads Permission = "projects:attach_squads"
	PermProjectsManageDocs   Permission = "projects:manage_docs"

	PermAgentsCreate Permission = "agents:create"
	PermAgentsRead   Permission = "agents:read"
	PermAgentsWrite  Permission = "agents:write"
	PermAgentsDelete Permission = "agents:delete"

	PermClientsCreate Permission = "clients:create"
	PermClientsRead   Permission = "clients:read"
	PermClientsWrite  Permission = "clients:write"
	PermClientsDelete Permission = "clients:delete"

	PermDashboardRead Permission = "dashboard:read"

	PermInstructionsCreate Permission = "instructions:create"
	PermInstructionsCancel Permission = "instructions:cancel"
	PermInstructionsView   Permission = "instructions:view"
)

// Resource returns the part before the colon.
func (p Permission) Resource() string {
	s := string(p)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// Action returns the part after the colon.
func (p Permission) Action() string {
	s := string(p)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// matrix maps each permission to the non-admin roles holding it
// unconditionally. Admin is never listed; the access combiner grants it.
var matrix = map[Permission][]Role{
	PermSquadsCreate:             nil,
	PermSquadsRead:               {RoleOwner, RoleEditor, RoleViewer},
	PermSquadsUpdate:             nil,
	PermSquadsDelete:             nil,
	PermSquadsAddMembers:         nil,
	PermSquadsCreateInstructions: nil,

	PermProjectsCreate:       {RoleOwner},
	PermProjectsRead:         {RoleOwner, RoleEditor, RoleViewer},
	PermProjectsUpdate:       nil,
	PermProjectsDelete:       nil,
	PermProjectsWrite:        {RoleOwner},
	PermProjectsAttachSquads: nil,
	PermProjectsManageDocs:   nil,

	PermAgentsCreate: nil,
	PermAgentsRead:   {RoleOwner, RoleEditor, RoleViewer},
	PermAgentsWrite:  {RoleOwner},
	PermAgentsDelete: nil,

	PermClientsCreate: nil,
	PermClientsRead:   {RoleOwner, RoleEditor, RoleViewer},
	PermClientsWrite:  {RoleOwner},
	PermClientsDelete: nil,

	PermDashboardRead: {RoleOwner, RoleEditor, RoleViewer},

	PermInstructionsCreate: nil,
	PermInstructionsCancel: nil,
	PermInstructionsView:   {RoleOwner, RoleEditor, RoleViewer},
}

// AllPermissions is the closed permission set.
var AllPermissions = func() []Permission {
	out := make([]Permission, 0, len(matrix))
	for p := range matrix {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}()

// Known reports whether p belongs to the permission set.
func Known(p Permission) bool {
	_, ok := matrix[p]
	return ok
}

// HasUnconditional reports whether role holds permission without any
// ownership condition. Unknown permissions and roles are never granted.
func HasUnconditional(role Role, permission Permission) bool {
	for _, r := range matrix[permission] {
		if r == role {
			return true
		}
	}
	return false
}

// RolesFor returns a copy of the roles holding permission unconditionally.
func RolesFor(permission Permission) []Role {
	roles := matrix[permission]
	if len(roles) == 0 {
		return nil
	}
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

// PermissionsFor lists what role holds without ownership conditions, sorted.
// Admin holds everything.
func PermissionsFor(role Role) []Permission {
	if role == RoleAdmin {
		return slices.Clone(AllPermissions)
	}
	var out []Permission
	for _, p := range AllPermissions {
		if HasUnconditional(role, p) {
			out = append(out, p)
		}
	}
	return out
}
