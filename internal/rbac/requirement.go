package rbac

// Requirement is what a protected route demands of its caller. The two
// shapes are chosen at the call site: RequireRoles or RequirePermissions.
type Requirement interface {
	// Strings lists the required roles or permissions for diagnostics.
	Strings() []string
	isRequirement()
}

// RoleRequirement is satisfied when the caller holds any of Roles.
type RoleRequirement struct {
	Roles []Role
}

// PermissionRequirement is satisfied when the caller holds all of Permissions.
type PermissionRequirement struct {
	Permissions []Permission
}

// RequireRoles builds a requirement satisfied by any of the given roles.
// Admin always satisfies it.
func RequireRoles(roles ...Role) RoleRequirement {
	out := make([]Role, 0, len(roles))
	seen := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return RoleRequirement{Roles: out}
}

// RequirePermissions builds a requirement needing every listed permission.
func RequirePermissions(perms ...Permission) PermissionRequirement {
	out := make([]Permission, 0, len(perms))
	seen := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return PermissionRequirement{Permissions: out}
}

// AnyRole is satisfied by every authenticated caller.
func AnyRole() RoleRequirement {
	return RequireRoles(AllRoles...)
}

func (r RoleRequirement) Strings() []string {
	out := make([]string, len(r.Roles))
	for i, role := range r.Roles {
		out[i] = string(role)
	}
	return out
}

func (r PermissionRequirement) Strings() []string {
	out := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		out[i] = string(p)
	}
	return out
}

// Has reports whether role is listed.
func (r RoleRequirement) Has(role Role) bool {
	for _, candidate := range r.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

func (RoleRequirement) isRequirement()       {}
func (PermissionRequirement) isRequirement() {}
