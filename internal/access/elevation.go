package access

import (
	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/ownership"
	"arka.dev/console/internal/rbac"
)

// elevates reports whether ownership facts grant perm on res to a principal
// whose role lacks it unconditionally. Elevation only ever adds.
//
// Owners act on squads they belong to and on projects and instructions they
// created (instructions also cascade from the project's creator). Editors
// create instructions in squads they belong to and edit, but never delete,
// re-attach or create, projects they are assigned to.
func elevates(p auth.Principal, perm rbac.Permission, res ownership.Resource, f ownership.Facts) bool {
	switch p.Role {
	case rbac.RoleOwner:
		switch perm.Resource() {
		case "squads":
			return res.Type == ownership.TypeSquad && f.SquadMember
		case "projects":
			return res.Type == ownership.TypeProject && f.CreatedBy == p.ID
		case "instructions":
			return (res.Type == ownership.TypeInstruction || res.Type == ownership.TypeProject) && f.CreatedByPrincipal(p.ID)
		}
	case rbac.RoleEditor:
		switch perm {
		case rbac.PermSquadsCreateInstructions, rbac.PermInstructionsCreate:
			return res.Type == ownership.TypeSquad && f.SquadMember
		case rbac.PermProjectsRead, rbac.PermProjectsUpdate, rbac.PermProjectsWrite, rbac.PermProjectsManageDocs:
			return res.Type == ownership.TypeProject && f.ProjectMember
		}
	}
	return false
}
