package rbac

import (
	"slices"
	"testing"
)

func TestMatrixNeverListsAdmin(t *testing.T) {
	for _, p := range AllPermissions {
		if slices.Contains(RolesFor(p), RoleAdmin) {
			t.Fatalf("permission %s lists admin explicitly", p)
		}
		if HasUnconditional(RoleAdmin, p) {
			t.Fatalf("matrix grants admin %s; the override belongs to the combiner", p)
		}
	}
}

func TestHasUnconditional(t *testing.T) {
	cases := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermProjectsRead, true},
		{RoleOwner, PermProjectsCreate, true},
		{RoleOwner, PermProjectsUpdate, false},
		{RoleEditor, PermSquadsCreateInstructions, false},
		{RoleEditor, PermDashboardRead, true},
		{RoleViewer, PermClientsWrite, false},
		{RoleOwner, Permission("projects:explode"), false},
		{Role("root"), PermProjectsRead, false},
	}
	for _, tc := range cases {
		if got := HasUnconditional(tc.role, tc.perm); got != tc.want {
			t.Fatalf("HasUnconditional(%s, %s)=%v, want %v", tc.role, tc.perm, got, tc.want)
		}
	}
}

func TestAllPermissionsSortedAndKnown(t *testing.T) {
	if !slices.IsSorted(AllPermissions) {
		t.Fatalf("expected sorted permissions: %v", AllPermissions)
	}
	for _, p := range AllPermissions {
		if !Known(p) {
			t.Fatalf("permission %s not known", p)
		}
		if p.Resource() == "" || p.Action() == "" {
			t.Fatalf("permission %s is not resource:action", p)
		}
	}
	if Known("squads:fly") {
		t.Fatal("unexpected permission reported as known")
	}
}

func TestParseRoleAliases(t *testing.T) {
	cases := map[string]Role{
		"admin":     RoleAdmin,
		" Manager ": RoleOwner,
		"operator":  RoleEditor,
		"EDITOR":    RoleEditor,
		"viewer":    RoleViewer,
	}
	for in, want := range cases {
		got, ok := ParseRole(in)
		if !ok || got != want {
			t.Fatalf("ParseRole(%q)=%q,%v want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseRole("superuser"); ok {
		t.Fatal("expected unknown role to be rejected")
	}
}

func TestRequirementsDedupe(t *testing.T) {
	req := RequirePermissions(PermProjectsRead, PermProjectsRead, PermProjectsUpdate)
	if got := req.Strings(); !slices.Equal(got, []string{"projects:read", "projects:update"}) {
		t.Fatalf("unexpected permissions: %v", got)
	}
	roles := RequireRoles(RoleOwner, RoleOwner, RoleEditor)
	if !roles.Has(RoleEditor) || roles.Has(RoleViewer) {
		t.Fatalf("unexpected roles: %v", roles.Roles)
	}
	if len(AnyRole().Roles) != len(AllRoles) {
		t.Fatal("AnyRole must cover every role")
	}
}

func TestPermissionsFor(t *testing.T) {
	if got := PermissionsFor(RoleAdmin); len(got) != len(AllPermissions) {
		t.Fatalf("admin should hold all %d permissions, got %d", len(AllPermissions), len(got))
	}
	viewer := PermissionsFor(RoleViewer)
	if !slices.Contains(viewer, PermProjectsRead) || slices.Contains(viewer, PermProjectsWrite) {
		t.Fatalf("unexpected viewer permissions %v", viewer)
	}
	if !slices.IsSorted(viewer) {
		t.Fatalf("permissions not sorted: %v", viewer)
	}
}
