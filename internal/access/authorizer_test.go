package access

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"arka.dev/console/internal/audit"
	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/ownership"
	"arka.dev/console/internal/rbac"
)

type stubVerifier map[string]any

func (s stubVerifier) Verify(_ context.Context, raw string) (auth.Principal, error) {
	switch v := s[raw].(type) {
	case auth.Principal:
		return v, nil
	case error:
		return auth.Principal{}, v
	}
	return auth.Principal{}, auth.ErrInvalidCredential
}

type stubResolver struct {
	mu    sync.Mutex
	facts map[ownership.Resource]ownership.Facts
	calls int
	panic bool
}

func (s *stubResolver) Resolve(_ context.Context, res ownership.Resource, _ string) ownership.Facts {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panic {
		panic("resolver exploded")
	}
	return s.facts[res]
}

type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureRecorder) Record(ev audit.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureRecorder) all() []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Event, len(c.events))
	copy(out, c.events)
	return out
}

var (
	adminP  = auth.Principal{ID: "root", Role: rbac.RoleAdmin, SessionID: "s-admin"}
	ownerP  = auth.Principal{ID: "u1", Role: rbac.RoleOwner, SessionID: "s-owner"}
	editorP = auth.Principal{ID: "u1", Role: rbac.RoleEditor, Email: "ed@example.com", SessionID: "s-editor"}
	viewerP = auth.Principal{ID: "u3", Role: rbac.RoleViewer, SessionID: "s-viewer"}
)

func fixture() (*Authorizer, *stubResolver, *captureRecorder) {
	verifier := stubVerifier{
		"admin":   adminP,
		"owner":   ownerP,
		"editor":  editorP,
		"viewer":  viewerP,
		"revoked": auth.ErrRevokedCredential,
		"broken":  auth.ErrRevocationUnavailable,
		"garbage": auth.ErrInvalidCredential,
	}
	resolver := &stubResolver{facts: map[ownership.Resource]ownership.Facts{
		{Type: ownership.TypeProject, ID: "p1"}: {CreatedBy: "u1", SquadAssignments: []string{"s1"}},
		{Type: ownership.TypeProject, ID: "p2"}: {CreatedBy: "u2", ProjectMember: true},
		{Type: ownership.TypeProject, ID: "p9"}: {CreatedBy: "u2"},
		{Type: ownership.TypeSquad, ID: "s1"}:   {CreatedBy: "u2", ProjectAssignments: []string{"p1"}, SquadMember: true},
		{Type: ownership.TypeSquad, ID: "s2"}:   {CreatedBy: "u2"},
	}}
	rec := &captureRecorder{}
	return NewAuthorizer(verifier, resolver, rec), resolver, rec
}

func req(cred string) Request {
	return Request{Credential: cred, Method: http.MethodPost, Route: "/v1/test", IP: "10.0.0.1", TraceID: "trace-1"}
}

func perms(p ...rbac.Permission) rbac.Requirement { return rbac.RequirePermissions(p...) }

func project(id string) *ownership.Resource {
	return &ownership.Resource{Type: ownership.TypeProject, ID: id}
}

func squad(id string) *ownership.Resource {
	return &ownership.Resource{Type: ownership.TypeSquad, ID: id}
}

func TestAdminGetsEveryPermissionWithoutOwnershipLookup(t *testing.T) {
	a, resolver, _ := fixture()
	for _, perm := range rbac.AllPermissions {
		d := a.Authorize(context.Background(), req("admin"), perms(perm), project("p9"))
		if !d.Allow || d.Reason != ReasonAdmin {
			t.Fatalf("admin denied %s: %+v", perm, d)
		}
	}
	if resolver.calls != 0 {
		t.Fatalf("admin must not trigger ownership lookups, got %d", resolver.calls)
	}
}

func TestCredentialFailures(t *testing.T) {
	cases := []struct {
		cred   string
		reason Reason
		status int
	}{
		{"", ReasonMissingToken, http.StatusUnauthorized},
		{"   ", ReasonMissingToken, http.StatusUnauthorized},
		{"garbage", ReasonInvalidToken, http.StatusUnauthorized},
		{"unknown", ReasonInvalidToken, http.StatusUnauthorized},
		{"revoked", ReasonRevokedToken, http.StatusUnauthorized},
		{"broken", ReasonInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		a, resolver, rec := fixture()
		d := a.Authorize(context.Background(), req(tc.cred), perms(rbac.PermSquadsRead), squad("s1"))
		if d.Allow || d.Reason != tc.reason || d.Status != tc.status {
			t.Fatalf("%q: unexpected decision %+v", tc.cred, d)
		}
		if len(d.Required) != 0 {
			t.Fatalf("%q: credential failures must not echo requirements", tc.cred)
		}
		events := rec.all()
		if len(events) != 1 || events[0].StatusCode != tc.status || events[0].ErrorCode != string(tc.reason) {
			t.Fatalf("%q: expected exactly one audit entry, got %+v", tc.cred, events)
		}
		if resolver.calls != 0 {
			t.Fatalf("%q: resolver consulted", tc.cred)
		}
	}
}

func TestOwnerUpdatesOnlyOwnProject(t *testing.T) {
	a, _, _ := fixture()
	d := a.Authorize(context.Background(), req("owner"), perms(rbac.PermProjectsUpdate), project("p1"))
	if !d.Allow || d.Reason != ReasonOwnership {
		t.Fatalf("owner should update own project: %+v", d)
	}
	d = a.Authorize(context.Background(), req("owner"), perms(rbac.PermProjectsUpdate), project("p9"))
	if d.Allow || d.Status != http.StatusForbidden {
		t.Fatalf("owner must not update a foreign project: %+v", d)
	}
}

func TestScenarioEditorCreatesInstructionsInOwnSquad(t *testing.T) {
	a, _, _ := fixture()
	d := a.Authorize(context.Background(), req("editor"), perms(rbac.PermSquadsCreateInstructions), squad("s1"))
	if !d.Allow {
		t.Fatalf("expected allow, got %+v", d)
	}
	d = a.Authorize(context.Background(), req("editor"), perms(rbac.PermSquadsCreateInstructions), squad("s2"))
	if d.Allow {
		t.Fatalf("non-member must be denied, got %+v", d)
	}
}

func TestScenarioEditorCannotDeleteForeignProject(t *testing.T) {
	a, _, rec := fixture()
	d := a.Authorize(context.Background(), req("editor"), perms(rbac.PermProjectsDelete), project("p9"))
	if d.Allow || d.Status != http.StatusForbidden || d.Reason != ReasonForbidden {
		t.Fatalf("expected 403, got %+v", d)
	}
	if len(d.Required) != 1 || d.Required[0] != "projects:delete" {
		t.Fatalf("required permissions not echoed: %v", d.Required)
	}
	events := rec.all()
	if len(events) != 1 || events[0].StatusCode != http.StatusForbidden || events[0].PrincipalID != "u1" {
		t.Fatalf("unexpected audit entries %+v", events)
	}
}

func TestEditorProjectElevationExcludesDestructiveActions(t *testing.T) {
	a, _, _ := fixture()
	for _, perm := range []rbac.Permission{rbac.PermProjectsUpdate, rbac.PermProjectsWrite, rbac.PermProjectsManageDocs} {
		if d := a.Authorize(context.Background(), req("editor"), perms(perm), project("p2")); !d.Allow {
			t.Fatalf("assigned editor denied %s", perm)
		}
	}
	for _, perm := range []rbac.Permission{rbac.PermProjectsDelete, rbac.PermProjectsAttachSquads, rbac.PermProjectsCreate} {
		if d := a.Authorize(context.Background(), req("editor"), perms(perm), project("p2")); d.Allow {
			t.Fatalf("assigned editor allowed %s", perm)
		}
	}
}

func TestAllRequiredPermissionsMustPass(t *testing.T) {
	a, _, _ := fixture()
	d := a.Authorize(context.Background(), req("editor"), perms(rbac.PermProjectsUpdate, rbac.PermProjectsDelete), project("p2"))
	if d.Allow {
		t.Fatalf("AND semantics violated: %+v", d)
	}
	if len(d.Required) != 2 {
		t.Fatalf("expected both permissions echoed, got %v", d.Required)
	}
}

func TestNoResourceSkipsElevation(t *testing.T) {
	a, resolver, _ := fixture()
	d := a.Authorize(context.Background(), req("owner"), perms(rbac.PermProjectsUpdate), nil)
	if d.Allow || d.Status != http.StatusForbidden {
		t.Fatalf("expected deny without resource, got %+v", d)
	}
	if resolver.calls != 0 {
		t.Fatal("resolver must not run without a resource")
	}
}

func TestUnconditionalGrantNeedsNoFacts(t *testing.T) {
	a, resolver, _ := fixture()
	d := a.Authorize(context.Background(), req("viewer"), perms(rbac.PermProjectsRead, rbac.PermDashboardRead), project("unknown"))
	if !d.Allow || d.Reason != ReasonRole {
		t.Fatalf("viewer should read unconditionally: %+v", d)
	}
	if resolver.calls != 0 {
		t.Fatal("unconditional grants must not query ownership")
	}
}

func TestRoleRequirement(t *testing.T) {
	a, _, _ := fixture()
	need := rbac.RequireRoles(rbac.RoleOwner, rbac.RoleEditor)
	if d := a.Authorize(context.Background(), req("editor"), need, nil); !d.Allow {
		t.Fatalf("editor should pass: %+v", d)
	}
	d := a.Authorize(context.Background(), req("viewer"), need, nil)
	if d.Allow || d.Status != http.StatusForbidden || len(d.Required) != 2 {
		t.Fatalf("viewer should be forbidden: %+v", d)
	}
	if d := a.Authorize(context.Background(), req("admin"), rbac.RequireRoles(rbac.RoleViewer), nil); !d.Allow {
		t.Fatal("admin always satisfies role requirements")
	}
}

func TestAuthorizeIsIdempotent(t *testing.T) {
	a, _, _ := fixture()
	for _, tc := range []struct {
		cred string
		perm rbac.Permission
		res  *ownership.Resource
	}{
		{"owner", rbac.PermProjectsUpdate, project("p1")},
		{"owner", rbac.PermProjectsUpdate, project("p9")},
		{"editor", rbac.PermSquadsCreateInstructions, squad("s1")},
		{"revoked", rbac.PermSquadsRead, nil},
	} {
		first := a.Authorize(context.Background(), req(tc.cred), perms(tc.perm), tc.res)
		second := a.Authorize(context.Background(), req(tc.cred), perms(tc.perm), tc.res)
		if first.Allow != second.Allow || first.Reason != second.Reason || first.Status != second.Status {
			t.Fatalf("%s %s: decisions differ: %+v vs %+v", tc.cred, tc.perm, first, second)
		}
	}
}

func TestAllowedDecisionAuditedOnceOnComplete(t *testing.T) {
	a, _, rec := fixture()
	d := a.Authorize(context.Background(), req("owner"), perms(rbac.PermProjectsUpdate), project("p1"))
	if len(rec.all()) != 0 {
		t.Fatal("allowed decision must wait for the final status")
	}
	d.Complete(http.StatusNoContent)
	d.Complete(http.StatusOK)
	events := rec.all()
	if len(events) != 1 || events[0].StatusCode != http.StatusNoContent {
		t.Fatalf("expected one entry with 204, got %+v", events)
	}
	if events[0].SessionID != "s-owner" || events[0].TraceID != "trace-1" || events[0].IP != "10.0.0.1" {
		t.Fatalf("entry missing request context: %+v", events[0])
	}

	denied := a.Authorize(context.Background(), req(""), perms(rbac.PermProjectsUpdate), nil)
	denied.Complete(http.StatusOK)
	if n := len(rec.all()); n != 2 {
		t.Fatalf("Complete on a denial must be a no-op, entries=%d", n)
	}
}

func TestCompleteMarksServerErrors(t *testing.T) {
	a, _, rec := fixture()
	d := a.Authorize(context.Background(), req("viewer"), perms(rbac.PermAgentsRead), nil)
	d.Complete(http.StatusBadGateway)
	if ev := rec.all()[0]; ev.ErrorCode != string(ReasonInternalError) {
		t.Fatalf("expected internal_error code, got %q", ev.ErrorCode)
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	a, resolver, rec := fixture()
	resolver.panic = true
	d := a.Authorize(context.Background(), req("owner"), perms(rbac.PermProjectsUpdate), project("p1"))
	if d.Allow || d.Status != http.StatusInternalServerError || d.Reason != ReasonInternalError {
		t.Fatalf("expected 500, got %+v", d)
	}
	events := rec.all()
	if len(events) != 1 || events[0].ErrorCode != string(ReasonInternalError) || events[0].PrincipalID != "u1" {
		t.Fatalf("expected one internal_error entry, got %+v", events)
	}
}

func TestOwnershipFailureFailsClosed(t *testing.T) {
	src := ownership.SourceFunc(func(context.Context, ownership.Resource, string) (ownership.Facts, error) {
		return ownership.Facts{CreatedBy: "u1"}, errors.New("db down")
	})
	a := NewAuthorizer(stubVerifier{"owner": ownerP}, ownership.NewResolver(src, time.Second), nil)
	d := a.Authorize(context.Background(), req("owner"), perms(rbac.PermProjectsUpdate), project("p1"))
	if d.Allow || d.Status != http.StatusForbidden {
		t.Fatalf("expected fail-closed 403, got %+v", d)
	}
}

func TestScenarioRevokedSessionIsRejected(t *testing.T) {
	keys := auth.Keys{Current: []byte("k")}
	issuer, err := auth.NewIssuer(keys, time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	tok, err := issuer.Issue("u1", "", rbac.RoleAdmin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	revocations := auth.NewMemoryRevocations()
	verifier, err := auth.NewVerifier(keys, auth.WithRevocations(revocations))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	rec := &captureRecorder{}
	a := NewAuthorizer(verifier, nil, rec)

	if d := a.Authorize(context.Background(), req(tok.Token), perms(rbac.PermSquadsDelete), nil); !d.Allow {
		t.Fatalf("valid admin token denied: %+v", d)
	}
	if err := revocations.Revoke(context.Background(), auth.RevocationRecord{SessionID: tok.SessionID, ExpiresAt: tok.ExpiresAt}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	d := a.Authorize(context.Background(), req(tok.Token), perms(rbac.PermSquadsDelete), nil)
	if d.Allow || d.Status != http.StatusUnauthorized || d.Reason != ReasonRevokedToken {
		t.Fatalf("expected revoked_token, got %+v", d)
	}
	if events := rec.all(); len(events) != 1 || events[0].StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected a single 401 entry, got %+v", events)
	}
}
