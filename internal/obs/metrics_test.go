package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                               "/",
		"/metrics":                       "/metrics",
		"/v1/projects/p-1":               "/v1/projects/:id",
		"/v1/projects/p-1/extra":         "/v1/projects/p-1/extra",
		"/v1/squads/s1/instructions":     "/v1/squads/:id/instructions",
		"/v1/squads/s1/instructions?x=1": "/v1/squads/:id/instructions",
		"/v1/admin/audit/users/u1":       "/v1/admin/audit/users/:id",
		"/v1/admin/sessions/01HZ/revoke": "/v1/admin/sessions/:id/revoke",
		"/v1/auth/login":                 "/v1/auth/login",
		"/v1/instructions/i9/cancel":     "/v1/instructions/:id/cancel",
		"/v1/admin/audit/purge":          "/v1/admin/audit/purge",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
