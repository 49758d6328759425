package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractCredentialOrder(t *testing.T) {
	cases := []struct {
		name    string
		cookies map[string]string
		header  string
		want    string
		wantErr error
	}{
		{name: "access cookie wins", cookies: map[string]string{AccessCookie: "a", LegacyAccessCookie: "b"}, header: "Bearer c", want: "a"},
		{name: "legacy cookie", cookies: map[string]string{LegacyAccessCookie: "b"}, header: "Bearer c", want: "b"},
		{name: "empty cookie falls through", cookies: map[string]string{AccessCookie: " "}, header: "Bearer c", want: "c"},
		{name: "bearer header", header: "bearer   c ", want: "c"},
		{name: "basic auth ignored", header: "Basic Zm9vOmJhcg==", wantErr: ErrMissingCredential},
		{name: "empty bearer", header: "Bearer ", wantErr: ErrMissingCredential},
		{name: "nothing", wantErr: ErrMissingCredential},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/squads/s1", nil)
		for name, value := range tc.cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		got, err := ExtractCredential(req)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s: expected %v, got %v (%q)", tc.name, tc.wantErr, err, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %q, %v; want %q", tc.name, got, err, tc.want)
		}
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := PrincipalFromContext(req.Context()); ok {
		t.Fatal("expected no principal on a fresh context")
	}
	ctx := ContextWithPrincipal(req.Context(), Principal{ID: "u1", Role: "admin", SessionID: "s1"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.ID != "u1" || !p.IsAdmin() {
		t.Fatalf("unexpected principal %+v (ok=%v)", p, ok)
	}
}
