package auth

import "context"

type principalKey struct{}

// ContextWithPrincipal returns a copy of ctx carrying the verified caller.
// Only the access guard should call it.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller placed by the access guard. A
// principal without an id or session counts as absent.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.ID == "" || p.SessionID == "" {
		return Principal{}, false
	}
	return p, true
}
