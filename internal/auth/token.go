package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"arka.dev/console/internal/ids"
	"arka.dev/console/internal/rbac"
)

const (
	DefaultIssuer        = "arka-console"
	DefaultKeyID         = "arka-2025-09"
	DefaultAccessTTL     = 2 * time.Hour
	DefaultLookupTimeout = 2 * time.Second

	clockSkew = 60 * time.Second
)

// Keys holds the HMAC signing material. Previous, when set, is still accepted
// for verification so that a secret can be rotated without logging everyone
// out. Tokens name their key in the kid header: KeyID selects Current and
// PreviousKeyID selects Previous. With no PreviousKeyID the old secret is
// tried under KeyID as well.
type Keys struct {
	KeyID         string
	Current       []byte
	PreviousKeyID string
	Previous      []byte
	Issuer        string
}

func (k Keys) normalized() (Keys, error) {
	if len(k.Current) == 0 {
		return Keys{}, errors.New("auth: signing secret is not configured")
	}
	k.KeyID = strings.TrimSpace(k.KeyID)
	if k.KeyID == "" {
		k.KeyID = DefaultKeyID
	}
	k.PreviousKeyID = strings.TrimSpace(k.PreviousKeyID)
	if len(k.Previous) == 0 {
		k.PreviousKeyID = ""
	}
	if strings.TrimSpace(k.Issuer) == "" {
		k.Issuer = DefaultIssuer
	}
	return k, nil
}

// Claims are the JWT claims carried by console access tokens. The session id
// travels as the registered jti claim.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// IssuedToken is a freshly minted access token.
type IssuedToken struct {
	Token     string
	SessionID string
	ExpiresAt time.Time
}

// Issuer mints access tokens.
type Issuer struct {
	keys Keys
	ttl  time.Duration
	now  func() time.Time
}

// NewIssuer builds an Issuer. A non-positive ttl falls back to DefaultAccessTTL.
func NewIssuer(keys Keys, ttl time.Duration) (*Issuer, error) {
	keys, err := keys.normalized()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	return &Issuer{keys: keys, ttl: ttl, now: time.Now}, nil
}

// TTL reports the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs an HS256 access token for the user with a new session id.
func (i *Issuer) Issue(userID, email string, role rbac.Role) (IssuedToken, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return IssuedToken{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if _, ok := rbac.ParseRole(string(role)); !ok {
		return IssuedToken{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	now := i.now().UTC()
	sessionID := ids.New()
	exp := now.Add(i.ttl)
	claims := Claims{
		Email: strings.TrimSpace(strings.ToLower(email)),
		Role:  string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.keys.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        sessionID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = i.keys.KeyID
	signed, err := token.SignedString(i.keys.Current)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}
	return IssuedToken{Token: signed, SessionID: sessionID, ExpiresAt: exp}, nil
}

// Verifier checks access tokens and consults the revocation store.
type Verifier struct {
	keys        Keys
	revocations RevocationChecker
	timeout     time.Duration
	now         func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithRevocations sets the revocation store consulted after signature checks.
func WithRevocations(rc RevocationChecker) VerifierOption {
	return func(v *Verifier) { v.revocations = rc }
}

// WithLookupTimeout bounds the revocation lookup.
func WithLookupTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier builds a Verifier for keys.
func NewVerifier(keys Keys, opts ...VerifierOption) (*Verifier, error) {
	keys, err := keys.normalized()
	if err != nil {
		return nil, err
	}
	v := &Verifier{keys: keys, timeout: DefaultLookupTimeout, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Parse checks structure, signature, issuer and expiry in one pass and
// returns the session. It does not consult the revocation store.
func (v *Verifier) Parse(raw string) (Session, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Session{}, ErrMissingCredential
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		claims, err := v.parseWith(raw, attempt)
		if err == nil {
			return sessionFromClaims(claims)
		}
		if errors.Is(err, errKeysExhausted) {
			break
		}
		lastErr = err
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	return Session{}, fmt.Errorf("%w: %v", ErrInvalidCredential, lastErr)
}

// Verify parses raw and then checks that its session has not been revoked.
func (v *Verifier) Verify(ctx context.Context, raw string) (Principal, error) {
	session, err := v.Parse(raw)
	if err != nil {
		return Principal{}, err
	}
	if v.revocations == nil {
		return session.Principal, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	revoked, err := v.revocations.IsRevoked(lookupCtx, session.Principal.SessionID)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	if revoked {
		return Principal{}, ErrRevokedCredential
	}
	return session.Principal, nil
}

var errKeysExhausted = errors.New("no further key to try")

// secretsFor lists the secrets a token with this kid may be signed with, in
// the order they are tried. nil means the kid is not ours.
func (v *Verifier) secretsFor(kid string) [][]byte {
	k := v.keys
	switch {
	case kid == "" || kid == k.KeyID:
		out := [][]byte{k.Current}
		if len(k.Previous) > 0 && (kid == "" || k.PreviousKeyID == "" || k.PreviousKeyID == k.KeyID) {
			out = append(out, k.Previous)
		}
		return out
	case kid == k.PreviousKeyID && len(k.Previous) > 0:
		return [][]byte{k.Previous}
	}
	return nil
}

func (v *Verifier) parseWith(raw string, attempt int) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.keys.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(v.now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		secrets := v.secretsFor(kid)
		if secrets == nil {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		if attempt >= len(secrets) {
			return nil, errKeysExhausted
		}
		return secrets[attempt], nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func sessionFromClaims(c *Claims) (Session, error) {
	if strings.TrimSpace(c.Subject) == "" {
		return Session{}, fmt.Errorf("%w: subject missing", ErrInvalidCredential)
	}
	if strings.TrimSpace(c.ID) == "" {
		return Session{}, fmt.Errorf("%w: session id missing", ErrInvalidCredential)
	}
	role, ok := rbac.ParseRole(c.Role)
	if !ok {
		return Session{}, fmt.Errorf("%w: unknown role %q", ErrInvalidCredential, c.Role)
	}
	s := Session{
		Principal: Principal{
			ID:        c.Subject,
			Email:     c.Email,
			Role:      role,
			SessionID: c.ID,
		},
	}
	if c.IssuedAt != nil {
		s.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s, nil
}
