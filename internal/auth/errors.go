package auth

import "errors"

var (
	// ErrMissingCredential means no cookie or bearer header carried a token.
	ErrMissingCredential = errors.New("auth: missing credential")
	// ErrInvalidCredential covers bad structure, bad signature and expiry.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrRevokedCredential means the session id was found in the revocation store.
	ErrRevokedCredential = errors.New("auth: revoked credential")
	// ErrRevocationUnavailable wraps revocation store failures and timeouts.
	ErrRevocationUnavailable = errors.New("auth: revocation check unavailable")

	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")
)
