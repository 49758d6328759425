package auth

import (
	"time"

	"arka.dev/console/internal/rbac"
)

// Principal is the verified caller of one request. It carries the session id
// but never the raw credential.
type Principal struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Role      rbac.Role `json:"role"`
	SessionID string    `json:"session_id"`
}

// IsAdmin reports whether the principal holds the universal override role.
func (p Principal) IsAdmin() bool {
	return p.Role == rbac.RoleAdmin
}

// Session is a verified credential together with its natural expiry.
type Session struct {
	Principal Principal
	IssuedAt  time.Time
	ExpiresAt time.Time
}
