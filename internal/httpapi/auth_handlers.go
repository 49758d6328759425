package httpapi

import (
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"arka.dev/console/internal/access"
	"arka.dev/console/internal/audit"
	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/obs"
	"arka.dev/console/internal/rbac"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userView struct {
	ID          string            `json:"id"`
	Email       string            `json:"email,omitempty"`
	Role        rbac.Role         `json:"role"`
	Permissions []rbac.Permission `json:"permissions"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      userView  `json:"user"`
}

type meResponse struct {
	User      userView `json:"user"`
	SessionID string   `json:"session_id"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	started := a.now()
	attempt := audit.LoginAttempt{
		IP:        access.ClientIP(r),
		UserAgent: r.UserAgent(),
		TraceID:   r.Header.Get(access.TraceHeader),
	}
	finish := func(status int, errCode string) {
		if a.svc.Trail == nil {
			return
		}
		attempt.Status = status
		attempt.Success = status == http.StatusOK
		attempt.ErrorCode = errCode
		attempt.Duration = a.now().Sub(started)
		a.svc.Trail.RecordLogin(attempt)
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error", "email and password are required")
		return
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error", "invalid email format")
		return
	}
	attempt.Email = email

	if a.lockedOut(r, attempt.IP) {
		w.Header().Set("Retry-After", strconv.Itoa(int(a.login.FailureWindow.Seconds())))
		finish(http.StatusTooManyRequests, "account_locked")
		writeError(w, r, http.StatusTooManyRequests, "account_locked", "too many failed attempts, try again later")
		return
	}

	user, err := auth.Authenticate(r.Context(), a.svc.Users, email, req.Password)
	if errors.Is(err, auth.ErrUnauthorized) {
		finish(http.StatusUnauthorized, "invalid_credentials")
		writeError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}
	if err != nil {
		obs.Log(obs.LevelError, "login_user_lookup_failed", map[string]any{
			"trace_id": attempt.TraceID,
			"error":    err,
		})
		finish(http.StatusInternalServerError, "internal_error")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "login failed")
		return
	}

	issued, err := a.svc.Issuer.Issue(user.ID, user.Email, user.Role)
	if err != nil {
		obs.Log(obs.LevelError, "token_issue_failed", map[string]any{
			"trace_id": attempt.TraceID,
			"user_id":  user.ID,
			"error":    err,
		})
		finish(http.StatusInternalServerError, "internal_error")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "login failed")
		return
	}

	attempt.PrincipalID = user.ID
	attempt.Role = string(user.Role)
	attempt.SessionID = issued.SessionID
	finish(http.StatusOK, "")

	a.setSessionCookies(w, issued.Token, issued.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		User: userView{
			ID:          user.ID,
			Email:       user.Email,
			Role:        user.Role,
			Permissions: rbac.PermissionsFor(user.Role),
		},
	})
}

// lockedOut fails open: a broken audit store must not lock every user out.
func (a *API) lockedOut(r *http.Request, ip string) bool {
	if a.svc.Trail == nil || a.login.MaxFailures <= 0 {
		return false
	}
	n, err := a.svc.Trail.FailedLoginCount(r.Context(), ip, a.login.FailureWindow)
	if err != nil {
		obs.Log(obs.LevelWarn, "login_lockout_check_failed", map[string]any{
			"trace_id": r.Header.Get(access.TraceHeader),
			"error":    err,
		})
		return false
	}
	return n >= a.login.MaxFailures
}

// handleLogout always clears the cookies. A valid session is revoked until
// its natural expiry first.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	started := a.now()
	status := http.StatusNoContent
	var principal auth.Principal

	if raw, err := auth.ExtractCredential(r); err == nil {
		if session, err := a.svc.Verifier.Parse(raw); err == nil {
			principal = session.Principal
			rec := auth.RevocationRecord{
				SessionID:   principal.SessionID,
				PrincipalID: principal.ID,
				RevokedAt:   started.UTC(),
				ExpiresAt:   session.ExpiresAt,
				Reason:      "logout",
			}
			if err := a.svc.Revocations.Revoke(r.Context(), rec); err != nil {
				obs.Log(obs.LevelError, "logout_revoke_failed", map[string]any{
					"trace_id":   r.Header.Get(access.TraceHeader),
					"session_id": principal.SessionID,
					"error":      err,
				})
				status = http.StatusInternalServerError
			}
		}
	}

	if a.svc.Trail != nil && principal.ID != "" {
		ev := audit.Event{
			PrincipalID: principal.ID,
			Email:       principal.Email,
			Role:        string(principal.Role),
			Route:       r.URL.Path,
			Method:      r.Method,
			StatusCode:  status,
			TraceID:     r.Header.Get(access.TraceHeader),
			SessionID:   principal.SessionID,
			IP:          access.ClientIP(r),
			UserAgent:   r.UserAgent(),
			Duration:    a.now().Sub(started),
		}
		if status >= http.StatusInternalServerError {
			ev.ErrorCode = "internal_error"
		}
		a.svc.Trail.Record(ev)
	}

	a.clearSessionCookies(w)
	if status != http.StatusNoContent {
		writeError(w, r, status, "internal_error", "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, string(access.ReasonMissingToken), "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User: userView{
			ID:          p.ID,
			Email:       p.Email,
			Role:        p.Role,
			Permissions: rbac.PermissionsFor(p.Role),
		},
		SessionID: p.SessionID,
	})
}

func (a *API) setSessionCookies(w http.ResponseWriter, token string, expires time.Time) {
	maxAge := int(expires.Sub(a.now()).Seconds())
	for _, name := range []string{auth.AccessCookie, auth.LegacyAccessCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    token,
			Path:     "/",
			MaxAge:   maxAge,
			HttpOnly: true,
			Secure:   a.cookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{auth.AccessCookie, auth.LegacyAccessCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   a.cookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}
