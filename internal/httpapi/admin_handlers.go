package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arka.dev/console/internal/access"
	"arka.dev/console/internal/audit"
	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/config"
	"arka.dev/console/internal/obs"
)

type auditListResponse struct {
	PrincipalID string        `json:"principal_id"`
	Entries     []audit.Entry `json:"entries"`
}

type purgeRequest struct {
	OlderThan string `json:"older_than,omitempty"`
}

type purgeResponse struct {
	AuditEntries    int64 `json:"audit_entries"`
	RevokedSessions int64 `json:"revoked_sessions"`
}

type revokeRequest struct {
	PrincipalID string `json:"principal_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (a *API) handleUserAudit(w http.ResponseWriter, r *http.Request) {
	if a.svc.Trail == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit_disabled", "audit trail is disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	id := r.PathValue("id")
	entries, err := a.svc.Trail.UserEntries(r.Context(), id, limit)
	if err != nil {
		a.internalError(w, r, "audit_list_failed", err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, auditListResponse{PrincipalID: id, Entries: entries})
}

// handleAuditPurge applies retention to the audit trail and drops revocation
// rows whose tokens have expired anyway.
func (a *API) handleAuditPurge(w http.ResponseWriter, r *http.Request) {
	if a.svc.Trail == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit_disabled", "audit trail is disabled")
		return
	}
	var req purgeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	age := a.retention
	if strings.TrimSpace(req.OlderThan) != "" {
		d, err := config.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusUnprocessableEntity, "validation_error", "older_than must be a positive duration such as 90d")
			return
		}
		age = d
	}

	deleted, err := a.svc.Trail.PurgeOlderThan(r.Context(), age)
	if err != nil {
		a.internalError(w, r, "audit_purge_failed", err)
		return
	}
	expired, err := a.svc.Revocations.PurgeExpired(r.Context(), a.now().UTC())
	if err != nil {
		a.internalError(w, r, "revocation_purge_failed", err)
		return
	}
	obs.Log(obs.LevelInfo, "audit_purged", map[string]any{
		"older_than":       age.String(),
		"audit_entries":    deleted,
		"revoked_sessions": expired,
	})
	writeJSON(w, http.StatusOK, purgeResponse{AuditEntries: deleted, RevokedSessions: expired})
}

// handleRevokeSession kills a session by id. The token's expiry is not known
// here, so the row lives for one full token lifetime.
func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin_revoke"
	}
	now := a.now().UTC()
	rec := auth.RevocationRecord{
		SessionID:   r.PathValue("id"),
		PrincipalID: strings.TrimSpace(req.PrincipalID),
		RevokedAt:   now,
		ExpiresAt:   now.Add(a.svc.Issuer.TTL()),
		Reason:      reason,
	}
	err := a.svc.Revocations.Revoke(r.Context(), rec)
	if errors.Is(err, auth.ErrInvalidInput) {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	if err != nil {
		a.internalError(w, r, "session_revoke_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": rec.SessionID,
		"revoked_at": rec.RevokedAt.Format(time.RFC3339),
		"expires_at": rec.ExpiresAt.Format(time.RFC3339),
	})
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	obs.Log(obs.LevelError, msg, map[string]any{
		"trace_id": r.Header.Get(access.TraceHeader),
		"path":     r.URL.Path,
		"error":    err,
	})
	writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}
