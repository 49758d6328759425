package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/ownership"
	"arka.dev/console/internal/rbac"
)

type authzCheckRequest struct {
	Permissions []string `json:"permissions"`
	Resource    *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"resource,omitempty"`
}

type authzCheckResponse struct {
	Allow    bool     `json:"allow"`
	Reason   string   `json:"reason"`
	Required []string `json:"required"`
}

// handleAuthzCheck lets the UI ask whether the caller could perform an
// action without performing it. The check itself is audited by the guard.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing_token", "authentication required")
		return
	}
	var req authzCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	need, res, err := req.parse()
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	d := a.svc.Authorizer.Evaluate(r.Context(), p, need, res)
	writeJSON(w, http.StatusOK, authzCheckResponse{
		Allow:    d.Allow,
		Reason:   string(d.Reason),
		Required: need.Strings(),
	})
}

func (req authzCheckRequest) parse() (rbac.PermissionRequirement, *ownership.Resource, error) {
	if len(req.Permissions) == 0 {
		return rbac.PermissionRequirement{}, nil, fmt.Errorf("permissions are required")
	}
	perms := make([]rbac.Permission, 0, len(req.Permissions))
	for _, raw := range req.Permissions {
		perm := rbac.Permission(strings.TrimSpace(raw))
		if !rbac.Known(perm) {
			return rbac.PermissionRequirement{}, nil, fmt.Errorf("unknown permission %q", raw)
		}
		perms = append(perms, perm)
	}
	need := rbac.RequirePermissions(perms...)
	if req.Resource == nil {
		return need, nil, nil
	}
	typ, ok := ownership.ParseType(req.Resource.Type)
	if !ok {
		return need, nil, fmt.Errorf("unknown resource type %q", req.Resource.Type)
	}
	id := strings.TrimSpace(req.Resource.ID)
	if id == "" {
		return need, nil, fmt.Errorf("resource id is required")
	}
	return need, &ownership.Resource{Type: typ, ID: id}, nil
}
