package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"arka.dev/console/internal/audit"
	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/obs"
	"arka.dev/console/internal/ownership"
	"arka.dev/console/internal/rbac"
)

// Verifier checks a raw credential. *auth.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, raw string) (auth.Principal, error)
}

// FactsResolver returns ownership facts and never fails; errors collapse to
// empty facts. *ownership.Resolver implements it.
type FactsResolver interface {
	Resolve(ctx context.Context, res ownership.Resource, principalID string) ownership.Facts
}

// Authorizer is the access decision combiner.
type Authorizer struct {
	verifier Verifier
	resolver FactsResolver
	recorder audit.Recorder
	now      func() time.Time
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithClock overrides the time source used for audit durations.
func WithClock(fn func() time.Time) Option {
	return func(a *Authorizer) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAuthorizer wires the combiner. A nil recorder disables auditing.
func NewAuthorizer(verifier Verifier, resolver FactsResolver, recorder audit.Recorder, opts ...Option) *Authorizer {
	if recorder == nil {
		recorder = audit.Discard
	}
	a := &Authorizer{verifier: verifier, resolver: resolver, recorder: recorder, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize runs the full pipeline for one request and returns the decision.
// A denial is audited before Authorize returns. An allowed request is
// audited when the caller reports the final status through Complete.
// Unexpected panics become a 500 internal_error decision.
func (a *Authorizer) Authorize(ctx context.Context, req Request, need rbac.Requirement, res *ownership.Resource) (d *Decision) {
	if req.Started.IsZero() {
		req.Started = a.now()
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	var principal auth.Principal
	defer func() {
		if rec := recover(); rec != nil {
			obs.Log(obs.LevelError, "access_decision_panic", map[string]any{
				"trace_id": req.TraceID,
				"route":    req.Route,
				"panic":    fmt.Sprint(rec),
			})
			d = a.finish(req, principal, deny(ReasonInternalError, http.StatusInternalServerError))
		}
	}()

	if strings.TrimSpace(req.Credential) == "" {
		return a.finish(req, principal, deny(ReasonMissingToken, http.StatusUnauthorized))
	}
	principal, err := a.verifier.Verify(ctx, req.Credential)
	if err != nil {
		return a.finish(req, auth.Principal{}, a.verificationFailure(req, err))
	}
	return a.finish(req, principal, a.Evaluate(ctx, principal, need, res))
}

func (a *Authorizer) verificationFailure(req Request, err error) Decision {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return deny(ReasonMissingToken, http.StatusUnauthorized)
	case errors.Is(err, auth.ErrRevokedCredential):
		return deny(ReasonRevokedToken, http.StatusUnauthorized)
	case errors.Is(err, auth.ErrInvalidCredential):
		return deny(ReasonInvalidToken, http.StatusUnauthorized)
	}
	obs.Log(obs.LevelError, "session_verification_failed", map[string]any{
		"trace_id": req.TraceID,
		"route":    req.Route,
		"error":    err,
	})
	return deny(ReasonInternalError, http.StatusInternalServerError)
}

// Evaluate decides for an already verified principal without auditing:
// admin override, then the unconditional matrix, then ownership elevation.
func (a *Authorizer) Evaluate(ctx context.Context, p auth.Principal, need rbac.Requirement, res *ownership.Resource) Decision {
	if p.IsAdmin() {
		return allow(ReasonAdmin)
	}
	forbidden := deny(ReasonForbidden, http.StatusForbidden)
	if need != nil {
		forbidden.Required = need.Strings()
	}

	switch n := need.(type) {
	case rbac.RoleRequirement:
		if n.Has(p.Role) {
			return allow(ReasonRole)
		}
		return forbidden
	case rbac.PermissionRequirement:
		var pending []rbac.Permission
		for _, perm := range n.Permissions {
			if !rbac.HasUnconditional(p.Role, perm) {
				pending = append(pending, perm)
			}
		}
		if len(pending) == 0 {
			return allow(ReasonRole)
		}
		if res == nil || a.resolver == nil {
			return forbidden
		}
		facts := a.resolver.Resolve(ctx, *res, p.ID)
		for _, perm := range pending {
			if !elevates(p, perm, *res, facts) {
				return forbidden
			}
		}
		return allow(ReasonOwnership)
	}
	return forbidden
}

func (a *Authorizer) finish(req Request, p auth.Principal, d Decision) *Decision {
	d.TraceID = req.TraceID
	d.Principal = p
	obs.ObserveDecision(d.Allow, string(d.Reason))
	if !d.Allow {
		a.record(req, p, d.Status, d.ErrorCode)
		return &d
	}
	d.done = &completion{fn: func(status int) {
		code := ""
		if status >= http.StatusInternalServerError {
			code = string(ReasonInternalError)
		}
		a.record(req, p, status, code)
	}}
	return &d
}

func (a *Authorizer) record(req Request, p auth.Principal, status int, errorCode string) {
	a.recorder.Record(audit.Event{
		Time:        a.now(),
		PrincipalID: p.ID,
		Email:       p.Email,
		Role:        string(p.Role),
		Route:       req.Route,
		Method:      req.Method,
		StatusCode:  status,
		TraceID:     req.TraceID,
		SessionID:   p.SessionID,
		IP:          req.IP,
		UserAgent:   req.UserAgent,
		ErrorCode:   errorCode,
		Duration:    a.now().Sub(req.Started),
	})
}
