package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"arka.dev/console/internal/access"
	"arka.dev/console/internal/audit"
	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/obs"
	"arka.dev/console/internal/ownership"
	"arka.dev/console/internal/rbac"
	"arka.dev/console/internal/stream"
)

const serviceName = "arka-console"

const maxBodyBytes = 1 << 20

// ReadyProbe: простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Services are the collaborators the HTTP layer needs. Trail may be nil when
// auditing is disabled; lockout and the admin audit routes then report 503.
// Stream, when set, should be fed by the trail's tap.
type Services struct {
	Users       auth.UserStore
	Issuer      *auth.Issuer
	Verifier    *auth.Verifier
	Revocations auth.RevocationStore
	Authorizer  *access.Authorizer
	Trail       *audit.Trail
	Stream      *stream.Hub
}

// LoginPolicy bounds password guessing on the login route.
type LoginPolicy struct {
	MaxFailures   int
	FailureWindow time.Duration
	RatePerSecond float64
	Burst         int
}

// DefaultLoginPolicy allows five failures per address in 15 minutes.
var DefaultLoginPolicy = LoginPolicy{
	MaxFailures:   5,
	FailureWindow: 15 * time.Minute,
	RatePerSecond: 1,
	Burst:         5,
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	svc          Services
	guard        *access.Middleware
	login        LoginPolicy
	retention    time.Duration
	cookieSecure bool
	now          func() time.Time

	closing   chan struct{}
	closeOnce sync.Once
}

// Option configures an API.
type Option func(*API)

// WithReadyProbe sets the readiness check behind /readyz.
func WithReadyProbe(rp readinessChecker) Option {
	return func(a *API) {
		if rp != nil {
			a.readyProbe = rp
		}
	}
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithLoginPolicy overrides the login lockout and rate limit.
func WithLoginPolicy(p LoginPolicy) Option {
	return func(a *API) { a.login = p }
}

// WithRetention sets the default age for POST /v1/admin/audit/purge.
func WithRetention(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.retention = d
		}
	}
}

// WithSecureCookies marks session cookies Secure.
func WithSecureCookies(secure bool) Option {
	return func(a *API) { a.cookieSecure = secure }
}

// WithDecisionTimeout bounds each access decision.
func WithDecisionTimeout(d time.Duration) Option {
	return func(a *API) { a.guard = access.NewMiddleware(a.svc.Authorizer, d) }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

// New builds the HTTP layer.
func New(svc Services, opts ...Option) (*API, error) {
	switch {
	case svc.Issuer == nil || svc.Verifier == nil:
		return nil, errors.New("httpapi: issuer and verifier are required")
	case svc.Authorizer == nil:
		return nil, errors.New("httpapi: authorizer is required")
	case svc.Revocations == nil:
		return nil, errors.New("httpapi: revocation store is required")
	case svc.Users == nil:
		return nil, errors.New("httpapi: user store is required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: ReadyProbe{},
		svc:        svc,
		guard:      access.NewMiddleware(svc.Authorizer, 0),
		login:      DefaultLoginPolicy,
		retention:  90 * 24 * time.Hour,
		now:        time.Now,
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	// health/ready
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// auth
	login := http.Handler(http.HandlerFunc(a.handleLogin))
	if a.login.RatePerSecond > 0 && a.login.Burst > 0 {
		login = RateLimit(login, a.login.Burst, a.login.RatePerSecond)
	}
	a.mux.Handle("POST "+audit.LoginRoute, login)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.Handle("GET /v1/auth/me", a.guard.Require(rbac.AnyRole(), "", http.HandlerFunc(a.handleMe)))

	// authorization check for the UI
	a.mux.Handle("POST /v1/authz/check", a.guard.Require(rbac.AnyRole(), "", http.HandlerFunc(a.handleAuthzCheck)))

	// admin
	admin := rbac.RequireRoles(rbac.RoleAdmin)
	a.mux.Handle("GET /v1/admin/audit/users/{id}", a.guard.Require(admin, "", http.HandlerFunc(a.handleUserAudit)))
	a.mux.Handle("GET /v1/admin/audit/stream", a.guard.Require(admin, "", http.HandlerFunc(a.handleAuditStream)))
	a.mux.Handle("POST /v1/admin/audit/purge", a.guard.Require(admin, "", http.HandlerFunc(a.handleAuditPurge)))
	a.mux.Handle("POST /v1/admin/sessions/{id}/revoke", a.guard.Require(admin, "", http.HandlerFunc(a.handleRevokeSession)))

	// resource routes used by the console; handlers only echo what was allowed
	a.mux.Handle("GET /v1/projects/{id}", a.guard.Require(rbac.RequirePermissions(rbac.PermProjectsRead), ownership.TypeProject, http.HandlerFunc(a.handleAllowed)))
	a.mux.Handle("PATCH /v1/projects/{id}", a.guard.Require(rbac.RequirePermissions(rbac.PermProjectsUpdate), ownership.TypeProject, http.HandlerFunc(a.handleAllowed)))
	a.mux.Handle("DELETE /v1/projects/{id}", a.guard.Require(rbac.RequirePermissions(rbac.PermProjectsDelete), ownership.TypeProject, http.HandlerFunc(a.handleAllowed)))
	a.mux.Handle("PATCH /v1/squads/{id}", a.guard.Require(rbac.RequirePermissions(rbac.PermSquadsUpdate), ownership.TypeSquad, http.HandlerFunc(a.handleAllowed)))
	a.mux.Handle("POST /v1/squads/{id}/instructions", a.guard.Require(rbac.RequirePermissions(rbac.PermSquadsCreateInstructions), ownership.TypeSquad, http.HandlerFunc(a.handleAllowed)))
	a.mux.Handle("POST /v1/instructions/{id}/cancel", a.guard.Require(rbac.RequirePermissions(rbac.PermInstructionsCancel), ownership.TypeInstruction, http.HandlerFunc(a.handleAllowed)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
}

// CloseStreams ends every open audit stream. http.Server.Shutdown does not
// cancel request contexts, so register it with RegisterOnShutdown.
func (a *API) CloseStreams() {
	a.closeOnce.Do(func() { close(a.closing) })
}

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	// оборачиваем весь mux метриками
	return Trace(SecurityHeaders(CORS(LoggingJSON(obs.Instrument(a.mux)))))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) handleAllowed(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":  true,
		"resource": r.PathValue("id"),
		"role":     p.Role,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	writeJSON(w, code, access.ErrorBody{
		Error:   errCode,
		Message: msg,
		TraceID: r.Header.Get(access.TraceHeader),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
