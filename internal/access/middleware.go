package access

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/ownership"
	"arka.dev/console/internal/rbac"
)

// DefaultDecisionTimeout bounds the whole decision, lookups included.
const DefaultDecisionTimeout = 5 * time.Second

// Middleware adapts an Authorizer to net/http.
type Middleware struct {
	authz   *Authorizer
	timeout time.Duration
}

// NewMiddleware wraps authz. A non-positive timeout uses DefaultDecisionTimeout.
func NewMiddleware(authz *Authorizer, timeout time.Duration) *Middleware {
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}
	return &Middleware{authz: authz, timeout: timeout}
}

// Require protects next with need. When resourceType is set the resource id
// is read from the {id} route wildcard; an empty id skips ownership
// elevation. The principal is placed in the request context for next.
func (m *Middleware) Require(need rbac.Requirement, resourceType ownership.Type, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := RequestFromHTTP(r)
		w.Header().Set(TraceHeader, req.TraceID)

		var res *ownership.Resource
		if resourceType != "" {
			if id := strings.TrimSpace(r.PathValue("id")); id != "" {
				res = &ownership.Resource{Type: resourceType, ID: id}
			}
		}

		// the decision and its audit entry outlive a dropped client connection
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), m.timeout)
		d := m.authz.Authorize(ctx, req, need, res)
		cancel()

		if !d.Allow {
			WriteDenial(w, d)
			return
		}

		sw := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			if rec := recover(); rec != nil {
				d.Complete(http.StatusInternalServerError)
				panic(rec)
			}
		}()
		next.ServeHTTP(sw, r.WithContext(auth.ContextWithPrincipal(r.Context(), d.Principal)))
		d.Complete(sw.code)
	})
}

// ErrorBody is the JSON shape of every denial.
type ErrorBody struct {
	Error               string   `json:"error"`
	Message             string   `json:"message"`
	TraceID             string   `json:"trace_id"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
}

// WriteDenial writes the status and error body for a denied decision. Only
// forbidden decisions echo the requirement.
func WriteDenial(w http.ResponseWriter, d *Decision) {
	body := ErrorBody{
		Error:   string(d.Reason),
		Message: d.Message(),
		TraceID: d.TraceID,
	}
	if d.Reason == ReasonForbidden {
		body.RequiredPermissions = d.Required
	}
	if d.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="arka"`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }
