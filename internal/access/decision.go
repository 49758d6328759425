package access

import (
	"net/http"
	"sync"

	"arka.dev/console/internal/auth"
)

// Reason explains a decision. Deny reasons double as the public error code.
type Reason string

const (
	ReasonMissingToken  Reason = "missing_token"
	ReasonInvalidToken  Reason = "invalid_token"
	ReasonRevokedToken  Reason = "revoked_token"
	ReasonForbidden     Reason = "forbidden"
	ReasonInternalError Reason = "internal_error"

	ReasonAdmin     Reason = "admin_override"
	ReasonRole      Reason = "role_grant"
	ReasonOwnership Reason = "ownership_grant"
)

var messages = map[Reason]string{
	ReasonMissingToken:  "authentication required",
	ReasonInvalidToken:  "invalid or expired credential",
	ReasonRevokedToken:  "credential has been revoked",
	ReasonForbidden:     "insufficient permissions",
	ReasonInternalError: "internal error",
}

// Decision is the outcome for one request. It is never persisted; its audit
// entry is.
type Decision struct {
	Allow     bool           `json:"allow"`
	Reason    Reason         `json:"reason"`
	Status    int            `json:"status"`
	Required  []string       `json:"required,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Principal auth.Principal `json:"-"`
	ErrorCode string         `json:"-"`

	done *completion
}

type completion struct {
	once sync.Once
	fn   func(status int)
}

// Complete reports the final response status of an allowed request and
// emits its audit entry. Only the first call has an effect; on denied
// decisions it does nothing because the entry was already written.
func (d *Decision) Complete(status int) {
	if d == nil || d.done == nil {
		return
	}
	d.done.once.Do(func() { d.done.fn(status) })
}

// Message is the human readable text for a denial.
func (d *Decision) Message() string {
	if m, ok := messages[d.Reason]; ok {
		return m
	}
	return http.StatusText(d.Status)
}

func allow(reason Reason) Decision {
	return Decision{Allow: true, Reason: reason, Status: http.StatusOK}
}

func deny(reason Reason, status int) Decision {
	return Decision{Reason: reason, Status: status, ErrorCode: string(reason)}
}
