// Package audit records who did what on the console. Sensitive fields are
// hashed before they are queued and entries are written to the store in
// batches by a single background flusher.
package audit

import (
	"context"
	"time"
)

// LoginRoute is the route recorded for login attempts and counted by
// FailedLoginCount.
const LoginRoute = "/v1/auth/login"

// Entry is one persisted audit row. It is append-only: rows are never
// updated, only read or deleted by retention.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	PrincipalID   string    `json:"principal_id,omitempty"`
	EmailHash     string    `json:"-"`
	Role          string    `json:"role,omitempty"`
	Route         string    `json:"route"`
	Method        string    `json:"method"`
	StatusCode    int       `json:"status_code"`
	TraceID       string    `json:"trace_id"`
	SessionID     string    `json:"session_id,omitempty"`
	IPHash        string    `json:"-"`
	UserAgentHash string    `json:"-"`
	ErrorCode     string    `json:"error_code,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
}

// Event is what callers hand to Record. IP, Email and UserAgent are
// plaintext here and never leave the process unhashed.
type Event struct {
	Time        time.Time
	PrincipalID string
	Email       string
	Role        string
	Route       string
	Method      string
	StatusCode  int
	TraceID     string
	SessionID   string
	IP          string
	UserAgent   string
	ErrorCode   string
	Duration    time.Duration
}

// Recorder accepts audit events without blocking the caller.
type Recorder interface {
	Record(Event)
}

// Discard drops every event. It is used when auditing is disabled.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Event) {}

// FailureQuery selects failed attempts on one route from one hashed IP.
type FailureQuery struct {
	IPHash string
	Route  string
	Status int
	Since  time.Time
}

func (q FailureQuery) matches(e Entry) bool {
	return e.IPHash == q.IPHash && e.Route == q.Route && e.StatusCode == q.Status && e.Timestamp.After(q.Since)
}

// Store persists audit entries.
type Store interface {
	InsertBatch(ctx context.Context, entries []Entry) error
	CountFailures(ctx context.Context, q FailureQuery) (int, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]Entry, error)
}
