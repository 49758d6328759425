package pg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"arka.dev/console/internal/audit"
)

const auditColumns = 13

var _ audit.Store = (*Store)(nil)

// InsertBatch writes entries in one multi-row statement, preserving order.
func (s *Store) InsertBatch(ctx context.Context, entries []audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	if len(entries) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`insert into auth_audit_logs
		(timestamp, user_id, email_hash, role, route, method, status_code, trace_id, jti, ip_hash, user_agent_hash, error_code, duration_ms)
		values `)
	args := make([]any, 0, len(entries)*auditColumns)
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 1; c <= auditColumns; c++ {
			if c > 1 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*auditColumns+c)
		}
		b.WriteByte(')')
		args = append(args,
			e.Timestamp,
			nullIfEmpty(e.PrincipalID),
			nullIfEmpty(e.EmailHash),
			nullIfEmpty(e.Role),
			e.Route,
			e.Method,
			e.StatusCode,
			e.TraceID,
			nullIfEmpty(e.SessionID),
			e.IPHash,
			nullIfEmpty(e.UserAgentHash),
			nullIfEmpty(e.ErrorCode),
			e.DurationMS,
		)
	}
	_, err := s.db.ExecContext(ctx, b.String(), args...)
	return err
}

func (s *Store) CountFailures(ctx context.Context, q audit.FailureQuery) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*)
		from auth_audit_logs
		where ip_hash = $1
		  and route = $2
		  and status_code = $3
		  and timestamp > $4
	`, q.IPHash, q.Route, q.Status, q.Since).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteBefore removes rows by timestamp only, so it runs alongside inserts
// without locking the table.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from auth_audit_logs where timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select timestamp, coalesce(role, ''), route, method, status_code, trace_id,
		       coalesce(jti, ''), coalesce(error_code, ''), duration_ms
		from auth_audit_logs
		where user_id = $1
		order by timestamp desc
		limit $2
	`, principalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e := audit.Entry{PrincipalID: principalID}
		if err := rows.Scan(&e.Timestamp, &e.Role, &e.Route, &e.Method, &e.StatusCode, &e.TraceID, &e.SessionID, &e.ErrorCode, &e.DurationMS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
