package pg

import (
	"context"
	"fmt"
	"time"

	"arka.dev/console/internal/auth"
)

var _ auth.RevocationStore = (*Store)(nil)

func (s *Store) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from revoked_tokens
			where jti = $1 and expires_at > now()
		)
	`, sessionID).Scan(&revoked)
	if err != nil {
		return false, err
	}
	return revoked, nil
}

// Revoke inserts the session; revoking an already revoked session is a no-op.
func (s *Store) Revoke(ctx context.Context, rec auth.RevocationRecord) error {
	if s.db == nil {
		return errNoDB
	}
	if rec.SessionID == "" {
		return fmt.Errorf("%w: session id is required", auth.ErrInvalidInput)
	}
	if rec.RevokedAt.IsZero() {
		rec.RevokedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens (jti, user_id, revoked_at, expires_at, reason)
		values ($1, $2, $3, $4, $5)
		on conflict (jti) do nothing
	`, rec.SessionID, nullIfEmpty(rec.PrincipalID), rec.RevokedAt, rec.ExpiresAt, nullIfEmpty(rec.Reason))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: unknown user %q", auth.ErrInvalidInput, rec.PrincipalID)
		}
		return err
	}
	return nil
}

// PurgeExpired removes revocations whose token would have expired by now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from revoked_tokens where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
