package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/ids"
	"arka.dev/console/internal/rbac"
)

var _ auth.UserStore = (*Store)(nil)

func (s *Store) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	var (
		user auth.User
		role string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, email, password_hash, role, status
		from users
		where lower(email) = $1 and deleted_at is null
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&user.ID, &user.Email, &user.PasswordHash, &role, &user.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	parsed, ok := rbac.ParseRole(role)
	if !ok {
		return auth.User{}, fmt.Errorf("user %s has unknown role %q", user.ID, role)
	}
	user.Role = parsed
	return user, nil
}

// CreateUser inserts an active account. Duplicate emails yield auth.ErrConflict.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, role rbac.Role) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return auth.User{}, fmt.Errorf("%w: email and password are required", auth.ErrInvalidInput)
	}
	if _, ok := rbac.ParseRole(string(role)); !ok {
		return auth.User{}, fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, role)
	}
	user := auth.User{ID: ids.New(), Email: email, PasswordHash: passwordHash, Role: role, Status: auth.UserStatusActive}
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, role, status)
		values ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.PasswordHash, string(user.Role), user.Status)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, auth.ErrConflict
		}
		return auth.User{}, err
	}
	return user, nil
}
