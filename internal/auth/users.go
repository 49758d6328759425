package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"arka.dev/console/internal/rbac"
)

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is the console account consulted by the login path.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         rbac.Role
	Status       string
}

// UserStore looks up accounts for login. FindByEmail returns ErrNotFound for
// unknown addresses.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (User, error)
}

// Authenticate checks an email/password pair. Unknown accounts, disabled
// accounts and wrong passwords all yield ErrUnauthorized; store failures are
// returned as-is.
func Authenticate(ctx context.Context, users UserStore, email, password string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return User{}, ErrUnauthorized
	}
	user, err := users.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_ = VerifyPassword("", password)
		return User{}, ErrUnauthorized
	}
	if err != nil {
		return User{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return User{}, ErrUnauthorized
	}
	if user.Status != UserStatusActive {
		return User{}, ErrUnauthorized
	}
	return user, nil
}

// MemoryUsers is an in-process UserStore keyed by lower-cased email.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

var _ UserStore = (*MemoryUsers)(nil)

func NewMemoryUsers(users ...User) *MemoryUsers {
	m := &MemoryUsers{users: make(map[string]User, len(users))}
	for _, u := range users {
		m.Put(u)
	}
	return m
}

// Put stores u, replacing any account with the same email.
func (m *MemoryUsers) Put(u User) {
	u.Email = strings.TrimSpace(strings.ToLower(u.Email))
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	m.mu.Lock()
	m.users[u.Email] = u
	m.mu.Unlock()
}

func (m *MemoryUsers) FindByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.RLock()
	u, ok := m.users[strings.TrimSpace(strings.ToLower(email))]
	m.mu.RUnlock()
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
