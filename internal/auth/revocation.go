package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// RevocationRecord marks a session as dead until its token would have
// expired naturally. After ExpiresAt the row can be garbage-collected.
type RevocationRecord struct {
	SessionID   string
	PrincipalID string
	RevokedAt   time.Time
	ExpiresAt   time.Time
	Reason      string
}

// RevocationChecker is the read side consulted on every verification.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// RevocationStore adds the write side used by logout and admin revoke.
type RevocationStore interface {
	RevocationChecker
	Revoke(ctx context.Context, rec RevocationRecord) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemoryRevocations is an in-process RevocationStore.
type MemoryRevocations struct {
	mu      sync.RWMutex
	records map[string]RevocationRecord
	now     func() time.Time
}

var _ RevocationStore = (*MemoryRevocations)(nil)

// NewMemoryRevocations returns an empty in-memory store.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{records: make(map[string]RevocationRecord), now: time.Now}
}

func (m *MemoryRevocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	rec, ok := m.records[sessionID]
	m.mu.RUnlock()
	return ok && m.now().Before(rec.ExpiresAt), nil
}

func (m *MemoryRevocations) Revoke(ctx context.Context, rec RevocationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	if rec.SessionID == "" {
		return ErrInvalidInput
	}
	if rec.RevokedAt.IsZero() {
		rec.RevokedAt = m.now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.SessionID]; exists {
		return nil
	}
	m.records[rec.SessionID] = rec
	return nil
}

func (m *MemoryRevocations) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if !now.Before(rec.ExpiresAt) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// CachedRevocations remembers positive answers from the underlying checker.
// A revocation never becomes un-revoked, so a hit stays valid until the
// session would have expired; misses are always re-checked.
type CachedRevocations struct {
	next RevocationChecker
	ttl  time.Duration

	mu   sync.Mutex
	hits map[string]time.Time
	now  func() time.Time
}

// NewCachedRevocations wraps next. ttl bounds how long a hit is remembered
// and should match the access token lifetime.
func NewCachedRevocations(next RevocationChecker, ttl time.Duration) *CachedRevocations {
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	return &CachedRevocations{next: next, ttl: ttl, hits: make(map[string]time.Time), now: time.Now}
}

func (c *CachedRevocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	now := c.now()
	c.mu.Lock()
	if until, ok := c.hits[sessionID]; ok {
		if now.Before(until) {
			c.mu.Unlock()
			return true, nil
		}
		delete(c.hits, sessionID)
	}
	c.mu.Unlock()

	revoked, err := c.next.IsRevoked(ctx, sessionID)
	if err != nil || !revoked {
		return revoked, err
	}
	c.mu.Lock()
	c.hits[sessionID] = now.Add(c.ttl)
	c.mu.Unlock()
	return true, nil
}
