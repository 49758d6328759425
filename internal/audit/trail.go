package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"arka.dev/console/internal/obs"
)

const (
	DefaultFlushInterval = 5 * time.Second
	DefaultBatchSize     = 10
	DefaultQueueCapacity = 10000
	DefaultWriteTimeout  = 5 * time.Second
	DefaultUserLimit     = 100

	maxUserLimit   = 1000
	maxInsertBatch = 1000
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("audit: trail closed")

// Trail is the audit trail service. Record is safe for concurrent use; one
// background goroutine writes queued entries to the store.
type Trail struct {
	store        Store
	hasher       Hasher
	interval     time.Duration
	batchSize    int
	capacity     int
	writeTimeout time.Duration
	now          func() time.Time
	tap          func(Entry)

	mu     sync.Mutex
	queue  []Entry
	closed bool
	// stalled is set after a failed write; the queue then waits for the
	// next tick instead of kicking a retry on every Record.
	stalled bool

	flushMu sync.Mutex

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Recorder = (*Trail)(nil)

// Option configures a Trail.
type Option func(*Trail)

// WithFlushInterval sets the timer tick.
func WithFlushInterval(d time.Duration) Option {
	return func(t *Trail) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithBatchSize sets the queue length that triggers an immediate flush.
func WithBatchSize(n int) Option {
	return func(t *Trail) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// WithQueueCapacity bounds the pending queue; overflow is dropped.
func WithQueueCapacity(n int) Option {
	return func(t *Trail) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithWriteTimeout bounds a single store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Trail) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithHasher sets the PII hasher.
func WithHasher(h Hasher) Option {
	return func(t *Trail) { t.hasher = h }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

// WithTap registers fn to see every queued entry, already hashed. fn runs on
// the caller's goroutine and must not block.
func WithTap(fn func(Entry)) Option {
	return func(t *Trail) { t.tap = fn }
}

// NewTrail builds a Trail over store and starts its flusher. Call Close to
// drain the queue and stop it.
func NewTrail(store Store, opts ...Option) *Trail {
	t := &Trail{
		store:        store,
		interval:     DefaultFlushInterval,
		batchSize:    DefaultBatchSize,
		capacity:     DefaultQueueCapacity,
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
		kick:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.run()
	return t
}

// Hasher returns the hasher used for queued entries.
func (t *Trail) Hasher() Hasher { return t.hasher }

// Record hashes the event and queues it. It never blocks on I/O.
func (t *Trail) Record(ev Event) {
	entry := t.entryFor(ev)

	t.mu.Lock()
	if t.closed || len(t.queue) >= t.capacity {
		t.mu.Unlock()
		obs.AuditEntries("dropped", 1)
		return
	}
	t.queue = append(t.queue, entry)
	depth := len(t.queue)
	stalled := t.stalled
	t.mu.Unlock()

	obs.AuditEntries("queued", 1)
	obs.SetAuditQueueDepth(depth)
	if t.tap != nil {
		t.tap(entry)
	}
	if depth >= t.batchSize && !stalled {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

// LoginAttempt describes one call to the login endpoint. PrincipalID, Role
// and SessionID are known only after a successful login.
type LoginAttempt struct {
	Email       string
	Success     bool
	Status      int
	PrincipalID string
	Role        string
	SessionID   string
	IP          string
	UserAgent   string
	ErrorCode   string
	TraceID     string
	Duration    time.Duration
}

// RecordLogin queues a login attempt. Failures are stored with status 401 so
// that FailedLoginCount sees them, unless Status says otherwise.
func (t *Trail) RecordLogin(a LoginAttempt) {
	status := a.Status
	if status == 0 {
		status = http.StatusOK
		if !a.Success {
			status = http.StatusUnauthorized
		}
	}
	if a.TraceID == "" {
		a.TraceID = uuid.NewString()
	}
	t.Record(Event{
		PrincipalID: a.PrincipalID,
		Email:       a.Email,
		Role:        a.Role,
		Route:       LoginRoute,
		Method:      http.MethodPost,
		StatusCode:  status,
		TraceID:     a.TraceID,
		SessionID:   a.SessionID,
		IP:          a.IP,
		UserAgent:   a.UserAgent,
		ErrorCode:   a.ErrorCode,
		Duration:    a.Duration,
	})
}

func (t *Trail) entryFor(ev Event) Entry {
	ts := ev.Time
	if ts.IsZero() {
		ts = t.now()
	}
	return Entry{
		Timestamp:     ts.UTC(),
		PrincipalID:   ev.PrincipalID,
		EmailHash:     t.hasher.Email(ev.Email),
		Role:          ev.Role,
		Route:         ev.Route,
		Method:        strings.ToUpper(ev.Method),
		StatusCode:    ev.StatusCode,
		TraceID:       ev.TraceID,
		SessionID:     ev.SessionID,
		IPHash:        t.hasher.IP(ev.IP),
		UserAgentHash: t.hasher.UserAgent(ev.UserAgent),
		ErrorCode:     ev.ErrorCode,
		DurationMS:    ev.Duration.Milliseconds(),
	}
}

// Pending reports the number of queued entries.
func (t *Trail) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Trail) run() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		case <-t.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
		_ = t.flush(ctx)
		cancel()
	}
}

// Flush writes every queued entry now. On a store error the unwritten
// entries go back to the head of the queue and the error is returned.
func (t *Trail) Flush(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return t.flush(ctx)
}

func (t *Trail) flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()
	for {
		batch := t.take()
		if len(batch) == 0 {
			t.mu.Lock()
			t.stalled = false
			t.mu.Unlock()
			return nil
		}
		if err := t.store.InsertBatch(ctx, batch); err != nil {
			t.putBack(batch)
			obs.AuditFlush(false)
			obs.Log(obs.LevelError, "audit_flush_failed", map[string]any{
				"entries": len(batch),
				"error":   err,
			})
			return fmt.Errorf("audit flush: %w", err)
		}
		obs.AuditFlush(true)
		obs.AuditEntries("written", len(batch))
	}
}

func (t *Trail) take() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := min(len(t.queue), maxInsertBatch)
	if n == 0 {
		return nil
	}
	batch := make([]Entry, n)
	copy(batch, t.queue[:n])
	t.queue = t.queue[n:]
	obs.SetAuditQueueDepth(len(t.queue))
	return batch
}

func (t *Trail) putBack(batch []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	queue := make([]Entry, 0, len(batch)+len(t.queue))
	queue = append(queue, batch...)
	queue = append(queue, t.queue...)
	if over := len(queue) - t.capacity; over > 0 {
		queue = queue[:t.capacity]
		obs.AuditEntries("dropped", over)
	}
	t.queue = queue
	t.stalled = true
	obs.SetAuditQueueDepth(len(t.queue))
}

// Close stops the flusher and writes what is left once. Later Record calls
// are dropped. The context bounds the final write; if it is already done,
// the write still gets one write timeout of its own.
func (t *Trail) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.stop)
		// an in-progress flush is bounded by writeTimeout
		<-t.done

		if ctx == nil || ctx.Err() != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.Background(), t.writeTimeout)
			defer cancel()
		}
		err = t.flush(ctx)
	})
	return err
}

// FailedLoginCount counts failed logins from ip within the trailing window,
// including attempts not yet flushed.
func (t *Trail) FailedLoginCount(ctx context.Context, ip string, window time.Duration) (int, error) {
	q := FailureQuery{
		IPHash: t.hasher.IP(ip),
		Route:  LoginRoute,
		Status: http.StatusUnauthorized,
		Since:  t.now().Add(-window).UTC(),
	}
	if q.IPHash == "" {
		return 0, nil
	}
	// flushMu keeps a batch from sitting between the queue and the store
	// while both are counted.
	t.flushMu.Lock()
	defer t.flushMu.Unlock()
	stored, err := t.store.CountFailures(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("count failed logins: %w", err)
	}
	t.mu.Lock()
	for _, e := range t.queue {
		if q.matches(e) {
			stored++
		}
	}
	t.mu.Unlock()
	return stored, nil
}

// PurgeOlderThan deletes entries older than age and returns how many went.
func (t *Trail) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		return 0, fmt.Errorf("audit: retention must be positive, got %s", age)
	}
	n, err := t.store.DeleteBefore(ctx, t.now().Add(-age).UTC())
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	return n, nil
}

// UserEntries returns the most recent entries for a principal, newest first.
func (t *Trail) UserEntries(ctx context.Context, principalID string, limit int) ([]Entry, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, errors.New("audit: principal id is required")
	}
	if limit <= 0 {
		limit = DefaultUserLimit
	}
	limit = min(limit, maxUserLimit)
	entries, err := t.store.ListByPrincipal(ctx, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
