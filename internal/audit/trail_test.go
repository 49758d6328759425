package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func closeTrail(t *testing.T, tr *Trail) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = tr.Close(ctx)
}

type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) InsertBatch(ctx context.Context, entries []Entry) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("audit store unavailable")
	}
	return f.MemoryStore.InsertBatch(ctx, entries)
}

func (f *flakyStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestTrailFlushesWhenBatchIsFull(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTrail(store, WithFlushInterval(time.Hour), WithBatchSize(10))
	defer closeTrail(t, tr)

	for i := 0; i < 9; i++ {
		tr.Record(Event{Route: "/v1/squads/s1", Method: "get", StatusCode: 200, TraceID: fmt.Sprint(i)})
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(store.Entries()); n != 0 {
		t.Fatalf("expected no flush below the threshold, got %d entries", n)
	}
	tr.Record(Event{Route: "/v1/squads/s1", Method: "get", StatusCode: 200, TraceID: "9"})
	waitFor(t, "batch flush", func() bool { return len(store.Entries()) == 10 })

	for i, e := range store.Entries() {
		if e.TraceID != fmt.Sprint(i) {
			t.Fatalf("entry %d out of order: %s", i, e.TraceID)
		}
		if e.Method != "GET" {
			t.Fatalf("method not normalised: %q", e.Method)
		}
	}
}

func TestTrailFlushesOnTick(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTrail(store, WithFlushInterval(20*time.Millisecond))
	defer closeTrail(t, tr)

	tr.Record(Event{Route: "/v1/projects/p1", StatusCode: 403, TraceID: "t1"})
	waitFor(t, "timer flush", func() bool { return len(store.Entries()) == 1 })
}

func TestTrailRequeuesFailedBatchAtHead(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	tr := NewTrail(store, WithFlushInterval(time.Hour))
	defer closeTrail(t, tr)
	ctx := context.Background()

	tr.Record(Event{TraceID: "first"})
	if err := tr.Flush(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	if tr.Pending() != 1 {
		t.Fatalf("failed batch must stay queued, pending=%d", tr.Pending())
	}
	tr.Record(Event{TraceID: "second"})
	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := store.Entries()
	if len(got) != 2 || got[0].TraceID != "first" || got[1].TraceID != "second" {
		t.Fatalf("unexpected entries after retry: %+v", got)
	}
}

func TestTrailRetriesOnNextTick(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	tr := NewTrail(store, WithFlushInterval(15*time.Millisecond))
	defer closeTrail(t, tr)

	tr.Record(Event{TraceID: "t1"})
	waitFor(t, "retried flush", func() bool { return len(store.Entries()) == 1 })
	if calls := store.callCount(); calls < 3 {
		t.Fatalf("expected at least 3 insert attempts, got %d", calls)
	}
	if tr.Pending() != 0 {
		t.Fatalf("queue should be empty, pending=%d", tr.Pending())
	}
}

func TestTrailCloseDrainsAndStops(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTrail(store, WithFlushInterval(time.Hour))
	for i := 0; i < 3; i++ {
		tr.Record(Event{TraceID: fmt.Sprint(i)})
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(store.Entries()); n != 3 {
		t.Fatalf("expected 3 drained entries, got %d", n)
	}
	tr.Record(Event{TraceID: "late"})
	if tr.Pending() != 0 {
		t.Fatal("records after close must be dropped")
	}
	if err := tr.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestTrailQueueIsBounded(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1000}
	tr := NewTrail(store, WithFlushInterval(time.Hour), WithBatchSize(100), WithQueueCapacity(5))
	defer closeTrail(t, tr)
	for i := 0; i < 8; i++ {
		tr.Record(Event{TraceID: fmt.Sprint(i)})
	}
	if tr.Pending() != 5 {
		t.Fatalf("expected queue capped at 5, got %d", tr.Pending())
	}
}

func TestTrailConcurrentRecordLosesNothing(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTrail(store, WithFlushInterval(5*time.Millisecond), WithBatchSize(10))
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tr.Record(Event{TraceID: fmt.Sprintf("%d-%d", g, i)})
			}
		}(g)
	}
	wg.Wait()
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	seen := make(map[string]bool)
	for _, e := range store.Entries() {
		if seen[e.TraceID] {
			t.Fatalf("duplicate entry %s", e.TraceID)
		}
		seen[e.TraceID] = true
	}
	if len(seen) != 1000 {
		t.Fatalf("expected 1000 entries, got %d", len(seen))
	}
}

func TestRecordStoresOnlyHashes(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTrail(store, WithFlushInterval(time.Hour), WithHasher(NewHasher("k")))
	defer closeTrail(t, tr)

	tr.Record(Event{PrincipalID: "u1", Email: "a@b.c", IP: "10.1.2.3", UserAgent: "curl/8", Route: "/v1/auth/me", StatusCode: 200, Duration: 1500 * time.Microsecond})
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	e := store.Entries()[0]
	for _, plain := range []string{"a@b.c", "10.1.2.3", "curl/8"} {
		if e.EmailHash == plain || e.IPHash == plain || e.UserAgentHash == plain {
			t.Fatalf("plaintext %q persisted", plain)
		}
	}
	if e.IPHash != tr.Hasher().IP("10.1.2.3") {
		t.Fatal("ip hash mismatch")
	}
	if e.DurationMS != 1 {
		t.Fatalf("expected duration 1ms, got %d", e.DurationMS)
	}
}

func TestFailedLoginCountWithinWindow(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	tr := NewTrail(store, WithFlushInterval(time.Hour), WithClock(func() time.Time { return now }))
	defer closeTrail(t, tr)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tr.RecordLogin(LoginAttempt{Email: "x@y.z", IP: "198.51.100.4", ErrorCode: "invalid_credentials"})
	}
	tr.RecordLogin(LoginAttempt{Email: "x@y.z", Success: true, IP: "198.51.100.4"})
	tr.RecordLogin(LoginAttempt{Email: "x@y.z", IP: "198.51.100.5"})
	tr.Record(Event{Time: now.Add(-20 * time.Minute), Route: LoginRoute, Method: "POST", StatusCode: 401, IP: "198.51.100.4"})

	n, err := tr.FailedLoginCount(ctx, "198.51.100.4", 15*time.Minute)
	if err != nil || n != 5 {
		t.Fatalf("before flush: expected 5, got %d %v", n, err)
	}
	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	n, err = tr.FailedLoginCount(ctx, "198.51.100.4", 15*time.Minute)
	if err != nil || n != 5 {
		t.Fatalf("after flush: expected 5, got %d %v", n, err)
	}
	if n, _ := tr.FailedLoginCount(ctx, "", 15*time.Minute); n != 0 {
		t.Fatalf("empty ip should count nothing, got %d", n)
	}
}

func TestPurgeAndUserEntries(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	tr := NewTrail(store, WithFlushInterval(time.Hour), WithClock(func() time.Time { return now }))
	defer closeTrail(t, tr)
	ctx := context.Background()

	tr.Record(Event{Time: now.Add(-100 * 24 * time.Hour), PrincipalID: "u1", TraceID: "old"})
	tr.Record(Event{Time: now.Add(-time.Hour), PrincipalID: "u1", TraceID: "mid"})
	tr.Record(Event{Time: now, PrincipalID: "u1", TraceID: "new"})
	tr.Record(Event{Time: now, PrincipalID: "u2", TraceID: "other"})
	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	entries, err := tr.UserEntries(ctx, "u1", 0)
	if err != nil || len(entries) != 3 || entries[0].TraceID != "new" || entries[2].TraceID != "old" {
		t.Fatalf("unexpected entries %+v %v", entries, err)
	}
	if entries, _ := tr.UserEntries(ctx, "u1", 1); len(entries) != 1 {
		t.Fatalf("limit not applied: %d", len(entries))
	}
	if _, err := tr.UserEntries(ctx, " ", 10); err == nil {
		t.Fatal("expected error for empty principal")
	}

	n, err := tr.PurgeOlderThan(ctx, 90*24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d %v", n, err)
	}
	if _, err := tr.PurgeOlderThan(ctx, 0); err == nil {
		t.Fatal("expected error for zero retention")
	}
}

func TestDiscardIsNoop(t *testing.T) {
	Discard.Record(Event{TraceID: "x"})
}

func TestTrailCloseWritesWithExpiredContext(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTrail(store, WithFlushInterval(time.Hour))
	tr.Record(Event{TraceID: "last-words"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := store.Entries(); len(got) != 1 || got[0].TraceID != "last-words" {
		t.Fatalf("queued entry lost on close: %+v", got)
	}
	if tr.Pending() != 0 {
		t.Fatalf("pending=%d after close", tr.Pending())
	}
}

func TestTrailFailedWriteWaitsForTick(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	tr := NewTrail(store, WithFlushInterval(time.Hour), WithBatchSize(2))
	defer closeTrail(t, tr)

	tr.Record(Event{TraceID: "a"})
	tr.Record(Event{TraceID: "b"})
	waitFor(t, "failed write requeued", func() bool { return store.callCount() == 1 && tr.Pending() == 2 })

	for i := 0; i < 5; i++ {
		tr.Record(Event{TraceID: fmt.Sprint(i)})
	}
	time.Sleep(50 * time.Millisecond)
	if calls := store.callCount(); calls != 1 {
		t.Fatalf("records after a failed write must not retry immediately, got %d writes", calls)
	}

	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := len(store.Entries()); n != 7 {
		t.Fatalf("expected 7 entries after retry, got %d", n)
	}

	// a healthy write lifts the hold
	tr.Record(Event{TraceID: "x"})
	tr.Record(Event{TraceID: "y"})
	waitFor(t, "batch flush after recovery", func() bool { return len(store.Entries()) == 9 })
}

type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) InsertBatch(ctx context.Context, entries []Entry) error {
	g.entered <- struct{}{}
	<-g.release
	return g.MemoryStore.InsertBatch(ctx, entries)
}

func TestFailedLoginCountSeesBatchInFlight(t *testing.T) {
	store := &gatedStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	tr := NewTrail(store, WithFlushInterval(time.Hour), WithBatchSize(3))
	for i := 0; i < 3; i++ {
		tr.RecordLogin(LoginAttempt{Email: "x@y.z", IP: "203.0.113.9"})
	}
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("flusher never started writing")
	}

	result := make(chan int, 1)
	go func() {
		n, err := tr.FailedLoginCount(context.Background(), "203.0.113.9", time.Hour)
		if err != nil {
			n = -1
		}
		result <- n
	}()

	select {
	case n := <-result:
		t.Fatalf("count returned %d while a batch was being written", n)
	case <-time.After(30 * time.Millisecond):
	}
	close(store.release)

	select {
	case n := <-result:
		if n != 3 {
			t.Fatalf("expected 3 failures, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("count never returned")
	}
	closeTrail(t, tr)
}
