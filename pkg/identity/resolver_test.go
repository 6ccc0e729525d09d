package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

type fakeMappingStore struct {
	mu      sync.Mutex
	upserts int
	syncs   int

	mapping *Mapping
	created bool
	err     error
	syncErr error

	// when set, Upsert blocks until the channel closes
	gate chan struct{}
}

func (f *fakeMappingStore) Upsert(ctx context.Context, realmID, externalSubject string, profile Profile) (*Mapping, bool, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.err != nil {
		return nil, false, f.err
	}
	return f.mapping, f.created, nil
}

func (f *fakeMappingStore) SyncProfile(ctx context.Context, userID int64, profile Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return f.syncErr
}

func (f *fakeMappingStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

type captureEmitter struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (c *captureEmitter) Emit(ctx context.Context, event *audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEmitter) byType(eventType audit.EventType) []*audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*audit.Event
	for _, e := range c.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestResolver(store MappingStore, emitter audit.Emitter) *Resolver {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	return NewResolver(store, emitter, observability.NopLogger(), observability.NewTestMetrics())
}

func waitForSync(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for profile sync")
	}
}

func TestResolver_Resolve(t *testing.T) {
	store := &fakeMappingStore{mapping: &Mapping{UserID: 42, RealmID: "acme", ExternalSubject: "sub-1"}}
	resolver := newTestResolver(store, nil)
	done := make(chan struct{})
	resolver.syncHook = func() { close(done) }

	userID, err := resolver.Resolve(context.Background(), "acme", "sub-1", Profile{Email: "a@example.com"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if userID != 42 {
		t.Errorf("Expected user 42, got %d", userID)
	}

	waitForSync(t, done)
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.syncs != 1 {
		t.Errorf("Expected 1 profile sync, got %d", store.syncs)
	}
}

func TestResolver_FirstLoginEmitsAudit(t *testing.T) {
	store := &fakeMappingStore{
		mapping: &Mapping{UserID: 7, RealmID: "acme", ExternalSubject: "sub-new"},
		created: true,
	}
	emitter := &captureEmitter{}
	resolver := newTestResolver(store, emitter)
	done := make(chan struct{})
	resolver.syncHook = func() { close(done) }

	if _, err := resolver.Resolve(context.Background(), "acme", "sub-new", Profile{}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	waitForSync(t, done)

	events := emitter.byType(audit.EventTypeIdentityMappingCreated)
	if len(events) != 1 {
		t.Fatalf("Expected 1 mapping-created event, got %d", len(events))
	}
	if events[0].TenantID != "acme" {
		t.Errorf("Unexpected tenant on event: %s", events[0].TenantID)
	}
}

func TestResolver_SyncFailureDoesNotPropagate(t *testing.T) {
	store := &fakeMappingStore{
		mapping: &Mapping{UserID: 42},
		syncErr: errors.New("users table is on fire"),
	}
	resolver := newTestResolver(store, nil)
	done := make(chan struct{})
	resolver.syncHook = func() { close(done) }

	userID, err := resolver.Resolve(context.Background(), "acme", "sub-1", Profile{})
	if err != nil {
		t.Fatalf("Resolve must not fail on sync errors, got %v", err)
	}
	if userID != 42 {
		t.Errorf("Expected user 42, got %d", userID)
	}
	waitForSync(t, done)
}

func TestResolver_ConflictEmitsAudit(t *testing.T) {
	store := &fakeMappingStore{err: &ConflictError{RealmID: "acme", ExternalSubject: "sub-dup", Email: "dup@example.com"}}
	emitter := &captureEmitter{}
	resolver := newTestResolver(store, emitter)

	_, err := resolver.Resolve(context.Background(), "acme", "sub-dup", Profile{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected ConflictError, got %v", err)
	}
	if len(emitter.byType(audit.EventTypeIdentityConflict)) != 1 {
		t.Error("Expected an identity conflict audit event")
	}
}

func TestResolver_ConcurrentFirstLoginsCollapse(t *testing.T) {
	store := &fakeMappingStore{
		mapping: &Mapping{UserID: 7, RealmID: "acme", ExternalSubject: "sub-burst"},
		created: true,
		gate:    make(chan struct{}),
	}
	resolver := newTestResolver(store, nil)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]int64, callers)
	errs := make([]error, callers)

	var started sync.WaitGroup
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], errs[i] = resolver.Resolve(context.Background(), "acme", "sub-burst", Profile{})
		}(i)
	}

	started.Wait()
	// Give the goroutines a beat to pile onto the singleflight key.
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("Caller %d failed: %v", i, errs[i])
		}
		if results[i] != 7 {
			t.Errorf("Caller %d resolved user %d, want 7", i, results[i])
		}
	}
	if n := store.upsertCount(); n != 1 {
		t.Errorf("Expected 1 upsert for %d concurrent callers, got %d", callers, n)
	}
}
