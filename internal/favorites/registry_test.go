package favorites

import (
	"context"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(step)
	c.mu.Unlock()
}

func mustSession(t *testing.T, registry *Registry, userID string) *Store {
	t.Helper()
	store, err := registry.Session(userID)
	if err != nil {
		t.Fatalf("session %s failed: %v", userID, err)
	}
	return store
}

func TestRegistryEvictsIdleUnwatchedSessions(t *testing.T) {
	clock := &manualClock{now: time.UnixMilli(1700000000000)}
	registry, err := NewRegistry(Config{Remote: newScriptedRemote(), Clock: clock.Now, IdleTimeout: 10 * time.Minute})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	defer registry.Close()

	active := mustSession(t, registry, "u1")
	watched := mustSession(t, registry, "u2")
	watchCtx, stopWatching := context.WithCancel(context.Background())
	updates := watched.Watch(watchCtx)
	<-updates

	clock.Advance(5 * time.Minute)
	if same := mustSession(t, registry, "u1"); same != active {
		t.Fatalf("expected u1 session to be reused")
	}
	if evicted := registry.EvictIdle(); evicted != 0 {
		t.Fatalf("expected no eviction before the timeout, got %d", evicted)
	}

	clock.Advance(6 * time.Minute)
	if evicted := registry.EvictIdle(); evicted != 0 {
		t.Fatalf("expected watched and recently used sessions to survive, got %d", evicted)
	}

	stopWatching()
	for range updates {
	}
	deadline := time.Now().Add(2 * time.Second)
	for watched.watched() {
		if time.Now().After(deadline) {
			t.Fatalf("expected watcher to detach")
		}
		time.Sleep(time.Millisecond)
	}
	if evicted := registry.EvictIdle(); evicted != 1 {
		t.Fatalf("expected the unwatched idle session to be evicted, got %d", evicted)
	}
	if watched.UserID() != "" {
		t.Fatalf("expected evicted store to be signed out, got %q", watched.UserID())
	}
	if registry.Len() != 1 {
		t.Fatalf("expected one live session, got %d", registry.Len())
	}

	clock.Advance(11 * time.Minute)
	if evicted := registry.EvictIdle(); evicted != 1 {
		t.Fatalf("expected u1 to be evicted once idle, got %d", evicted)
	}
	if registry.Len() != 0 {
		t.Fatalf("expected no live sessions, got %d", registry.Len())
	}

	renewed := mustSession(t, registry, "u1")
	if renewed == active {
		t.Fatalf("expected a fresh session after eviction")
	}
	if renewed.UserID() != "u1" {
		t.Fatalf("expected fresh session to listen for u1, got %q", renewed.UserID())
	}
}

func TestRegistryRunStopsWithContext(t *testing.T) {
	registry, err := NewRegistry(Config{Remote: newScriptedRemote(), IdleTimeout: time.Nanosecond})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	defer registry.Close()
	mustSession(t, registry, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		registry.Run(ctx, time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected Run to evict the idle session")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to stop after cancellation")
	}
}
