package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/remote"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/spots"
	"gorm.io/gorm"
)

var errResolverDown = errors.New("resolver down")

func newTestDatabase(t *testing.T, models ...any) (*gorm.DB, func() error) {
	t.Helper()
	dsn := fmt.Sprintf("file:backfill_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db, sqlDB.Close
}

func newTestCache(t *testing.T, ids ...string) (*spots.Cache, func() error) {
	t.Helper()
	db, closeDB := newTestDatabase(t, &spots.Spot{})
	cache, err := spots.NewCache(spots.CacheConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	seedSpots(t, cache, ids...)
	return cache, closeDB
}

func seedSpots(t *testing.T, cache *spots.Cache, ids ...string) {
	t.Helper()
	records := make([]spots.SpotRecord, 0, len(ids))
	for index, raw := range ids {
		id, err := spots.NewSpotID(raw)
		if err != nil {
			t.Fatalf("invalid spot id: %v", err)
		}
		records = append(records, spots.SpotRecord{
			ID:          id,
			Latitude:    float64(index),
			Longitude:   float64(index),
			Visibility:  spots.VisibilityPublic,
			UpdatedAtMs: 1,
		})
	}
	if err := cache.UpsertAll(context.Background(), records); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func mustGet(t *testing.T, cache *spots.Cache, raw string) spots.SpotRecord {
	t.Helper()
	id, err := spots.NewSpotID(raw)
	if err != nil {
		t.Fatalf("invalid spot id: %v", err)
	}
	record, err := cache.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s failed: %v", raw, err)
	}
	return record
}

type stubComments struct {
	counts map[spots.SpotID]int64
	fail   map[spots.SpotID]bool
	calls  atomic.Int64
}

func (s *stubComments) CountFor(_ context.Context, spotID spots.SpotID) (int64, error) {
	s.calls.Add(1)
	if s.fail[spotID] {
		return 0, errResolverDown
	}
	return s.counts[spotID], nil
}

type stubLocalities struct {
	names map[float64]string
	calls atomic.Int64
}

func (s *stubLocalities) ReverseLocality(_ context.Context, lat, _ float64, _ string) (string, bool, error) {
	s.calls.Add(1)
	name, ok := s.names[lat]
	return name, ok, nil
}

// gatedLocalities blocks every lookup until released or the call context ends.
type gatedLocalities struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (g *gatedLocalities) ReverseLocality(ctx context.Context, _, _ float64, _ string) (string, bool, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case <-g.release:
		return "Ericeira", true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return coordinator
}

func TestRunPassResolvesBothFields(t *testing.T) {
	cache, _ := newTestCache(t, "a", "b", "c")
	comments := &stubComments{counts: map[spots.SpotID]int64{"a": 3, "b": 0, "c": 7}}
	localities := &stubLocalities{names: map[float64]string{0: "Nazaré", 1: "Peniche"}}
	coordinator := newTestCoordinator(t, Config{Cache: cache, Comments: comments, Localities: localities})

	result, err := coordinator.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if got := result[spots.FieldCommentCount]; got.Selected != 3 || got.Resolved != 3 {
		t.Fatalf("unexpected comment result %+v", got)
	}
	if got := result[spots.FieldLocality]; got.Selected != 3 || got.Resolved != 3 {
		t.Fatalf("unexpected locality result %+v", got)
	}

	if count, ok := mustGet(t, cache, "b").CommentCount.Value(); !ok || count != 0 {
		t.Fatalf("expected resolved zero count, got %d %v", count, ok)
	}
	if locality, ok := mustGet(t, cache, "b").Locality.Value(); !ok || locality != "Peniche" {
		t.Fatalf("expected Peniche, got %q %v", locality, ok)
	}
	if locality, ok := mustGet(t, cache, "c").Locality.Value(); !ok || locality != "" {
		t.Fatalf("expected a lookup without locality to resolve to empty, got %q %v", locality, ok)
	}
	if record := mustGet(t, cache, "a"); record.UpdatedAtMs <= 1 {
		t.Fatalf("expected resolution to bump updated_at, got %d", record.UpdatedAtMs)
	}

	again, err := coordinator.RunPass(context.Background())
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if again[spots.FieldCommentCount].Selected != 0 || again[spots.FieldLocality].Selected != 0 {
		t.Fatalf("expected nothing left to resolve, got %+v", again)
	}
	if comments.calls.Load() != 3 || localities.calls.Load() != 3 {
		t.Fatalf("unexpected resolver calls %d/%d", comments.calls.Load(), localities.calls.Load())
	}
}

func TestRunPassLeavesFailuresUnresolved(t *testing.T) {
	cache, _ := newTestCache(t, "ok", "down")
	comments := &stubComments{
		counts: map[spots.SpotID]int64{"ok": 2},
		fail:   map[spots.SpotID]bool{"down": true},
	}
	coordinator := newTestCoordinator(t, Config{Cache: cache, Comments: comments})

	result, err := coordinator.RunPass(context.Background())
	if err != nil {
		t.Fatalf("resolver failures must not abort the pass: %v", err)
	}
	got := result[spots.FieldCommentCount]
	if got.Resolved != 1 || got.Failed != 1 {
		t.Fatalf("unexpected result %+v", got)
	}
	if mustGet(t, cache, "down").CommentCount.IsResolved() {
		t.Fatalf("expected failed record to stay unresolved")
	}
	if _, ok := result[spots.FieldLocality]; ok {
		t.Fatalf("expected locality to be skipped without a resolver")
	}
}

func TestRunPassRotatesPastRecordsThatKeepFailing(t *testing.T) {
	cache, _ := newTestCache(t, "a00", "a01", "a02", "zz")
	comments := &stubComments{
		counts: map[spots.SpotID]int64{"zz": 7},
		fail:   map[spots.SpotID]bool{"a00": true, "a01": true, "a02": true},
	}
	coordinator := newTestCoordinator(t, Config{Cache: cache, Comments: comments, BatchSize: 3})

	passes := []struct {
		name     string
		resolved int
		failed   int
	}{
		{name: "head of queue fails", resolved: 0, failed: 3},
		{name: "cursor reaches the tail", resolved: 1, failed: 2},
		{name: "failing rows are retried", resolved: 0, failed: 3},
	}
	for _, pass := range passes {
		result, err := coordinator.RunPass(context.Background())
		if err != nil {
			t.Fatalf("%s: pass failed: %v", pass.name, err)
		}
		got := result[spots.FieldCommentCount]
		if got.Selected != 3 || got.Resolved != pass.resolved || got.Failed != pass.failed {
			t.Fatalf("%s: unexpected result %+v", pass.name, got)
		}
	}

	if count, ok := mustGet(t, cache, "zz").CommentCount.Value(); !ok || count != 7 {
		t.Fatalf("expected zz to resolve behind the failing rows, got %d %v", count, ok)
	}
	for _, raw := range []string{"a00", "a01", "a02"} {
		if mustGet(t, cache, raw).CommentCount.IsResolved() {
			t.Fatalf("expected %s to stay unresolved", raw)
		}
	}
	if comments.calls.Load() != 9 {
		t.Fatalf("expected 9 resolver calls, got %d", comments.calls.Load())
	}
}

func TestRunPassTimesOutSlowResolver(t *testing.T) {
	cache, _ := newTestCache(t, "slow")
	gate := &gatedLocalities{started: make(chan struct{}, 1), release: make(chan struct{})}
	coordinator := newTestCoordinator(t, Config{Cache: cache, Localities: gate, ResolveTimeout: 20 * time.Millisecond})

	started := time.Now()
	result, err := coordinator.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("expected the resolver call to time out, took %s", elapsed)
	}
	if result[spots.FieldLocality].Failed != 1 {
		t.Fatalf("expected timeout to count as failure, got %+v", result)
	}
	if mustGet(t, cache, "slow").Locality.IsResolved() {
		t.Fatalf("expected timed out record to stay unresolved")
	}
}

func TestConcurrentPassesDoNotShareRecords(t *testing.T) {
	ids := []string{"r1", "r2", "r3"}
	cache, _ := newTestCache(t, ids...)
	gate := &gatedLocalities{started: make(chan struct{}, len(ids)), release: make(chan struct{})}
	coordinator := newTestCoordinator(t, Config{Cache: cache, Localities: gate, Workers: len(ids), ResolveTimeout: time.Minute})

	var wg sync.WaitGroup
	var first PassResult
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = coordinator.RunPass(context.Background())
	}()
	for range ids {
		<-gate.started
	}

	second, err := coordinator.RunPass(context.Background())
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if got := second[spots.FieldLocality]; got.Selected != len(ids) || got.Skipped != len(ids) || got.Resolved != 0 {
		t.Fatalf("expected every record to be claimed by the first pass, got %+v", got)
	}

	close(gate.release)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first pass failed: %v", firstErr)
	}
	if first[spots.FieldLocality].Resolved != len(ids) {
		t.Fatalf("unexpected first pass %+v", first)
	}
	if gate.calls.Load() != int64(len(ids)) {
		t.Fatalf("expected %d resolver calls, got %d", len(ids), gate.calls.Load())
	}
}

func TestRunPassAbortsOnStorageFault(t *testing.T) {
	cache, closeDB := newTestCache(t, "a")
	coordinator := newTestCoordinator(t, Config{Cache: cache, Comments: &stubComments{}})
	if err := closeDB(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := coordinator.RunPass(context.Background()); err == nil {
		t.Fatalf("expected storage fault to abort the pass")
	}
}

func TestRunResolvesOnTrigger(t *testing.T) {
	cache, _ := newTestCache(t)
	comments := &stubComments{counts: map[spots.SpotID]int64{"late": 5}}
	coordinator := newTestCoordinator(t, Config{Cache: cache, Comments: comments, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coordinator.Run(ctx)
	}()

	seedSpots(t, cache, "late")
	deadline := time.Now().Add(2 * time.Second)
	for !mustGet(t, cache, "late").CommentCount.IsResolved() {
		if time.Now().After(deadline) {
			t.Fatalf("expected triggered pass to resolve the record")
		}
		coordinator.Trigger()
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to stop after cancellation")
	}
}

func TestNewCoordinatorValidation(t *testing.T) {
	cache, _ := newTestCache(t)
	if _, err := NewCoordinator(Config{Comments: &stubComments{}}); !errors.Is(err, errMissingCache) {
		t.Fatalf("expected errMissingCache, got %v", err)
	}
	if _, err := NewCoordinator(Config{Cache: cache}); !errors.Is(err, errMissingResolvers) {
		t.Fatalf("expected errMissingResolvers, got %v", err)
	}
	coordinator := newTestCoordinator(t, Config{Cache: cache, Comments: &stubComments{}, BatchSize: 10_000})
	if coordinator.batchSize != MaxBatchSize {
		t.Fatalf("expected batch size to be capped, got %d", coordinator.batchSize)
	}
}

func TestDocumentCommentCounterCountsChats(t *testing.T) {
	db, _ := newTestDatabase(t, &remote.DocumentRow{})
	store, err := remote.NewSQLStore(remote.SQLStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct remote store: %v", err)
	}
	ctx := context.Background()
	for _, path := range []string{"spots/s1/chats/m1", "spots/s1/chats/m2", "spots/s2/chats/m1"} {
		if err := store.Set(ctx, path, map[string]any{"text": "hi"}); err != nil {
			t.Fatalf("seed %s failed: %v", path, err)
		}
	}

	count, err := DocumentCommentCounter{Remote: store}.CountFor(ctx, "s1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 chats, got %d", count)
	}
}
