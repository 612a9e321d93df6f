// Package favorites keeps the signed-in user's favorite spot ids in sync with the
// remote store and applies toggles optimistically.
package favorites

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pablormago/SpotsAndroid-public-sub002/internal/metrics"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/remote"
	"go.uber.org/zap"
)

var (
	// ErrSignedOut indicates a toggle attempted without a signed-in user; no state changes.
	ErrSignedOut = errors.New("favorites: no user signed in")
	// ErrInvalidSpotID indicates an empty or malformed spot identifier.
	ErrInvalidSpotID = errors.New("favorites: invalid spot id")
	// ErrRemoteMutation indicates the remote write behind a toggle failed and the toggle was reverted.
	ErrRemoteMutation = errors.New("favorites: remote mutation failed")
)

// CollectionFor returns the remote collection holding a user's favorite edges.
func CollectionFor(userID string) string {
	return remote.JoinPath("users", userID, "favorites")
}

// Config describes the dependencies of a favorites store.
type Config struct {
	Remote remote.Store
	Clock  func() time.Time
	Logger *zap.Logger
	// IdleTimeout bounds how long a Registry keeps an unwatched session. Zero means
	// DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// Store holds the favorite id set of at most one signed-in user.
//
// Every mutation of the set increments version. StartListening and ClearForLogout
// also increment generation, which invalidates callbacks of earlier sessions.
type Store struct {
	remote remote.Store
	clock  func() time.Time
	logger *zap.Logger

	mu         sync.Mutex
	userID     string
	ids        map[string]struct{}
	version    uint64
	generation uint64
	listener   *Listener
	watchers   map[int64]chan []string
	nextWatch  int64
}

// Listener is the handle of one remote subscription.
type Listener struct {
	cancel func()
	done   chan struct{}
	once   sync.Once
}

func inertListener() *Listener {
	done := make(chan struct{})
	close(done)
	return &Listener{cancel: func() {}, done: done}
}

// Cancel stops the subscription. It is safe to call more than once.
func (l *Listener) Cancel() {
	if l == nil {
		return
	}
	l.once.Do(l.cancel)
}

// Done is closed once the subscription has stopped delivering snapshots.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// NewStore constructs a signed-out store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Remote == nil {
		return nil, errors.New("favorites: remote store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		remote:   cfg.Remote,
		clock:    clock,
		logger:   logger,
		ids:      map[string]struct{}{},
		watchers: map[int64]chan []string{},
	}, nil
}

// StartListening tears down any previous subscription and resets the set. For a
// non-empty userID it subscribes to that user's favorites; every snapshot then
// replaces the set. The subscription ends when ctx ends or the listener is cancelled.
func (s *Store) StartListening(ctx context.Context, userID string) (*Listener, error) {
	userID = strings.TrimSpace(userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(userID)
	if userID == "" {
		s.listener = inertListener()
		return s.listener, nil
	}

	listenCtx, cancel := context.WithCancel(ctx)
	stream, stop, err := s.remote.Subscribe(listenCtx, CollectionFor(userID))
	if err != nil {
		cancel()
		s.resetLocked("")
		return nil, fmt.Errorf("favorites: subscribe for %s: %w", userID, err)
	}

	generation := s.generation
	listener := &Listener{
		cancel: func() {
			stop()
			cancel()
		},
		done: make(chan struct{}),
	}
	go func() {
		defer close(listener.done)
		for snapshot := range stream {
			s.applySnapshot(generation, snapshot)
		}
	}()
	s.listener = listener
	return listener, nil
}

// ClearForLogout tears down the subscription and empties the set. Toggles still in
// flight never restore state into the cleared store.
func (s *Store) ClearForLogout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked("")
}

// Toggle flips spotID optimistically and issues the matching remote write. It returns
// whether spotID is a favorite after the toggle. When the remote write fails the set is
// restored to its pre-toggle value, unless a snapshot or a new session changed it in the
// meantime; the newer state is then kept.
func (s *Store) Toggle(ctx context.Context, spotID string) (bool, error) {
	spotID = strings.TrimSpace(spotID)
	if spotID == "" || strings.Contains(spotID, "/") {
		return false, fmt.Errorf("%w: %q", ErrInvalidSpotID, spotID)
	}

	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return false, ErrSignedOut
	}
	userID := s.userID
	generation := s.generation
	before := cloneSet(s.ids)
	_, wasFavorite := s.ids[spotID]
	if wasFavorite {
		delete(s.ids, spotID)
	} else {
		s.ids[spotID] = struct{}{}
	}
	s.version++
	optimisticVersion := s.version
	s.notifyLocked()
	s.mu.Unlock()

	path := remote.JoinPath(CollectionFor(userID), spotID)
	var err error
	if wasFavorite {
		err = s.remote.Delete(ctx, path)
	} else {
		err = s.remote.Set(ctx, path, map[string]any{"createdAt": s.clock().UnixMilli()})
	}
	if err == nil {
		return !wasFavorite, nil
	}

	s.mu.Lock()
	reverted := s.generation == generation && s.version == optimisticVersion
	if reverted {
		s.ids = before
		s.version++
		s.notifyLocked()
	}
	s.mu.Unlock()

	if reverted {
		metrics.FavoritesRollbacksTotal.Inc()
	}
	s.logger.Warn("favorite toggle failed",
		zap.String("user_id", userID),
		zap.String("spot_id", spotID),
		zap.Bool("reverted", reverted),
		zap.Error(err))
	return wasFavorite, fmt.Errorf("%w: %v", ErrRemoteMutation, err)
}

// UserID returns the signed-in user, or "" when signed out.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// IDs returns the current favorite ids in ascending order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.ids)
}

// Contains reports whether spotID is currently a favorite.
func (s *Store) Contains(spotID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[spotID]
	return ok
}

func (s *Store) watched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers) > 0
}

// Watch streams the current set and then every change until ctx ends. A slow reader
// only ever sees the latest set.
func (s *Store) Watch(ctx context.Context) <-chan []string {
	stream := make(chan []string, 1)
	s.mu.Lock()
	s.nextWatch++
	watchID := s.nextWatch
	s.watchers[watchID] = stream
	stream <- sortedIDs(s.ids)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, watchID)
		close(stream)
		s.mu.Unlock()
	}()
	return stream
}

func (s *Store) applySnapshot(generation uint64, snapshot remote.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return
	}
	next := make(map[string]struct{}, len(snapshot.Documents))
	for _, id := range snapshot.IDs() {
		next[id] = struct{}{}
	}
	s.ids = next
	s.version++
	s.notifyLocked()
}

func (s *Store) resetLocked(userID string) {
	if s.listener != nil {
		s.listener.Cancel()
		s.listener = nil
	}
	s.generation++
	s.userID = userID
	s.ids = map[string]struct{}{}
	s.version++
	s.notifyLocked()
}

func (s *Store) notifyLocked() {
	if len(s.watchers) == 0 {
		return
	}
	current := sortedIDs(s.ids)
	for _, stream := range s.watchers {
		select {
		case <-stream:
		default:
		}
		stream <- current
	}
}

func cloneSet(ids map[string]struct{}) map[string]struct{} {
	clone := make(map[string]struct{}, len(ids))
	for id := range ids {
		clone[id] = struct{}{}
	}
	return clone
}

func sortedIDs(ids map[string]struct{}) []string {
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	slices.Sort(sorted)
	return sorted
}
