package favorites

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultIdleTimeout is how long an unwatched session survives without requests.
const DefaultIdleTimeout = 30 * time.Minute

// Registry owns one listening Store per signed-in user of the process.
//
// Sessions that go unused for longer than the idle timeout and have no active Watch
// are cleared and forgotten by EvictIdle; the next request subscribes again.
type Registry struct {
	cfg         Config
	clock       func() time.Time
	idleTimeout time.Duration
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	store    *Store
	lastUsed time.Time
}

// NewRegistry constructs a registry whose subscriptions live until Close.
func NewRegistry(cfg Config) (*Registry, error) {
	if _, err := NewStore(cfg); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:         cfg,
		clock:       clock,
		idleTimeout: idleTimeout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    map[string]*session{},
	}, nil
}

// Session returns the store of userID, subscribing on first use.
func (r *Registry) Session(userID string) (*Store, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrSignedOut
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[userID]; ok {
		existing.lastUsed = r.clock()
		return existing.store, nil
	}
	store, err := NewStore(r.cfg)
	if err != nil {
		return nil, err
	}
	if _, err := store.StartListening(r.ctx, userID); err != nil {
		return nil, err
	}
	r.sessions[userID] = &session{store: store, lastUsed: r.clock()}
	return store, nil
}

// Logout clears and forgets the session of userID.
func (r *Registry) Logout(userID string) {
	userID = strings.TrimSpace(userID)
	r.mu.Lock()
	existing, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if ok {
		existing.store.ClearForLogout()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle clears every session idle for longer than the idle timeout that nobody
// is watching, and returns how many were evicted.
func (r *Registry) EvictIdle() int {
	cutoff := r.clock().Add(-r.idleTimeout)

	r.mu.Lock()
	evicted := make([]*Store, 0)
	for userID, existing := range r.sessions {
		if !existing.lastUsed.Before(cutoff) || existing.store.watched() {
			continue
		}
		delete(r.sessions, userID)
		evicted = append(evicted, existing.store)
	}
	r.mu.Unlock()

	for _, store := range evicted {
		store.ClearForLogout()
	}
	if len(evicted) > 0 {
		r.logger.Debug("evicted idle favorites sessions", zap.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Run evicts idle sessions every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}

// Close clears every session and stops all subscriptions.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*session{}
	r.mu.Unlock()
	for _, existing := range sessions {
		existing.store.ClearForLogout()
	}
	r.cancel()
}
