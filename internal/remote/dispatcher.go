package remote

import (
	"context"
	"sync"
)

// dispatcher fans collection snapshots out to subscribers. Each subscriber holds
// at most one pending snapshot; a newer snapshot replaces an undelivered one.
type dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
}

type subscriber struct {
	id     int64
	mu     sync.Mutex
	closed bool
	stream chan Snapshot
}

func newDispatcher() *dispatcher {
	return &dispatcher{subscribers: make(map[string]map[int64]*subscriber)}
}

// subscribe registers a stream for collection. The returned cleanup closes the stream
// and is safe to call more than once; it also runs when ctx ends.
func (d *dispatcher) subscribe(ctx context.Context, collection string) (*subscriber, func()) {
	sub := &subscriber{stream: make(chan Snapshot, 1)}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*subscriber)
	}
	d.subscribers[collection][sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(collection, sub.id)
			sub.close()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub, cleanup
}

func (d *dispatcher) hasSubscribers(collection string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[collection]) > 0
}

func (d *dispatcher) publish(snapshot Snapshot) {
	d.mu.RLock()
	targets := make([]*subscriber, 0, len(d.subscribers[snapshot.Collection]))
	for _, sub := range d.subscribers[snapshot.Collection] {
		targets = append(targets, sub)
	}
	d.mu.RUnlock()
	for _, sub := range targets {
		sub.deliver(snapshot)
	}
}

func (d *dispatcher) unregister(collection string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, collection)
		}
	}
	d.mu.Unlock()
}

func (s *subscriber) deliver(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.stream:
	default:
	}
	s.stream <- snapshot
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stream)
}
