package remote

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RevisionProvider issues opaque document revision tokens.
type RevisionProvider interface {
	NewRevision() (string, error)
}

type uuidRevisions struct{}

// NewUUIDRevisions constructs a RevisionProvider that issues UUIDv7 tokens.
func NewUUIDRevisions() RevisionProvider {
	return uuidRevisions{}
}

func (uuidRevisions) NewRevision() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// stampClock hands out strictly increasing millisecond stamps so that documents
// written by one process never share an updatedAt value.
type stampClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func newStampClock(now func() time.Time) *stampClock {
	if now == nil {
		now = time.Now
	}
	return &stampClock{now: now}
}

func (c *stampClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	stamp := c.now().UnixMilli()
	if stamp <= c.last {
		stamp = c.last + 1
	}
	c.last = stamp
	return stamp
}
