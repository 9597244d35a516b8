package webhook

import (
	"context"
	"sync"
	"time"
)

// IdempotencyStore guarantees at-most-once processing per event id within
// the TTL. MarkSeen must be an atomic check-and-set shared across all
// dispatcher workers.
type IdempotencyStore interface {
	// MarkSeen records the event id and reports whether this call was the
	// first to see it within the TTL.
	MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (first bool, err error)
}

// MemoryStore is the in-process IdempotencyStore used in tests and local
// development without Redis.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (s *MemoryStore) MarkSeen(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.seen[eventID]; ok && now.Before(expiry) {
		return false, nil
	}

	s.seen[eventID] = now.Add(ttl)

	// Opportunistic cleanup of expired markers.
	if len(s.seen) > 4096 {
		for id, expiry := range s.seen {
			if now.After(expiry) {
				delete(s.seen, id)
			}
		}
	}
	return true, nil
}
