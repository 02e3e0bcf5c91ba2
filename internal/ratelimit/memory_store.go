package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMemorySweepInterval is how often RunCleanup drops stale records
const DefaultMemorySweepInterval = time.Minute

// MemoryStore keeps records in process memory. Each identifier has its own
// mutex, so updates for one client never wait on another.
// Only suitable for single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	mu        sync.Mutex
	rec       Record
	exists    bool
	expiresAt time.Time // zero means keep forever
	removed   bool      // set by Sweep, the entry must be looked up again
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) entry(identifier string, create bool) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[identifier]
	if !ok && create {
		e = &memoryEntry{}
		s.entries[identifier] = e
	}
	return e
}

// lock returns the live entry for identifier with its mutex held
func (s *MemoryStore) lock(identifier string, create bool) *memoryEntry {
	for {
		e := s.entry(identifier, create)
		if e == nil {
			return nil
		}
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

func (s *MemoryStore) Update(ctx context.Context, identifier string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := s.lock(identifier, true)
	defer e.mu.Unlock()

	next, write, err := fn(e.rec.clone(), e.exists)
	if err != nil {
		return err
	}
	if write {
		e.rec = next.clone()
		e.exists = true
		e.expiresAt = time.Time{}
		if next.RetainMs > 0 {
			e.expiresAt = s.now().Add(time.Duration(next.RetainMs) * time.Millisecond)
		}
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, identifier string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	e := s.lock(identifier, false)
	if e == nil {
		return Record{}, false, nil
	}
	defer e.mu.Unlock()
	return e.rec.clone(), e.exists, nil
}

// Sweep removes records that can no longer affect a decision, along with
// entries that were created but never written. It returns how many were
// removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		// never blocks for long: Update holds an entry lock only while fn runs
		e.mu.Lock()
		stale := !e.exists || (!e.expiresAt.IsZero() && !now.Before(e.expiresAt))
		if stale {
			e.removed = true
			delete(s.entries, id)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// RunCleanup sweeps on every interval until ctx is cancelled
func (s *MemoryStore) RunCleanup(ctx context.Context, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = DefaultMemorySweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Debug("ratelimit_memory_sweep", zap.Int("removed", n), zap.Int("remaining", s.Len()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Len returns the number of identifiers tracked
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
