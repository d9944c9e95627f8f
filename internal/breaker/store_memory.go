package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/deinte/peppolsub/internal/clock"
)

type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// MemoryStore keeps breaker state in process memory. Suitable for
// single-node deployments and tests; multi-node deployments share state
// through the RedisStore instead.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clk,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Get(ctx context.Context, provider string) (Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(provider), nil
}

func (s *MemoryStore) Put(ctx context.Context, provider string, snap Snapshot, ttl time.Duration) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[provider] = memoryEntry{snap: snap, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) IncrFailures(ctx context.Context, provider string, ttl time.Duration) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.load(provider)
	snap.FailureCount++
	s.entries[provider] = memoryEntry{snap: snap, expiresAt: s.clock.Now().Add(ttl)}
	return snap.FailureCount, nil
}

func (s *MemoryStore) DecrFailures(ctx context.Context, provider string) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[provider]
	if !ok || s.expired(entry) {
		return 0, nil
	}
	if entry.snap.FailureCount > 0 {
		entry.snap.FailureCount--
	}
	s.entries[provider] = entry
	return entry.snap.FailureCount, nil
}

func (s *MemoryStore) IncrSuccesses(ctx context.Context, provider string, ttl time.Duration) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.load(provider)
	snap.SuccessCount++
	s.entries[provider] = memoryEntry{snap: snap, expiresAt: s.clock.Now().Add(ttl)}
	return snap.SuccessCount, nil
}

func (s *MemoryStore) Reset(ctx context.Context, provider string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, provider)
	return nil
}

// load must be called with s.mu held.
func (s *MemoryStore) load(provider string) Snapshot {
	entry, ok := s.entries[provider]
	if !ok || s.expired(entry) {
		return Snapshot{State: StateClosed}
	}
	return entry.snap
}

func (s *MemoryStore) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && s.clock.Now().After(entry.expiresAt)
}
