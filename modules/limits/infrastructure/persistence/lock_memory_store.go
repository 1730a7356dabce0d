package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
)

type LockMemoryStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	locks map[string]*types.JobLock
}

func NewLockMemoryStore(clock clockwork.Clock) *LockMemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LockMemoryStore{clock: clock, locks: make(map[string]*types.JobLock)}
}

func (s *LockMemoryStore) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	l, ok := s.locks[name]
	if !ok {
		s.locks[name] = &types.JobLock{Name: name, Held: true, UpdatedAt: now}
		return true, nil
	}
	if l.Held && now.Sub(l.UpdatedAt) < ttl {
		return false, nil
	}
	l.Held = true
	l.UpdatedAt = now
	return true, nil
}

func (s *LockMemoryStore) Release(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[name]
	if !ok {
		return false, nil
	}
	l.Held = false
	return true, nil
}
