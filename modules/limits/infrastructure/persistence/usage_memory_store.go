package persistence

import (
	"context"
	"sync"

	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
)

// UsageMemoryStore serves fixture counts in dev and tests.
type UsageMemoryStore struct {
	mu     sync.Mutex
	counts map[types.Key]float64
}

func NewUsageMemoryStore() *UsageMemoryStore {
	return &UsageMemoryStore{counts: make(map[types.Key]float64)}
}

func (s *UsageMemoryStore) SetCount(scope types.OwnerScope, ownerID int64, kind types.ResourceKind, count float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[types.Key{OwnerScope: scope, OwnerID: ownerID, ResourceKind: kind}] = count
}

func (s *UsageMemoryStore) TrueCount(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (float64, error) {
	if !usageCountable(scope, kind) {
		return 0, ports.ErrUsageUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[types.Key{OwnerScope: scope, OwnerID: ownerID, ResourceKind: kind}], nil
}
