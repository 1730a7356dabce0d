package persistence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
)

// LimitMemoryStore mirrors the pg store's semantics for dev and tests. All
// operations run under one mutex, which also makes the admit/release
// check-and-step atomic.
type LimitMemoryStore struct {
	mu   sync.Mutex
	seq  int64
	rows map[types.Key]*types.LimitedResource
}

func NewLimitMemoryStore() *LimitMemoryStore {
	return &LimitMemoryStore{rows: make(map[types.Key]*types.LimitedResource)}
}

func cloneLimitRow(r *types.LimitedResource) types.LimitedResource {
	out := *r
	if r.CurrentValue != nil {
		out.CurrentValue = types.Float(*r.CurrentValue)
	}
	return out
}

func (s *LimitMemoryStore) Get(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (types.LimitedResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[types.Key{OwnerScope: scope, OwnerID: ownerID, ResourceKind: kind}]
	if !ok {
		return types.LimitedResource{}, ports.ErrLimitNotFound
	}
	return cloneLimitRow(r), nil
}

func (s *LimitMemoryStore) ListByOwner(ctx context.Context, scope types.OwnerScope, ownerID int64) ([]types.LimitedResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.LimitedResource
	for _, r := range s.rows {
		if r.OwnerScope == scope && r.OwnerID == ownerID {
			out = append(out, cloneLimitRow(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKind < out[j].ResourceKind })
	return out, nil
}

func (s *LimitMemoryStore) ListSystemDefaults(ctx context.Context) ([]types.LimitedResource, error) {
	return s.ListByOwner(ctx, types.ScopeSystem, types.SystemOwnerID)
}

func (s *LimitMemoryStore) ListPage(ctx context.Context, afterID int64, limit int) ([]types.LimitedResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.LimitedResource
	for _, r := range s.rows {
		if r.ID > afterID {
			out = append(out, cloneLimitRow(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *LimitMemoryStore) Upsert(ctx context.Context, row types.LimitedResource) (types.LimitedResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := row.Key()
	existing, ok := s.rows[key]
	if ok {
		if types.IsDowngrade(existing.Source, row.Source) {
			return types.LimitedResource{}, ports.ErrPrecedenceViolation
		}
		existing.Plane = row.Plane
		existing.Unit = row.Unit
		existing.MaxValue = row.MaxValue
		existing.CurrentValue = nil
		if row.CurrentValue != nil {
			existing.CurrentValue = types.Float(*row.CurrentValue)
		}
		existing.Source = row.Source
		existing.SetBy = row.SetBy
		existing.UpdatedAt = now
		return cloneLimitRow(existing), nil
	}

	s.seq++
	stored := cloneLimitRow(&row)
	stored.ID = s.seq
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.rows[key] = &stored
	return cloneLimitRow(&stored), nil
}

func (s *LimitMemoryStore) CreateIfAbsent(ctx context.Context, row types.LimitedResource) (types.LimitedResource, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := row.Key()
	if existing, ok := s.rows[key]; ok {
		return cloneLimitRow(existing), false, nil
	}

	now := time.Now().UTC()
	s.seq++
	stored := cloneLimitRow(&row)
	stored.ID = s.seq
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.rows[key] = &stored
	return cloneLimitRow(&stored), true, nil
}

func (s *LimitMemoryStore) DemoteDefault(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, newMax float64) (types.LimitedResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[types.Key{OwnerScope: scope, OwnerID: ownerID, ResourceKind: kind}]
	if !ok {
		return types.LimitedResource{}, ports.ErrLimitNotFound
	}
	switch r.Source {
	case types.SourceManual:
		return types.LimitedResource{}, ports.ErrPrecedenceViolation
	case types.SourceDefault:
		return cloneLimitRow(r), nil
	}
	r.Source = types.SourceDefault
	r.MaxValue = newMax
	r.SetBy = ""
	r.UpdatedAt = time.Now().UTC()
	return cloneLimitRow(r), nil
}

func (s *LimitMemoryStore) ResetSource(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, source types.Source, maxValue float64, setBy string) (types.LimitedResource, error) {
	profile, ok := types.ProfileFor(kind)
	if !ok {
		return types.LimitedResource{}, errors.New("unknown resource kind")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := types.Key{OwnerScope: scope, OwnerID: ownerID, ResourceKind: kind}
	if existing, ok := s.rows[key]; ok {
		existing.MaxValue = maxValue
		existing.Source = source
		existing.SetBy = setBy
		existing.UpdatedAt = now
		return cloneLimitRow(existing), nil
	}

	s.seq++
	stored := types.LimitedResource{
		ID:           s.seq,
		OwnerScope:   scope,
		OwnerID:      ownerID,
		ResourceKind: kind,
		Plane:        profile.Plane,
		Unit:         profile.Unit,
		MaxValue:     maxValue,
		Source:       source,
		SetBy:        setBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if profile.Plane == types.PlaneControl {
		stored.CurrentValue = types.Float(0)
	}
	s.rows[key] = &stored
	return cloneLimitRow(&stored), nil
}

func (s *LimitMemoryStore) AdmitOne(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.countable(scope, ownerID, kind)
	if err != nil {
		return false, err
	}
	if *r.CurrentValue >= r.MaxValue {
		return false, nil
	}
	*r.CurrentValue++
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *LimitMemoryStore) ReleaseOne(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.countable(scope, ownerID, kind)
	if err != nil {
		return false, err
	}
	if *r.CurrentValue <= 0 {
		return false, nil
	}
	*r.CurrentValue--
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *LimitMemoryStore) SetCurrentValue(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[types.Key{OwnerScope: scope, OwnerID: ownerID, ResourceKind: kind}]
	if !ok {
		return ports.ErrLimitNotFound
	}
	if r.Plane != types.PlaneControl || r.Unit != types.UnitCount {
		return ports.ErrNotCountable
	}
	r.CurrentValue = types.Float(value)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// countable must be called with the mutex held.
func (s *LimitMemoryStore) countable(scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (*types.LimitedResource, error) {
	r, ok := s.rows[types.Key{OwnerScope: scope, OwnerID: ownerID, ResourceKind: kind}]
	if !ok {
		return nil, ports.ErrLimitNotFound
	}
	if r.Plane != types.PlaneControl || r.Unit != types.UnitCount || r.CurrentValue == nil {
		return nil, ports.ErrNotCountable
	}
	return r, nil
}

func (s *LimitMemoryStore) UpdateDefaultMaxBatch(ctx context.Context, kind types.ResourceKind, newMax float64, afterID int64, batchSize int) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []*types.LimitedResource
	for _, r := range s.rows {
		if r.ResourceKind != kind || r.Source != types.SourceDefault {
			continue
		}
		if r.OwnerScope != types.ScopeTeam && r.OwnerScope != types.ScopeUser {
			continue
		}
		if r.ID > afterID {
			batch = append(batch, r)
		}
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	if batchSize > 0 && len(batch) > batchSize {
		batch = batch[:batchSize]
	}

	now := time.Now().UTC()
	lastID := afterID
	for _, r := range batch {
		r.MaxValue = newMax
		r.UpdatedAt = now
		if r.ID > lastID {
			lastID = r.ID
		}
	}
	return lastID, len(batch), nil
}
