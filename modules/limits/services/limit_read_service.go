package services

import (
	"context"
	"sort"

	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
	"github.com/quotienthq/quotient/pkg/httperr"
)

// LimitReadService resolves the effective limit set for an owner.
//
// Effective(TEAM, id) merges the team's rows over the SYSTEM defaults and
// materializes every inherited default as a concrete TEAM row, so the call
// always leaves editable team-owned rows behind. Effective(USER, id)
// overlays the user's rows on their team's effective list; it never merges
// against SYSTEM directly.
type LimitReadService interface {
	Effective(ctx context.Context, scope types.OwnerScope, ownerID int64) ([]types.LimitedResource, error)
	SystemDefaults(ctx context.Context) ([]types.LimitedResource, error)
}

type limitReadService struct {
	store   ports.LimitStore
	catalog ports.PlanCatalog
}

func NewLimitReadService(store ports.LimitStore, catalog ports.PlanCatalog) LimitReadService {
	return &limitReadService{store: store, catalog: catalog}
}

func (s *limitReadService) SystemDefaults(ctx context.Context) ([]types.LimitedResource, error) {
	return s.store.ListSystemDefaults(ctx)
}

func (s *limitReadService) Effective(ctx context.Context, scope types.OwnerScope, ownerID int64) ([]types.LimitedResource, error) {
	if ownerID <= 0 {
		return nil, httperr.NewBadRequest(errLimitOwnerInvalid)
	}
	switch scope {
	case types.ScopeTeam:
		return s.effectiveTeam(ctx, ownerID)
	case types.ScopeUser:
		return s.effectiveUser(ctx, ownerID)
	}
	return nil, httperr.NewBadRequest(errLimitScopeInvalid)
}

func (s *limitReadService) effectiveTeam(ctx context.Context, teamID int64) ([]types.LimitedResource, error) {
	systemRows, err := s.store.ListSystemDefaults(ctx)
	if err != nil {
		return nil, err
	}
	teamRows, err := s.store.ListByOwner(ctx, types.ScopeTeam, teamID)
	if err != nil {
		return nil, err
	}

	byKind := make(map[types.ResourceKind]types.LimitedResource, len(teamRows))
	for _, row := range teamRows {
		byKind[row.ResourceKind] = row
	}

	for _, sys := range systemRows {
		if _, ok := byKind[sys.ResourceKind]; ok {
			continue
		}
		seed := types.LimitedResource{
			OwnerScope:   types.ScopeTeam,
			OwnerID:      teamID,
			ResourceKind: sys.ResourceKind,
			Plane:        sys.Plane,
			Unit:         sys.Unit,
			MaxValue:     sys.MaxValue,
			Source:       types.SourceDefault,
		}
		// Materialized counters start at zero; the reconcile sweep trues
		// them up against ground truth.
		if sys.Plane == types.PlaneControl {
			seed.CurrentValue = types.Float(0)
		}
		row, _, err := s.store.CreateIfAbsent(ctx, seed)
		if err != nil {
			return nil, err
		}
		byKind[row.ResourceKind] = row
	}

	return sortedByKind(byKind), nil
}

func (s *limitReadService) effectiveUser(ctx context.Context, userID int64) ([]types.LimitedResource, error) {
	userRows, err := s.store.ListByOwner(ctx, types.ScopeUser, userID)
	if err != nil {
		return nil, err
	}

	teamID, inTeam, err := s.catalog.TeamForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	byKind := make(map[types.ResourceKind]types.LimitedResource, len(userRows))
	if inTeam {
		teamList, err := s.effectiveTeam(ctx, teamID)
		if err != nil {
			return nil, err
		}
		for _, row := range teamList {
			byKind[row.ResourceKind] = row
		}
	}
	// A user outside any team sees only their own rows: defaults
	// materialize at TEAM scope, never at USER scope.
	for _, row := range userRows {
		byKind[row.ResourceKind] = row
	}

	return sortedByKind(byKind), nil
}

func sortedByKind(byKind map[types.ResourceKind]types.LimitedResource) []types.LimitedResource {
	seen := make(map[types.ResourceKind]bool, len(byKind))
	out := make([]types.LimitedResource, 0, len(byKind))
	for _, kind := range types.KnownKinds() {
		if row, ok := byKind[kind]; ok {
			out = append(out, row)
			seen[kind] = true
		}
	}
	var rest []string
	for kind := range byKind {
		if !seen[kind] {
			rest = append(rest, string(kind))
		}
	}
	sort.Strings(rest)
	for _, kind := range rest {
		out = append(out, byKind[types.ResourceKind(kind)])
	}
	return out
}
