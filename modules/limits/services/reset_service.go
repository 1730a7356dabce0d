package services

import (
	"context"
	"errors"

	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
	"github.com/quotienthq/quotient/pkg/httperr"
)

// ResetService cascades a limit back to its next-lower-precedence source:
// PRODUCT when an active plan grants the kind, else DEFAULT. Reset is an
// explicit administrator action and the one path allowed to move a row
// down from MANUAL; the row's set_by is stamped with the reserved reset
// marker.
type ResetService interface {
	Reset(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (types.LimitedResource, error)
}

type resetService struct {
	store   ports.LimitStore
	catalog ports.PlanCatalog
}

func NewResetService(store ports.LimitStore, catalog ports.PlanCatalog) ResetService {
	return &resetService{store: store, catalog: catalog}
}

func (s *resetService) Reset(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (types.LimitedResource, error) {
	profile, ok := types.ProfileFor(kind)
	if !ok {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitKindUnknown)
	}

	switch scope {
	case types.ScopeSystem:
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitSystemNotResettable)
	case types.ScopeTeam:
		if ownerID <= 0 {
			return types.LimitedResource{}, httperr.NewBadRequest(errLimitOwnerInvalid)
		}
		granted, fromPlan, err := s.catalog.MaxGrantedForTeam(ctx, ownerID, kind)
		if err != nil {
			return types.LimitedResource{}, err
		}
		return s.apply(ctx, scope, ownerID, kind, granted, fromPlan)
	case types.ScopeUser:
		if ownerID <= 0 {
			return types.LimitedResource{}, httperr.NewBadRequest(errLimitOwnerInvalid)
		}
		return s.resetUser(ctx, ownerID, kind, profile)
	}
	return types.LimitedResource{}, httperr.NewBadRequest(errLimitScopeInvalid)
}

func (s *resetService) resetUser(ctx context.Context, userID int64, kind types.ResourceKind, profile types.KindProfile) (types.LimitedResource, error) {
	teamID, inTeam, err := s.catalog.TeamForUser(ctx, userID)
	if err != nil {
		return types.LimitedResource{}, err
	}
	if !inTeam {
		// A user outside any team has no plan to cascade from; keep
		// whatever row they have.
		row, err := s.store.Get(ctx, types.ScopeUser, userID, kind)
		if errors.Is(err, ports.ErrLimitNotFound) {
			return types.LimitedResource{}, httperr.NewNotFound(errLimitNotFound)
		}
		return row, err
	}

	var granted float64
	var fromPlan bool
	if profile.PerUser {
		granted, fromPlan, err = s.catalog.MaxGrantedForUser(ctx, userID, kind)
	} else {
		granted, fromPlan, err = s.catalog.MaxGrantedForTeam(ctx, teamID, kind)
	}
	if err != nil {
		return types.LimitedResource{}, err
	}
	return s.apply(ctx, types.ScopeUser, userID, kind, granted, fromPlan)
}

func (s *resetService) apply(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, granted float64, fromPlan bool) (types.LimitedResource, error) {
	source := types.SourceProduct
	maxValue := granted
	if !fromPlan {
		source = types.SourceDefault
		v, err := resolveDefaultMax(ctx, s.store, s.catalog, kind)
		if err != nil {
			return types.LimitedResource{}, err
		}
		maxValue = v
	}
	return s.store.ResetSource(ctx, scope, ownerID, kind, source, maxValue, types.ResetSetBy)
}
