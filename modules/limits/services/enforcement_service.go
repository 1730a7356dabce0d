package services

import (
	"context"
	"errors"

	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
	"github.com/quotienthq/quotient/pkg/httperr"
)

// EnforcementService is the admission entry point request handlers call.
// AdmitResource self-bootstraps: an owner with no stored row gets one
// seeded from ground truth and the plan catalog, then the admission is
// retried, so owners that predate the limit store need no migration.
// AdmitVerified additionally reconciles the stored counter from ground
// truth before admitting, for callers that suspect drift.
type EnforcementService interface {
	AdmitResource(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error)
	AdmitVerified(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error)
	ReleaseResource(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error)
}

type enforcementService struct {
	store   ports.LimitStore
	quota   QuotaService
	writes  LimitWriteService
	catalog ports.PlanCatalog
	usage   ports.UsageSource
}

func NewEnforcementService(store ports.LimitStore, catalog ports.PlanCatalog, usage ports.UsageSource) EnforcementService {
	return &enforcementService{
		store:   store,
		quota:   NewQuotaService(store),
		writes:  NewLimitWriteService(store, catalog, nil),
		catalog: catalog,
		usage:   usage,
	}
}

func (s *enforcementService) AdmitResource(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error) {
	if err := validateEnforceOwner(scope, ownerID); err != nil {
		return false, err
	}

	allowed, err := s.quota.Admit(ctx, scope, ownerID, kind)
	if err == nil || !errors.Is(err, ports.ErrLimitNotFound) {
		return allowed, err
	}

	if err := s.bootstrap(ctx, scope, ownerID, kind); err != nil {
		return false, err
	}
	return s.quota.Admit(ctx, scope, ownerID, kind)
}

func (s *enforcementService) AdmitVerified(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error) {
	if err := validateEnforceOwner(scope, ownerID); err != nil {
		return false, err
	}

	trueCount, err := s.usage.TrueCount(ctx, scope, ownerID, kind)
	if err != nil {
		return false, err
	}
	// A missing row is fine here: AdmitResource seeds it from the same
	// ground truth.
	if err := s.quota.Reconcile(ctx, scope, ownerID, kind, trueCount); err != nil && !errors.Is(err, ports.ErrLimitNotFound) {
		return false, err
	}
	return s.AdmitResource(ctx, scope, ownerID, kind)
}

func (s *enforcementService) ReleaseResource(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error) {
	if err := validateEnforceOwner(scope, ownerID); err != nil {
		return false, err
	}
	return s.quota.Release(ctx, scope, ownerID, kind)
}

func (s *enforcementService) bootstrap(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) error {
	profile, ok := types.ProfileFor(kind)
	if !ok {
		return httperr.NewBadRequest(errLimitKindUnknown)
	}

	trueCount, err := s.usage.TrueCount(ctx, scope, ownerID, kind)
	if err != nil {
		return err
	}
	ceiling, source, err := s.planCeiling(ctx, scope, ownerID, kind)
	if err != nil {
		return err
	}

	_, err = s.writes.Set(ctx, SetLimitRequest{
		OwnerScope:   scope,
		OwnerID:      ownerID,
		ResourceKind: kind,
		Plane:        profile.Plane,
		Unit:         profile.Unit,
		MaxValue:     ceiling,
		CurrentValue: types.Float(trueCount),
		Source:       source,
	})
	// A precedence conflict means another writer created the row first;
	// either way it exists now.
	if err != nil && !httperr.IsConflict(err) {
		return err
	}
	return nil
}

func (s *enforcementService) planCeiling(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (float64, types.Source, error) {
	var granted float64
	var fromPlan bool
	var err error
	if scope == types.ScopeUser {
		granted, fromPlan, err = s.catalog.MaxGrantedForUser(ctx, ownerID, kind)
	} else {
		granted, fromPlan, err = s.catalog.MaxGrantedForTeam(ctx, ownerID, kind)
	}
	if err != nil {
		return 0, "", err
	}
	if fromPlan {
		return granted, types.SourceProduct, nil
	}

	v, err := resolveDefaultMax(ctx, s.store, s.catalog, kind)
	if err != nil {
		return 0, "", err
	}
	return v, types.SourceDefault, nil
}

func validateEnforceOwner(scope types.OwnerScope, ownerID int64) error {
	if scope != types.ScopeTeam && scope != types.ScopeUser {
		return httperr.NewBadRequest(errLimitScopeInvalid)
	}
	if ownerID <= 0 {
		return httperr.NewBadRequest(errLimitOwnerInvalid)
	}
	return nil
}
