package services

import (
	"context"
	"errors"

	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
)

// QuotaService is the admission counter over CONTROL_PLANE COUNT rows.
// Admit and Release are single conditional updates in the store, so the
// ceiling and the floor hold under concurrency. A false result with a nil
// error is a normal business denial, not a failure.
type QuotaService interface {
	Admit(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error)
	Release(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error)
	Reconcile(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, trueCount float64) error
}

type quotaService struct {
	store ports.LimitStore
}

func NewQuotaService(store ports.LimitStore) QuotaService {
	return &quotaService{store: store}
}

func (s *quotaService) Admit(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error) {
	allowed, err := s.store.AdmitOne(ctx, scope, ownerID, kind)
	admissionsTotal.WithLabelValues(string(kind), admitOutcome(allowed, err)).Inc()
	return allowed, err
}

func (s *quotaService) Release(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error) {
	released, err := s.store.ReleaseOne(ctx, scope, ownerID, kind)
	releasesTotal.WithLabelValues(string(kind), releaseOutcome(released, err)).Inc()
	return released, err
}

// Reconcile overwrites the stored counter with the ground-truth count.
// Stored counters can drift (failed rollbacks, old counting bugs); the
// engine prefers self-healing over permanently wrong denials.
func (s *quotaService) Reconcile(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, trueCount float64) error {
	if trueCount < 0 {
		trueCount = 0
	}

	row, err := s.store.Get(ctx, scope, ownerID, kind)
	if err != nil {
		return err
	}
	if err := s.store.SetCurrentValue(ctx, scope, ownerID, kind, trueCount); err != nil {
		return err
	}

	if row.CurrentValue != nil {
		drift := *row.CurrentValue - trueCount
		reconcileDrift.WithLabelValues(string(kind)).Set(drift)
		if drift != 0 {
			reconcileAdjustmentsTotal.WithLabelValues(string(kind)).Inc()
		}
	}
	return nil
}

func admitOutcome(allowed bool, err error) string {
	switch {
	case err == nil && allowed:
		return "allowed"
	case err == nil:
		return "denied"
	case errors.Is(err, ports.ErrLimitNotFound):
		return "not_found"
	case errors.Is(err, ports.ErrNotCountable):
		return "invalid_class"
	}
	return "error"
}

func releaseOutcome(released bool, err error) string {
	switch {
	case err == nil && released:
		return "released"
	case err == nil:
		return "floored"
	case errors.Is(err, ports.ErrLimitNotFound):
		return "not_found"
	case errors.Is(err, ports.ErrNotCountable):
		return "invalid_class"
	}
	return "error"
}
