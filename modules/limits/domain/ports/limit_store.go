package ports

import (
	"context"
	"errors"

	"github.com/quotienthq/quotient/modules/limits/domain/types"
)

var (
	ErrLimitNotFound       = errors.New("limit_not_found")
	ErrNotCountable        = errors.New("limit_not_countable")
	ErrPrecedenceViolation = errors.New("limit_precedence_violation")
)

// LimitStore persists LimitedResource rows, one per
// (owner_scope, owner_id, resource_kind).
//
// Upsert enforces source precedence against the existing row inside its own
// transaction and returns ErrPrecedenceViolation on an illegal downgrade.
// DemoteDefault is the explicit plan-cancelled transition: it moves a
// PRODUCT row to DEFAULT, leaves DEFAULT rows untouched, and refuses MANUAL
// rows. ResetSource overwrites source/max_value/set_by regardless of
// precedence while preserving a live current_value.
//
// AdmitOne and ReleaseOne are single conditional updates: the ceiling check
// (resp. zero floor) and the increment commit atomically, so concurrent
// admissions can never overshoot max_value. Both return (false, nil) when
// the counter is at its bound, ErrLimitNotFound when no row exists, and
// ErrNotCountable when the row is not a CONTROL_PLANE COUNT resource.
type LimitStore interface {
	Get(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (types.LimitedResource, error)
	ListByOwner(ctx context.Context, scope types.OwnerScope, ownerID int64) ([]types.LimitedResource, error)
	ListSystemDefaults(ctx context.Context) ([]types.LimitedResource, error)
	ListPage(ctx context.Context, afterID int64, limit int) ([]types.LimitedResource, error)

	Upsert(ctx context.Context, row types.LimitedResource) (types.LimitedResource, error)
	CreateIfAbsent(ctx context.Context, row types.LimitedResource) (types.LimitedResource, bool, error)
	DemoteDefault(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, newMax float64) (types.LimitedResource, error)
	ResetSource(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, source types.Source, maxValue float64, setBy string) (types.LimitedResource, error)

	AdmitOne(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error)
	ReleaseOne(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error)
	SetCurrentValue(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, value float64) error

	UpdateDefaultMaxBatch(ctx context.Context, kind types.ResourceKind, newMax float64, afterID int64, batchSize int) (lastID int64, updated int, err error)
}
