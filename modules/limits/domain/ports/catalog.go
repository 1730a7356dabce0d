package ports

import (
	"context"

	"github.com/quotienthq/quotient/modules/limits/domain/types"
)

// PlanCatalog answers what a team's (or a team member's) active
// subscriptions grant for a resource kind, plus the system fallback
// ceiling per kind. The boolean result of the MaxGranted methods is false
// when no active plan grants the kind at all.
type PlanCatalog interface {
	MaxGrantedForTeam(ctx context.Context, teamID int64, kind types.ResourceKind) (float64, bool, error)
	MaxGrantedForUser(ctx context.Context, userID int64, kind types.ResourceKind) (float64, bool, error)
	TeamForUser(ctx context.Context, userID int64) (int64, bool, error)
	DefaultCeiling(kind types.ResourceKind) (float64, bool)
}
