package ports

import (
	"context"
	"errors"

	"github.com/quotienthq/quotient/modules/limits/domain/types"
)

var ErrUsageUnsupported = errors.New("usage_kind_unsupported")

// UsageSource reports the authoritative current count for a countable
// resource by querying the owning collection (keys, members, databases)
// with the correct ownership predicate. Kinds without an owning collection
// return ErrUsageUnsupported.
type UsageSource interface {
	TrueCount(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (float64, error)
}
