package persistence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
)

// usageCountable says which (scope, kind) pairs have an owning collection
// to count. Data-plane kinds never do.
func usageCountable(scope types.OwnerScope, kind types.ResourceKind) bool {
	switch kind {
	case types.KindTeamMembers, types.KindServiceKeys, types.KindVectorDatabases:
		return scope == types.ScopeTeam
	case types.KindUserKeys:
		return scope == types.ScopeUser
	}
	return false
}

type UsagePGStore struct {
	pool pgBeginner
}

func NewUsagePGStore(pool pgBeginner) ports.UsageSource {
	return &UsagePGStore{pool: pool}
}

// NewUsageSource returns the pg-backed source, or the fixture-backed
// in-memory source when no pool is configured.
func NewUsageSource(pool *pgxpool.Pool) ports.UsageSource {
	if pool == nil {
		return NewUsageMemoryStore()
	}
	return NewUsagePGStore(pool)
}

// TrueCount queries the authoritative collection with the ownership
// predicate for the kind. Team-owned keys are rows with no user owner;
// user-owned keys count only the given user's rows. Either way only keys
// that finished provisioning (non-empty external token, not revoked) count
// against the ceiling.
func (s *UsagePGStore) TrueCount(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (float64, error) {
	if !usageCountable(scope, kind) {
		return 0, ports.ErrUsageUnsupported
	}

	var query string
	switch kind {
	case types.KindTeamMembers:
		query = `SELECT count(*) FROM team_members WHERE team_id = $1`
	case types.KindServiceKeys:
		query = `
	SELECT count(*) FROM api_keys
	WHERE team_id = $1 AND user_id IS NULL
	  AND provisioned_token <> '' AND revoked_at IS NULL`
	case types.KindUserKeys:
		query = `
	SELECT count(*) FROM api_keys
	WHERE user_id = $1
	  AND provisioned_token <> '' AND revoked_at IS NULL`
	case types.KindVectorDatabases:
		query = `SELECT count(*) FROM vector_databases WHERE team_id = $1 AND deleted_at IS NULL`
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var n int64
	if err := tx.QueryRow(ctx, query, ownerID).Scan(&n); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return float64(n), nil
}
