package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type LimitPGStore struct {
	pool pgBeginner
}

func NewLimitPGStore(pool pgBeginner) ports.LimitStore {
	return &LimitPGStore{pool: pool}
}

// NewLimitStore returns the pg-backed store, or the in-memory store when no
// pool is configured (dev and tests).
func NewLimitStore(pool *pgxpool.Pool) ports.LimitStore {
	if pool == nil {
		return NewLimitMemoryStore()
	}
	return NewLimitPGStore(pool)
}

const limitColumns = `id, owner_scope, owner_id, resource_kind, plane, unit, max_value, current_value, source, set_by, created_at, updated_at`

func scanLimitRow(row pgx.Row) (types.LimitedResource, error) {
	var r types.LimitedResource
	err := row.Scan(
		&r.ID,
		&r.OwnerScope,
		&r.OwnerID,
		&r.ResourceKind,
		&r.Plane,
		&r.Unit,
		&r.MaxValue,
		&r.CurrentValue,
		&r.Source,
		&r.SetBy,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

func (s *LimitPGStore) Get(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (types.LimitedResource, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.LimitedResource{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	r, err := scanLimitRow(tx.QueryRow(ctx, `
	SELECT `+limitColumns+`
	FROM limited_resources
	WHERE owner_scope = $1 AND owner_id = $2 AND resource_kind = $3
	`, scope, ownerID, kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.LimitedResource{}, ports.ErrLimitNotFound
	}
	if err != nil {
		return types.LimitedResource{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.LimitedResource{}, err
	}
	return r, nil
}

func (s *LimitPGStore) ListByOwner(ctx context.Context, scope types.OwnerScope, ownerID int64) ([]types.LimitedResource, error) {
	return s.list(ctx, `
	SELECT `+limitColumns+`
	FROM limited_resources
	WHERE owner_scope = $1 AND owner_id = $2
	ORDER BY resource_kind
	`, scope, ownerID)
}

func (s *LimitPGStore) ListSystemDefaults(ctx context.Context) ([]types.LimitedResource, error) {
	return s.list(ctx, `
	SELECT `+limitColumns+`
	FROM limited_resources
	WHERE owner_scope = 'SYSTEM'
	ORDER BY resource_kind
	`)
}

func (s *LimitPGStore) ListPage(ctx context.Context, afterID int64, limit int) ([]types.LimitedResource, error) {
	return s.list(ctx, `
	SELECT `+limitColumns+`
	FROM limited_resources
	WHERE id > $1
	ORDER BY id
	LIMIT $2
	`, afterID, limit)
}

func (s *LimitPGStore) list(ctx context.Context, query string, args ...any) ([]types.LimitedResource, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.LimitedResource
	for rows.Next() {
		r, err := scanLimitRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert writes the full row. The precedence guard is part of the statement:
// a conflicting row at a higher precedence suppresses the DO UPDATE, the
// RETURNING set comes back empty and the write surfaces as
// ErrPrecedenceViolation without a read-then-write race window.
func (s *LimitPGStore) Upsert(ctx context.Context, row types.LimitedResource) (types.LimitedResource, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.LimitedResource{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	r, err := scanLimitRow(tx.QueryRow(ctx, `
	INSERT INTO limited_resources AS lr
	  (owner_scope, owner_id, resource_kind, plane, unit, max_value, current_value, source, set_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (owner_scope, owner_id, resource_kind) DO UPDATE SET
	  plane = EXCLUDED.plane,
	  unit = EXCLUDED.unit,
	  max_value = EXCLUDED.max_value,
	  current_value = EXCLUDED.current_value,
	  source = EXCLUDED.source,
	  set_by = EXCLUDED.set_by,
	  updated_at = now()
	WHERE NOT (
	  (lr.source = 'MANUAL' AND EXCLUDED.source <> 'MANUAL') OR
	  (lr.source = 'PRODUCT' AND EXCLUDED.source = 'DEFAULT')
	)
	RETURNING `+limitColumns+`
	`, row.OwnerScope, row.OwnerID, row.ResourceKind, row.Plane, row.Unit, row.MaxValue, row.CurrentValue, row.Source, row.SetBy))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.LimitedResource{}, ports.ErrPrecedenceViolation
	}
	if err != nil {
		return types.LimitedResource{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.LimitedResource{}, err
	}
	return r, nil
}

func (s *LimitPGStore) CreateIfAbsent(ctx context.Context, row types.LimitedResource) (types.LimitedResource, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.LimitedResource{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	r, err := scanLimitRow(tx.QueryRow(ctx, `
	INSERT INTO limited_resources
	  (owner_scope, owner_id, resource_kind, plane, unit, max_value, current_value, source, set_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (owner_scope, owner_id, resource_kind) DO NOTHING
	RETURNING `+limitColumns+`
	`, row.OwnerScope, row.OwnerID, row.ResourceKind, row.Plane, row.Unit, row.MaxValue, row.CurrentValue, row.Source, row.SetBy))
	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race or the row predates this call; hand back the winner.
		created = false
		r, err = scanLimitRow(tx.QueryRow(ctx, `
	SELECT `+limitColumns+`
	FROM limited_resources
	WHERE owner_scope = $1 AND owner_id = $2 AND resource_kind = $3
	`, row.OwnerScope, row.OwnerID, row.ResourceKind))
	}
	if err != nil {
		return types.LimitedResource{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.LimitedResource{}, false, err
	}
	return r, created, nil
}

func (s *LimitPGStore) DemoteDefault(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, newMax float64) (types.LimitedResource, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.LimitedResource{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	r, err := scanLimitRow(tx.QueryRow(ctx, `
	UPDATE limited_resources
	SET source = 'DEFAULT', max_value = $4, set_by = '', updated_at = now()
	WHERE owner_scope = $1 AND owner_id = $2 AND resource_kind = $3 AND source = 'PRODUCT'
	RETURNING `+limitColumns+`
	`, scope, ownerID, kind, newMax))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, selErr := scanLimitRow(tx.QueryRow(ctx, `
	SELECT `+limitColumns+`
	FROM limited_resources
	WHERE owner_scope = $1 AND owner_id = $2 AND resource_kind = $3
	`, scope, ownerID, kind))
		if errors.Is(selErr, pgx.ErrNoRows) {
			return types.LimitedResource{}, ports.ErrLimitNotFound
		}
		if selErr != nil {
			return types.LimitedResource{}, selErr
		}
		if existing.Source == types.SourceManual {
			return types.LimitedResource{}, ports.ErrPrecedenceViolation
		}
		// Already DEFAULT: nothing to demote.
		if err := tx.Commit(ctx); err != nil {
			return types.LimitedResource{}, err
		}
		return existing, nil
	}
	if err != nil {
		return types.LimitedResource{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.LimitedResource{}, err
	}
	return r, nil
}

func (s *LimitPGStore) ResetSource(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, source types.Source, maxValue float64, setBy string) (types.LimitedResource, error) {
	profile, ok := types.ProfileFor(kind)
	if !ok {
		return types.LimitedResource{}, errors.New("unknown resource kind")
	}
	var current *float64
	if profile.Plane == types.PlaneControl {
		current = types.Float(0)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.LimitedResource{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	// The conflict arm deliberately leaves current_value alone: resetting a
	// policy source must not clobber a live counter.
	r, err := scanLimitRow(tx.QueryRow(ctx, `
	INSERT INTO limited_resources
	  (owner_scope, owner_id, resource_kind, plane, unit, max_value, current_value, source, set_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (owner_scope, owner_id, resource_kind) DO UPDATE SET
	  max_value = EXCLUDED.max_value,
	  source = EXCLUDED.source,
	  set_by = EXCLUDED.set_by,
	  updated_at = now()
	RETURNING `+limitColumns+`
	`, scope, ownerID, kind, profile.Plane, profile.Unit, maxValue, current, source, setBy))
	if err != nil {
		return types.LimitedResource{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.LimitedResource{}, err
	}
	return r, nil
}

// AdmitOne is the admission contract: ceiling check and increment commit as
// one conditional UPDATE, so concurrent admissions for the same owner and
// resource can never collectively exceed max_value.
func (s *LimitPGStore) AdmitOne(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error) {
	return s.countStep(ctx, scope, ownerID, kind, `
	UPDATE limited_resources
	SET current_value = current_value + 1, updated_at = now()
	WHERE owner_scope = $1 AND owner_id = $2 AND resource_kind = $3
	  AND plane = 'CONTROL_PLANE' AND unit = 'COUNT'
	  AND current_value IS NOT NULL AND current_value < max_value
	`)
}

func (s *LimitPGStore) ReleaseOne(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (bool, error) {
	return s.countStep(ctx, scope, ownerID, kind, `
	UPDATE limited_resources
	SET current_value = current_value - 1, updated_at = now()
	WHERE owner_scope = $1 AND owner_id = $2 AND resource_kind = $3
	  AND plane = 'CONTROL_PLANE' AND unit = 'COUNT'
	  AND current_value IS NOT NULL AND current_value > 0
	`)
}

func (s *LimitPGStore) countStep(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, update string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	tag, err := tx.Exec(ctx, update, scope, ownerID, kind)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	// Zero rows: missing row, wrong resource class, or counter at its bound.
	var plane types.Plane
	var unit types.Unit
	var current *float64
	err = tx.QueryRow(ctx, `
	SELECT plane, unit, current_value
	FROM limited_resources
	WHERE owner_scope = $1 AND owner_id = $2 AND resource_kind = $3
	`, scope, ownerID, kind).Scan(&plane, &unit, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ports.ErrLimitNotFound
	}
	if err != nil {
		return false, err
	}
	if plane != types.PlaneControl || unit != types.UnitCount || current == nil {
		return false, ports.ErrNotCountable
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return false, nil
}

func (s *LimitPGStore) SetCurrentValue(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind, value float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	tag, err := tx.Exec(ctx, `
	UPDATE limited_resources
	SET current_value = $4, updated_at = now()
	WHERE owner_scope = $1 AND owner_id = $2 AND resource_kind = $3
	  AND plane = 'CONTROL_PLANE' AND unit = 'COUNT'
	`, scope, ownerID, kind, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `
	SELECT EXISTS (
	  SELECT 1 FROM limited_resources
	  WHERE owner_scope = $1 AND owner_id = $2 AND resource_kind = $3
	)
	`, scope, ownerID, kind).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ports.ErrLimitNotFound
		}
		return ports.ErrNotCountable
	}
	return tx.Commit(ctx)
}

// UpdateDefaultMaxBatch moves one id-ordered batch of DEFAULT-sourced
// TEAM/USER rows for kind to the new SYSTEM ceiling. Callers loop until
// updated == 0; each batch is its own transaction so a mid-propagation
// failure keeps earlier batches.
func (s *LimitPGStore) UpdateDefaultMaxBatch(ctx context.Context, kind types.ResourceKind, newMax float64, afterID int64, batchSize int) (int64, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return afterID, 0, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
	WITH batch AS (
	  SELECT id FROM limited_resources
	  WHERE resource_kind = $1 AND source = 'DEFAULT'
	    AND owner_scope IN ('TEAM', 'USER') AND id > $2
	  ORDER BY id
	  LIMIT $3
	)
	UPDATE limited_resources lr
	SET max_value = $4, updated_at = now()
	FROM batch
	WHERE lr.id = batch.id
	RETURNING lr.id
	`, kind, afterID, batchSize, newMax)
	if err != nil {
		return afterID, 0, err
	}
	defer rows.Close()

	lastID := afterID
	updated := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return afterID, 0, err
		}
		if id > lastID {
			lastID = id
		}
		updated++
	}
	if err := rows.Err(); err != nil {
		return afterID, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return afterID, 0, err
	}
	return lastID, updated, nil
}
