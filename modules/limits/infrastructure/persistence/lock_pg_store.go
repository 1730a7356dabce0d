package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/quotienthq/quotient/modules/limits/domain/ports"
)

type LockPGStore struct {
	pool pgBeginner
}

func NewLockPGStore(pool pgBeginner) ports.LockStore {
	return &LockPGStore{pool: pool}
}

// NewLockStore returns the pg-backed lock store, or the clock-driven
// in-memory store when no pool is configured.
func NewLockStore(pool *pgxpool.Pool, clock clockwork.Clock) ports.LockStore {
	if pool == nil {
		return NewLockMemoryStore(clock)
	}
	return NewLockPGStore(pool)
}

func (s *LockPGStore) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	// Steal path first: a released lock, or a held one whose last acquire is
	// older than ttl, goes to the caller in one conditional update.
	tag, err := tx.Exec(ctx, `
	UPDATE job_locks
	SET held = true, updated_at = now()
	WHERE name = $1 AND (held = false OR updated_at < now() - make_interval(secs => $2))
	`, name, ttl.Seconds())
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	// No row to steal: either the lock is live (insert will conflict) or it
	// has never existed (insert wins). A unique violation is a lost race.
	_, err = tx.Exec(ctx, `
	INSERT INTO job_locks (name, held, updated_at) VALUES ($1, true, now())
	`, name)
	if err != nil {
		if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr.Code == "23505" {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LockPGStore) Release(ctx context.Context, name string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	// updated_at records the last acquire or steal, so release leaves it.
	tag, err := tx.Exec(ctx, `
	UPDATE job_locks SET held = false WHERE name = $1
	`, name)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
