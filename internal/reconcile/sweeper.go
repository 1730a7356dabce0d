package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
	"github.com/quotienthq/quotient/modules/limits/services"
	"github.com/quotienthq/quotient/pkg/httperr"
	"github.com/quotienthq/quotient/pkg/runid"
)

// LockName guards the sweep: at most one runner reconciles the fleet at a
// time. The lock is cooperative, so the sweep itself stays idempotent.
const LockName = "limits_reconcile"

const sweepPageSize = 200

var newRunID = runid.NewString

// Sweeper is the recurring reconciliation job. Each run trues up every
// control-plane counter against ground truth and demotes PRODUCT rows whose
// team no longer subscribes to a plan granting the kind. Every row is its
// own transaction: a failure partway through keeps earlier progress and the
// next run resumes the rest.
type Sweeper struct {
	locks   ports.LockStore
	store   ports.LimitStore
	quota   services.QuotaService
	writes  services.LimitWriteService
	usage   ports.UsageSource
	catalog ports.PlanCatalog
	clock   clockwork.Clock
	log     zerolog.Logger

	interval time.Duration
	lockTTL  time.Duration
}

func NewSweeper(
	locks ports.LockStore,
	store ports.LimitStore,
	catalog ports.PlanCatalog,
	usage ports.UsageSource,
	interval time.Duration,
	lockTTL time.Duration,
	clock clockwork.Clock,
	log zerolog.Logger,
) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{
		locks:    locks,
		store:    store,
		quota:    services.NewQuotaService(store),
		writes:   services.NewLimitWriteService(store, catalog, nil),
		usage:    usage,
		catalog:  catalog,
		clock:    clock,
		log:      log,
		interval: interval,
		lockTTL:  lockTTL,
	}
}

// Run sweeps immediately, then on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error().Err(err).Msg("reconcile sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
		}
	}
}

// RunOnce performs one lock-guarded sweep. Losing the lock race is a normal
// outcome: another runner is already on it and this run is skipped.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	runID, err := newRunID()
	if err != nil {
		return err
	}
	log := s.log.With().Str("run_id", runID).Logger()

	acquired, err := s.locks.TryAcquire(ctx, LockName, s.lockTTL)
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return err
	}
	if !acquired {
		lockContentionTotal.Inc()
		log.Debug().Str("lock", LockName).Msg("job lock held elsewhere, skipping run")
		return nil
	}
	defer func() {
		if _, err := s.locks.Release(context.Background(), LockName); err != nil {
			log.Error().Err(err).Str("lock", LockName).Msg("lock release failed")
		}
	}()

	started := s.clock.Now()
	swept, failed, err := s.sweep(ctx, log)
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return err
	}

	outcome := "ok"
	if failed > 0 {
		outcome = "partial"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	log.Info().
		Int("rows", swept).
		Int("failed", failed).
		Dur("elapsed", s.clock.Since(started)).
		Msg("reconcile sweep done")
	return nil
}

func (s *Sweeper) sweep(ctx context.Context, log zerolog.Logger) (swept, failed int, err error) {
	afterID := int64(0)
	for {
		page, err := s.store.ListPage(ctx, afterID, sweepPageSize)
		if err != nil {
			return swept, failed, err
		}
		for _, row := range page {
			if row.ID > afterID {
				afterID = row.ID
			}
			if row.OwnerScope == types.ScopeSystem {
				continue
			}
			swept++
			if err := s.sweepRow(ctx, row); err != nil {
				failed++
				log.Warn().Err(err).
					Str("scope", string(row.OwnerScope)).
					Int64("owner", row.OwnerID).
					Str("kind", string(row.ResourceKind)).
					Msg("row reconcile failed")
			}
		}
		if len(page) < sweepPageSize {
			return swept, failed, nil
		}
	}
}

// sweepRow heals one row: counter drift first, then the plan-cancelled
// demote. Transient store errors are retried at the transaction boundary;
// sentinel conditions (row vanished, not countable, manual override) are
// final for this run.
func (s *Sweeper) sweepRow(ctx context.Context, row types.LimitedResource) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))

	if row.Plane == types.PlaneControl && row.Unit == types.UnitCount {
		trueCount, err := s.usage.TrueCount(ctx, row.OwnerScope, row.OwnerID, row.ResourceKind)
		switch {
		case errors.Is(err, ports.ErrUsageUnsupported):
			// No owning collection to count; leave the stored value.
		case err != nil:
			return err
		default:
			err := retry.Do(ctx, backoff, func(ctx context.Context) error {
				err := s.quota.Reconcile(ctx, row.OwnerScope, row.OwnerID, row.ResourceKind, trueCount)
				if err == nil || errors.Is(err, ports.ErrLimitNotFound) || errors.Is(err, ports.ErrNotCountable) {
					return nil
				}
				return retry.RetryableError(err)
			})
			if err != nil {
				return err
			}
		}
	}

	if row.Source != types.SourceProduct {
		return nil
	}
	granted, err := s.stillGranted(ctx, row)
	if err != nil || granted {
		return err
	}
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.writes.DemoteToDefault(ctx, row.OwnerScope, row.OwnerID, row.ResourceKind)
		switch {
		case err == nil:
			demotionsTotal.WithLabelValues(string(row.ResourceKind)).Inc()
			return nil
		case httperr.IsNotFound(err) || httperr.IsConflict(err):
			// Row vanished, or an administrator pinned it MANUAL mid-sweep.
			return nil
		}
		return retry.RetryableError(err)
	})
}

// stillGranted answers whether any currently active plan still grants the
// row's kind at the row's scope. Per-user kinds consult the per-user plan
// attribute; everything else uses the owning team's aggregate grant.
func (s *Sweeper) stillGranted(ctx context.Context, row types.LimitedResource) (bool, error) {
	profile, ok := types.ProfileFor(row.ResourceKind)
	if !ok {
		return true, nil
	}

	if row.OwnerScope == types.ScopeTeam {
		_, granted, err := s.catalog.MaxGrantedForTeam(ctx, row.OwnerID, row.ResourceKind)
		return granted, err
	}

	if profile.PerUser {
		_, granted, err := s.catalog.MaxGrantedForUser(ctx, row.OwnerID, row.ResourceKind)
		return granted, err
	}
	teamID, inTeam, err := s.catalog.TeamForUser(ctx, row.OwnerID)
	if err != nil {
		return false, err
	}
	if !inTeam {
		return false, nil
	}
	_, granted, err := s.catalog.MaxGrantedForTeam(ctx, teamID, row.ResourceKind)
	return granted, err
}
