package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/quotienthq/quotient/modules/limits/domain/types"
	"github.com/quotienthq/quotient/modules/limits/infrastructure/catalog"
	"github.com/quotienthq/quotient/modules/limits/infrastructure/persistence"
)

func testPlans() *catalog.PlansFile {
	return &catalog.PlansFile{
		Version: 1,
		Defaults: map[types.ResourceKind]float64{
			types.KindTeamMembers: 5,
			types.KindServiceKeys: 10,
			types.KindUserKeys:    3,
		},
		Plans: []catalog.Plan{
			{
				Code: "starter",
				Grants: map[types.ResourceKind]float64{
					types.KindServiceKeys: 20,
				},
				UserGrants: map[types.ResourceKind]float64{
					types.KindUserKeys: 5,
				},
			},
		},
	}
}

type sweepEnv struct {
	sweeper *Sweeper
	store   *persistence.LimitMemoryStore
	locks   *persistence.LockMemoryStore
	usage   *persistence.UsageMemoryStore
	catalog *catalog.StaticCatalog
	clock   *clockwork.FakeClock
}

func newSweepEnv(t *testing.T) *sweepEnv {
	t.Helper()
	env := &sweepEnv{
		store:   persistence.NewLimitMemoryStore(),
		usage:   persistence.NewUsageMemoryStore(),
		catalog: catalog.NewStaticCatalog(testPlans()),
		clock:   clockwork.NewFakeClock(),
	}
	env.locks = persistence.NewLockMemoryStore(env.clock)
	env.sweeper = NewSweeper(
		env.locks, env.store, env.catalog, env.usage,
		5*time.Minute, 10*time.Minute, env.clock, zerolog.Nop(),
	)
	return env
}

func seedRow(t *testing.T, store *persistence.LimitMemoryStore, row types.LimitedResource) {
	t.Helper()
	if _, err := store.Upsert(context.Background(), row); err != nil {
		t.Fatalf("seed %s/%d/%s: %v", row.OwnerScope, row.OwnerID, row.ResourceKind, err)
	}
}

func TestRunOnceHealsCounterDrift(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	seedRow(t, env.store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 1, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 20, CurrentValue: types.Float(7), Source: types.SourceProduct,
	})
	env.catalog.SetSubscription(1, "starter")
	env.usage.SetCount(types.ScopeTeam, 1, types.KindServiceKeys, 4)

	if err := env.sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	row, err := env.store.Get(ctx, types.ScopeTeam, 1, types.KindServiceKeys)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.CurrentValue == nil || *row.CurrentValue != 4 {
		t.Fatalf("current after sweep = %v, want ground-truth 4", row.CurrentValue)
	}
	if row.Source != types.SourceProduct {
		t.Fatalf("source after sweep = %s, want PRODUCT kept while the plan grants it", row.Source)
	}
}

func TestRunOnceDemotesCancelledProductRows(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	// Team 1 once subscribed to starter (service_keys 20); the subscription
	// is gone, so the sweep must fall the row back to the system default.
	seedRow(t, env.store, types.LimitedResource{
		OwnerScope: types.ScopeSystem, OwnerID: types.SystemOwnerID, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 12, CurrentValue: types.Float(0), Source: types.SourceDefault,
	})
	seedRow(t, env.store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 1, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 20, CurrentValue: types.Float(2), Source: types.SourceProduct,
	})
	env.usage.SetCount(types.ScopeTeam, 1, types.KindServiceKeys, 2)

	if err := env.sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	row, err := env.store.Get(ctx, types.ScopeTeam, 1, types.KindServiceKeys)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Source != types.SourceDefault {
		t.Fatalf("source after sweep = %s, want DEFAULT", row.Source)
	}
	if row.MaxValue != 12 {
		t.Fatalf("max after demote = %v, want system default 12", row.MaxValue)
	}
	if row.CurrentValue == nil || *row.CurrentValue != 2 {
		t.Fatalf("demote clobbered the live counter: %v", row.CurrentValue)
	}
}

func TestRunOnceLeavesManualRowsAlone(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	seedRow(t, env.store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 1, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 99, CurrentValue: types.Float(1), Source: types.SourceManual, SetBy: "ops@corp",
	})
	env.usage.SetCount(types.ScopeTeam, 1, types.KindServiceKeys, 1)

	if err := env.sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	row, _ := env.store.Get(ctx, types.ScopeTeam, 1, types.KindServiceKeys)
	if row.Source != types.SourceManual || row.MaxValue != 99 {
		t.Fatalf("manual override touched by sweep: source=%s max=%v", row.Source, row.MaxValue)
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	seedRow(t, env.store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 1, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 20, CurrentValue: types.Float(7), Source: types.SourceDefault,
	})
	env.usage.SetCount(types.ScopeTeam, 1, types.KindServiceKeys, 4)

	acquired, err := env.locks.TryAcquire(ctx, LockName, time.Hour)
	if err != nil || !acquired {
		t.Fatalf("pre-acquire lock: %v, %v", acquired, err)
	}

	if err := env.sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce under contention: %v", err)
	}

	row, _ := env.store.Get(ctx, types.ScopeTeam, 1, types.KindServiceKeys)
	if row.CurrentValue == nil || *row.CurrentValue != 7 {
		t.Fatalf("contended run still swept: current = %v, want untouched 7", row.CurrentValue)
	}
}

func TestRunOnceReleasesLockForNextRun(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	if err := env.sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}

	acquired, err := env.locks.TryAcquire(ctx, LockName, time.Hour)
	if err != nil || !acquired {
		t.Fatalf("lock not released after sweep: %v, %v", acquired, err)
	}
}

func TestSweepUsesPerUserGrantForUserKeys(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	env.catalog.SetMember(101, 1)
	env.catalog.SetSubscription(1, "starter")
	seedRow(t, env.store, types.LimitedResource{
		OwnerScope: types.ScopeUser, OwnerID: 101, ResourceKind: types.KindUserKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 5, CurrentValue: types.Float(1), Source: types.SourceProduct,
	})
	env.usage.SetCount(types.ScopeUser, 101, types.KindUserKeys, 1)

	if err := env.sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	row, _ := env.store.Get(ctx, types.ScopeUser, 101, types.KindUserKeys)
	if row.Source != types.SourceProduct {
		t.Fatalf("granted per-user row demoted: source = %s", row.Source)
	}

	// Cancel the plan: the per-user grant disappears with it.
	env.catalog.SetSubscription(1)
	if err := env.sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce after cancel: %v", err)
	}
	row, _ = env.store.Get(ctx, types.ScopeUser, 101, types.KindUserKeys)
	if row.Source != types.SourceDefault || row.MaxValue != 3 {
		t.Fatalf("cancelled per-user row = source %s max %v, want DEFAULT 3", row.Source, row.MaxValue)
	}
}
