package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quotienthq/quotient/modules/limits/domain/types"
	"github.com/quotienthq/quotient/modules/limits/infrastructure/catalog"
	"github.com/quotienthq/quotient/modules/limits/infrastructure/persistence"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <schema|seed-defaults|limits-smoke|locks-smoke> [args]")
	}

	switch os.Args[1] {
	case "schema":
		schema(os.Args[2:])
	case "seed-defaults":
		seedDefaults(os.Args[2:])
	case "limits-smoke":
		limitsSmoke(os.Args[2:])
	case "locks-smoke":
		locksSmoke(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS limited_resources (
  id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  owner_scope text NOT NULL CHECK (owner_scope IN ('SYSTEM', 'TEAM', 'USER')),
  owner_id bigint NOT NULL DEFAULT 0,
  resource_kind text NOT NULL,
  plane text NOT NULL CHECK (plane IN ('CONTROL_PLANE', 'DATA_PLANE')),
  unit text NOT NULL CHECK (unit IN ('COUNT', 'CURRENCY', 'CAPACITY')),
  max_value double precision NOT NULL,
  current_value double precision,
  source text NOT NULL CHECK (source IN ('MANUAL', 'PRODUCT', 'DEFAULT')),
  set_by text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  CONSTRAINT limited_resources_owner_kind_uniq UNIQUE (owner_scope, owner_id, resource_kind),
  CONSTRAINT control_plane_has_current CHECK (plane <> 'CONTROL_PLANE' OR current_value IS NOT NULL),
  CONSTRAINT manual_has_set_by CHECK (source <> 'MANUAL' OR set_by <> ''),
  CONSTRAINT system_source_restricted CHECK (owner_scope <> 'SYSTEM' OR source IN ('DEFAULT', 'MANUAL'))
);

CREATE INDEX IF NOT EXISTS limited_resources_default_fanout_idx
  ON limited_resources (resource_kind, source, id);

CREATE TABLE IF NOT EXISTS job_locks (
  name text PRIMARY KEY,
  held boolean NOT NULL DEFAULT false,
  updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS team_subscriptions (
  id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  team_id bigint NOT NULL,
  plan_code text NOT NULL,
  status text NOT NULL DEFAULT 'active',
  starts_at timestamptz NOT NULL DEFAULT now(),
  ends_at timestamptz
);

CREATE INDEX IF NOT EXISTS team_subscriptions_team_idx
  ON team_subscriptions (team_id, status);

CREATE TABLE IF NOT EXISTS team_members (
  user_id bigint PRIMARY KEY,
  team_id bigint NOT NULL,
  joined_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS team_members_team_idx ON team_members (team_id);

CREATE TABLE IF NOT EXISTS api_keys (
  id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  team_id bigint NOT NULL,
  user_id bigint,
  provisioned_token text NOT NULL DEFAULT '',
  revoked_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS api_keys_team_idx ON api_keys (team_id) WHERE user_id IS NULL;
CREATE INDEX IF NOT EXISTS api_keys_user_idx ON api_keys (user_id);

CREATE TABLE IF NOT EXISTS vector_databases (
  id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  team_id bigint NOT NULL,
  name text NOT NULL,
  deleted_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS vector_databases_team_idx ON vector_databases (team_id);
`

func schema(args []string) {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, schemaDDL); err != nil {
		fatal(err)
	}

	fmt.Println("[schema] OK")
}

// systemSeedRow builds the SYSTEM default row seeded for a kind.
func systemSeedRow(kind types.ResourceKind, maxValue float64) (types.LimitedResource, error) {
	profile, ok := types.ProfileFor(kind)
	if !ok {
		return types.LimitedResource{}, fmt.Errorf("unknown resource kind %q", kind)
	}
	row := types.LimitedResource{
		OwnerScope:   types.ScopeSystem,
		OwnerID:      types.SystemOwnerID,
		ResourceKind: kind,
		Plane:        profile.Plane,
		Unit:         profile.Unit,
		MaxValue:     maxValue,
		Source:       types.SourceDefault,
	}
	if profile.Plane == types.PlaneControl {
		row.CurrentValue = types.Float(0)
	}
	return row, nil
}

func seedDefaults(args []string) {
	fs := flag.NewFlagSet("seed-defaults", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, plansPath string
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&plansPath, "plans", "", "plans file (default: PLANS_PATH / config/plans.yaml)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	var plans *catalog.PlansFile
	var err error
	if plansPath != "" {
		plans, err = catalog.LoadFile(plansPath)
	} else {
		plans, err = catalog.Load()
	}
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	// Seeding never overwrites: an already-present SYSTEM row (possibly a
	// MANUAL override) wins over the shipped default.
	store := persistence.NewLimitPGStore(conn)
	seeded := 0
	for _, kind := range types.KnownKinds() {
		maxValue, ok := plans.DefaultCeiling(kind)
		if !ok {
			continue
		}
		row, err := systemSeedRow(kind, maxValue)
		if err != nil {
			fatal(err)
		}
		if _, _, err := store.CreateIfAbsent(ctx, row); err != nil {
			fatal(err)
		}
		seeded++
	}

	fmt.Printf("[seed-defaults] OK (%d kinds)\n", seeded)
}

// limitsSmoke proves the admission ceiling holds under concurrency against
// a live database: 2*N concurrent admits on a fresh max=N row must yield
// exactly N allowed.
func limitsSmoke(args []string) {
	fs := flag.NewFlagSet("limits-smoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A pool, not a single conn: the whole point is concurrent admissions.
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer pool.Close()

	// A throwaway owner id keeps the smoke run out of real tenants' rows.
	ownerID := time.Now().UnixNano()%1_000_000 + 9_000_000_000
	store := persistence.NewLimitPGStore(pool)

	const ceiling = 5
	if _, err := store.Upsert(ctx, types.LimitedResource{
		OwnerScope:   types.ScopeTeam,
		OwnerID:      ownerID,
		ResourceKind: types.KindServiceKeys,
		Plane:        types.PlaneControl,
		Unit:         types.UnitCount,
		MaxValue:     ceiling,
		CurrentValue: types.Float(0),
		Source:       types.SourceDefault,
	}); err != nil {
		fatal(err)
	}
	defer func() {
		_, _ = pool.Exec(context.Background(), `
	DELETE FROM limited_resources WHERE owner_scope = 'TEAM' AND owner_id = $1
	`, ownerID)
	}()

	var wg sync.WaitGroup
	results := make(chan bool, 2*ceiling)
	errs := make(chan error, 2*ceiling)
	for range 2 * ceiling {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := store.AdmitOne(ctx, types.ScopeTeam, ownerID, types.KindServiceKeys)
			if err != nil {
				errs <- err
				return
			}
			results <- allowed
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		fatal(err)
	}
	admitted := 0
	for allowed := range results {
		if allowed {
			admitted++
		}
	}
	if admitted != ceiling {
		fatalf("expected exactly %d concurrent admissions, got %d", ceiling, admitted)
	}

	for i := range ceiling {
		released, err := store.ReleaseOne(ctx, types.ScopeTeam, ownerID, types.KindServiceKeys)
		if err != nil {
			fatal(err)
		}
		if !released {
			fatalf("release %d hit the floor early", i+1)
		}
	}
	released, err := store.ReleaseOne(ctx, types.ScopeTeam, ownerID, types.KindServiceKeys)
	if err != nil {
		fatal(err)
	}
	if released {
		fatalf("release below zero succeeded")
	}

	fmt.Println("[limits-smoke] OK")
}

func locksSmoke(args []string) {
	fs := flag.NewFlagSet("locks-smoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	store := persistence.NewLockPGStore(conn)
	name := fmt.Sprintf("dbtool_smoke_%d", time.Now().UnixNano())
	defer func() {
		_, _ = conn.Exec(context.Background(), `DELETE FROM job_locks WHERE name = $1`, name)
	}()

	acquired, err := store.TryAcquire(ctx, name, time.Minute)
	if err != nil {
		fatal(err)
	}
	if !acquired {
		fatalf("fresh lock not acquired")
	}

	acquired, err = store.TryAcquire(ctx, name, time.Minute)
	if err != nil {
		fatal(err)
	}
	if acquired {
		fatalf("live lock acquired twice")
	}

	released, err := store.Release(ctx, name)
	if err != nil {
		fatal(err)
	}
	if !released {
		fatalf("release of held lock failed")
	}

	acquired, err = store.TryAcquire(ctx, name, time.Second)
	if err != nil {
		fatal(err)
	}
	if !acquired {
		fatalf("released lock not reacquired")
	}

	// Never released: the next runner steals it once ttl has lapsed.
	time.Sleep(1200 * time.Millisecond)
	acquired, err = store.TryAcquire(ctx, name, time.Second)
	if err != nil {
		fatal(err)
	}
	if !acquired {
		fatalf("stale lock not stolen after ttl")
	}

	fmt.Println("[locks-smoke] OK")
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
