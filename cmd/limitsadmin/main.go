// limitsadmin — operator CLI for the limit hierarchy engine.
//
// Usage:
//
//	limitsadmin <set|demote|reset|effective|system-defaults|admit|release> [flags]
//
// Every subcommand takes --url (postgres connection string, defaulting to
// DATABASE_URL / DB_*) and --as-role (the caller's role for the casbin
// check; writes are refused when the role lacks the action).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quotienthq/quotient/modules/limits/domain/types"
	"github.com/quotienthq/quotient/modules/limits/infrastructure/catalog"
	"github.com/quotienthq/quotient/modules/limits/infrastructure/persistence"
	"github.com/quotienthq/quotient/modules/limits/services"
	"github.com/quotienthq/quotient/pkg/authz"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: limitsadmin <set|demote|reset|effective|system-defaults|admit|release> [flags]")
	}

	switch os.Args[1] {
	case "set":
		cmdSet(os.Args[2:])
	case "demote":
		cmdDemote(os.Args[2:])
	case "reset":
		cmdReset(os.Args[2:])
	case "effective":
		cmdEffective(os.Args[2:])
	case "system-defaults":
		cmdSystemDefaults(os.Args[2:])
	case "admit":
		cmdAdmit(os.Args[2:])
	case "release":
		cmdRelease(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

// ownerFlags is the flag block shared by every subcommand.
type ownerFlags struct {
	url    string
	asRole string
	scope  string
	owner  int64
	kind   string
}

func (o *ownerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&o.url, "url", "", "postgres connection string (default: DATABASE_URL / DB_*)")
	fs.StringVar(&o.asRole, "as-role", "", "role the action runs as (limits-admin, support, reconciler)")
	fs.StringVar(&o.scope, "scope", "", "owner scope: SYSTEM, TEAM or USER")
	fs.Int64Var(&o.owner, "owner", 0, "team or user id (ignored for SYSTEM)")
	fs.StringVar(&o.kind, "kind", "", "resource kind (e.g. service_keys)")
}

type app struct {
	ctx     context.Context
	cancel  context.CancelFunc
	pool    *pgxpool.Pool
	reads   services.LimitReadService
	writes  services.LimitWriteService
	resets  services.ResetService
	enforce services.EnforcementService
	authz   *authz.Authorizer
	subject string
}

func newApp(o ownerFlags) *app {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	url := o.url
	if url == "" {
		url = dbDSNFromEnv()
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		cancel()
		fatal(err)
	}

	plans, err := catalog.Load()
	if err != nil {
		cancel()
		fatal(err)
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		cancel()
		fatal(err)
	}
	authorizer, err := authz.NewAuthorizer(
		findConfig("config/authz_model.conf"),
		findConfig("config/authz_policy.csv"),
		mode,
	)
	if err != nil {
		cancel()
		fatal(err)
	}

	store := persistence.NewLimitStore(pool)
	cat := catalog.NewCatalog(pool, plans)
	return &app{
		ctx:     ctx,
		cancel:  cancel,
		pool:    pool,
		reads:   services.NewLimitReadService(store, cat),
		writes:  services.NewLimitWriteService(store, cat, nil),
		resets:  services.NewResetService(store, cat),
		enforce: services.NewEnforcementService(store, cat, persistence.NewUsageSource(pool)),
		authz:   authorizer,
		subject: authz.SubjectFromRoleSlug(o.asRole),
	}
}

func (a *app) close() {
	a.pool.Close()
	a.cancel()
}

func (a *app) mustAuthorize(object, action string) {
	allowed, enforced, err := a.authz.Authorize(a.subject, authz.DomainGlobal, object, action)
	if err != nil {
		fatal(err)
	}
	if !allowed && enforced {
		fatalf("authz: %s may not %s on %s", a.subject, action, object)
	}
	if !allowed {
		log.Printf("authz shadow: %s would be denied %s on %s", a.subject, action, object)
	}
}

func cmdSet(args []string) {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var o ownerFlags
	o.register(fs)
	var (
		maxValue float64
		current  float64
		hasCur   bool
		source   string
		setBy    string
	)
	fs.Float64Var(&maxValue, "max", 0, "ceiling value")
	fs.Float64Var(&current, "current", 0, "current value (control-plane rows)")
	fs.StringVar(&source, "source", string(types.SourceManual), "source: MANUAL, PRODUCT or DEFAULT")
	fs.StringVar(&setBy, "set-by", "", "administrator identity (required for MANUAL)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "current" {
			hasCur = true
		}
	})

	kind, profile := mustKind(o.kind)
	a := newApp(o)
	defer a.close()

	action := authz.ActionWrite
	if types.Source(source) == types.SourceManual {
		action = authz.ActionSetManual
	}
	a.mustAuthorize(authz.ObjectLimits, action)

	req := services.SetLimitRequest{
		OwnerScope:   types.OwnerScope(o.scope),
		OwnerID:      o.owner,
		ResourceKind: kind,
		Plane:        profile.Plane,
		Unit:         profile.Unit,
		MaxValue:     maxValue,
		Source:       types.Source(source),
		SetBy:        setBy,
	}
	if hasCur {
		req.CurrentValue = types.Float(current)
	}

	row, err := a.writes.Set(a.ctx, req)
	if err != nil {
		fatal(err)
	}
	printJSON(row)
}

func cmdDemote(args []string) {
	fs := flag.NewFlagSet("demote", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var o ownerFlags
	o.register(fs)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	kind, _ := mustKind(o.kind)
	a := newApp(o)
	defer a.close()
	a.mustAuthorize(authz.ObjectLimits, authz.ActionDemote)

	row, err := a.writes.DemoteToDefault(a.ctx, types.OwnerScope(o.scope), o.owner, kind)
	if err != nil {
		fatal(err)
	}
	printJSON(row)
}

func cmdReset(args []string) {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var o ownerFlags
	o.register(fs)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	kind, _ := mustKind(o.kind)
	a := newApp(o)
	defer a.close()
	a.mustAuthorize(authz.ObjectLimits, authz.ActionReset)

	row, err := a.resets.Reset(a.ctx, types.OwnerScope(o.scope), o.owner, kind)
	if err != nil {
		fatal(err)
	}
	printJSON(row)
}

func cmdEffective(args []string) {
	fs := flag.NewFlagSet("effective", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var o ownerFlags
	o.register(fs)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	a := newApp(o)
	defer a.close()
	a.mustAuthorize(authz.ObjectLimits, authz.ActionRead)

	rows, err := a.reads.Effective(a.ctx, types.OwnerScope(o.scope), o.owner)
	if err != nil {
		fatal(err)
	}
	printJSON(rows)
}

func cmdSystemDefaults(args []string) {
	fs := flag.NewFlagSet("system-defaults", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var o ownerFlags
	o.register(fs)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	a := newApp(o)
	defer a.close()
	a.mustAuthorize(authz.ObjectSystemDefaults, authz.ActionRead)

	rows, err := a.reads.SystemDefaults(a.ctx)
	if err != nil {
		fatal(err)
	}
	printJSON(rows)
}

func cmdAdmit(args []string) {
	fs := flag.NewFlagSet("admit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var o ownerFlags
	o.register(fs)
	verified := fs.Bool("verified", false, "reconcile from ground truth before admitting")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	kind, _ := mustKind(o.kind)
	a := newApp(o)
	defer a.close()
	a.mustAuthorize(authz.ObjectLimits, authz.ActionWrite)

	var allowed bool
	var err error
	if *verified {
		allowed, err = a.enforce.AdmitVerified(a.ctx, types.OwnerScope(o.scope), o.owner, kind)
	} else {
		allowed, err = a.enforce.AdmitResource(a.ctx, types.OwnerScope(o.scope), o.owner, kind)
	}
	if err != nil {
		fatal(err)
	}
	printJSON(map[string]bool{"allowed": allowed})
}

func cmdRelease(args []string) {
	fs := flag.NewFlagSet("release", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var o ownerFlags
	o.register(fs)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	kind, _ := mustKind(o.kind)
	a := newApp(o)
	defer a.close()
	a.mustAuthorize(authz.ObjectLimits, authz.ActionWrite)

	released, err := a.enforce.ReleaseResource(a.ctx, types.OwnerScope(o.scope), o.owner, kind)
	if err != nil {
		fatal(err)
	}
	printJSON(map[string]bool{"released": released})
}

func mustKind(raw string) (types.ResourceKind, types.KindProfile) {
	kind := types.ResourceKind(raw)
	profile, ok := types.ProfileFor(kind)
	if !ok {
		fatalf("unknown resource kind %q (known: %v)", raw, types.KnownKinds())
	}
	return kind, profile
}

// findConfig walks up from the working directory so the CLI works from any
// subdirectory of a checkout, same as the plan catalog loader.
func findConfig(rel string) string {
	path := rel
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		path = "../" + path
	}
	return rel
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(b))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
