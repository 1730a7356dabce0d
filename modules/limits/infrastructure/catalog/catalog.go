package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
	"gopkg.in/yaml.v3"
)

// Plan is one subscription product. Grants are team-aggregate ceilings;
// UserGrants apply per member for per-user resource kinds.
type Plan struct {
	Code       string                         `yaml:"code"`
	Grants     map[types.ResourceKind]float64 `yaml:"grants"`
	UserGrants map[types.ResourceKind]float64 `yaml:"user_grants"`
}

type subscriptionEntry struct {
	TeamID  int64   `yaml:"team_id"`
	Plan    string  `yaml:"plan"`
	Members []int64 `yaml:"members"`
}

type PlansFile struct {
	Version       int                            `yaml:"version"`
	Defaults      map[types.ResourceKind]float64 `yaml:"defaults"`
	Plans         []Plan                         `yaml:"plans"`
	Subscriptions []subscriptionEntry            `yaml:"subscriptions"`
}

// Load reads the plan catalog from PLANS_PATH, falling back to
// config/plans.yaml found by walking parent directories.
func Load() (*PlansFile, error) {
	path := os.Getenv("PLANS_PATH")
	if path == "" {
		p, err := defaultPlansPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return LoadFile(path)
}

func LoadFile(path string) (*PlansFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pf PlansFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return nil, err
	}
	if pf.Version != 1 {
		return nil, errors.New("plans: unsupported version")
	}
	if len(pf.Defaults) == 0 {
		return nil, errors.New("plans: defaults required")
	}
	for kind := range pf.Defaults {
		if _, ok := types.ProfileFor(kind); !ok {
			return nil, fmt.Errorf("plans: unknown default kind %q", kind)
		}
	}
	seen := map[string]bool{}
	for _, plan := range pf.Plans {
		if plan.Code == "" {
			return nil, errors.New("plans: plan code required")
		}
		if seen[plan.Code] {
			return nil, fmt.Errorf("plans: duplicate plan %q", plan.Code)
		}
		seen[plan.Code] = true
		for kind := range plan.Grants {
			if _, ok := types.ProfileFor(kind); !ok {
				return nil, fmt.Errorf("plans: plan %q grants unknown kind %q", plan.Code, kind)
			}
		}
		for kind := range plan.UserGrants {
			if _, ok := types.ProfileFor(kind); !ok {
				return nil, fmt.Errorf("plans: plan %q user-grants unknown kind %q", plan.Code, kind)
			}
		}
	}
	for _, sub := range pf.Subscriptions {
		if !seen[sub.Plan] {
			return nil, fmt.Errorf("plans: subscription for team %d names unknown plan %q", sub.TeamID, sub.Plan)
		}
	}
	return &pf, nil
}

func defaultPlansPath() (string, error) {
	path := "config/plans.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("plans: config not found")
}

func (f *PlansFile) planByCode(code string) (Plan, bool) {
	for _, p := range f.Plans {
		if p.Code == code {
			return p, true
		}
	}
	return Plan{}, false
}

// maxGrant folds the team's active plan codes into the largest grant for
// kind; granted is false when no plan speaks for the kind at all.
func (f *PlansFile) maxGrant(codes []string, kind types.ResourceKind, perUser bool) (float64, bool) {
	best := 0.0
	granted := false
	for _, code := range codes {
		plan, ok := f.planByCode(code)
		if !ok {
			continue
		}
		grants := plan.Grants
		if perUser {
			grants = plan.UserGrants
		}
		v, ok := grants[kind]
		if !ok {
			continue
		}
		if !granted || v > best {
			best = v
			granted = true
		}
	}
	return best, granted
}

func (f *PlansFile) DefaultCeiling(kind types.ResourceKind) (float64, bool) {
	v, ok := f.Defaults[kind]
	return v, ok
}

// StaticCatalog resolves subscriptions from the plans file itself plus any
// programmatic overrides. It backs dev mode and tests.
type StaticCatalog struct {
	file *PlansFile

	mu      sync.Mutex
	subs    map[int64][]string
	members map[int64]int64
}

func NewStaticCatalog(file *PlansFile) *StaticCatalog {
	c := &StaticCatalog{
		file:    file,
		subs:    make(map[int64][]string),
		members: make(map[int64]int64),
	}
	for _, sub := range file.Subscriptions {
		c.subs[sub.TeamID] = append(c.subs[sub.TeamID], sub.Plan)
		for _, userID := range sub.Members {
			c.members[userID] = sub.TeamID
		}
	}
	return c
}

// SetSubscription replaces a team's plan codes; none cancels everything.
func (c *StaticCatalog) SetSubscription(teamID int64, planCodes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(planCodes) == 0 {
		delete(c.subs, teamID)
		return
	}
	c.subs[teamID] = append([]string(nil), planCodes...)
}

func (c *StaticCatalog) SetMember(userID, teamID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[userID] = teamID
}

func (c *StaticCatalog) MaxGrantedForTeam(ctx context.Context, teamID int64, kind types.ResourceKind) (float64, bool, error) {
	c.mu.Lock()
	codes := append([]string(nil), c.subs[teamID]...)
	c.mu.Unlock()
	v, ok := c.file.maxGrant(codes, kind, false)
	return v, ok, nil
}

func (c *StaticCatalog) MaxGrantedForUser(ctx context.Context, userID int64, kind types.ResourceKind) (float64, bool, error) {
	teamID, ok, err := c.TeamForUser(ctx, userID)
	if err != nil || !ok {
		return 0, false, err
	}
	c.mu.Lock()
	codes := append([]string(nil), c.subs[teamID]...)
	c.mu.Unlock()
	v, granted := c.file.maxGrant(codes, kind, true)
	return v, granted, nil
}

func (c *StaticCatalog) TeamForUser(ctx context.Context, userID int64) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	teamID, ok := c.members[userID]
	return teamID, ok, nil
}

func (c *StaticCatalog) DefaultCeiling(kind types.ResourceKind) (float64, bool) {
	return c.file.DefaultCeiling(kind)
}

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGCatalog resolves subscriptions and membership from the database while
// plan definitions and default ceilings stay in the shipped plans file.
type PGCatalog struct {
	pool pgBeginner
	file *PlansFile
}

func NewPGCatalog(pool pgBeginner, file *PlansFile) ports.PlanCatalog {
	return &PGCatalog{pool: pool, file: file}
}

// NewCatalog returns the pg-backed catalog, or the static one when no pool
// is configured.
func NewCatalog(pool *pgxpool.Pool, file *PlansFile) ports.PlanCatalog {
	if pool == nil {
		return NewStaticCatalog(file)
	}
	return NewPGCatalog(pool, file)
}

func (c *PGCatalog) activePlanCodes(ctx context.Context, teamID int64) ([]string, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
	SELECT plan_code FROM team_subscriptions
	WHERE team_id = $1 AND status = 'active'
	  AND (ends_at IS NULL OR ends_at > now())
	`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return codes, nil
}

func (c *PGCatalog) MaxGrantedForTeam(ctx context.Context, teamID int64, kind types.ResourceKind) (float64, bool, error) {
	codes, err := c.activePlanCodes(ctx, teamID)
	if err != nil {
		return 0, false, err
	}
	v, ok := c.file.maxGrant(codes, kind, false)
	return v, ok, nil
}

func (c *PGCatalog) MaxGrantedForUser(ctx context.Context, userID int64, kind types.ResourceKind) (float64, bool, error) {
	teamID, ok, err := c.TeamForUser(ctx, userID)
	if err != nil || !ok {
		return 0, false, err
	}
	codes, err := c.activePlanCodes(ctx, teamID)
	if err != nil {
		return 0, false, err
	}
	v, granted := c.file.maxGrant(codes, kind, true)
	return v, granted, nil
}

func (c *PGCatalog) TeamForUser(ctx context.Context, userID int64) (int64, bool, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var teamID int64
	err = tx.QueryRow(ctx, `
	SELECT team_id FROM team_members WHERE user_id = $1
	`, userID).Scan(&teamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return teamID, true, nil
}

func (c *PGCatalog) DefaultCeiling(kind types.ResourceKind) (float64, bool) {
	return c.file.DefaultCeiling(kind)
}
