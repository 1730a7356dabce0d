package services

import (
	"context"
	"errors"
	"testing"

	"github.com/quotienthq/quotient/modules/limits/domain/types"
	"github.com/quotienthq/quotient/pkg/guardrail"
	"github.com/quotienthq/quotient/pkg/httperr"
)

func withEvaluateGuardrails(t *testing.T, fn func([]guardrail.Rule, map[string]string) (guardrail.Result, error)) {
	t.Helper()
	orig := evaluateGuardrails
	evaluateGuardrails = fn
	t.Cleanup(func() { evaluateGuardrails = orig })
}

func validSetRequest() SetLimitRequest {
	return SetLimitRequest{
		OwnerScope:   types.ScopeTeam,
		OwnerID:      1,
		ResourceKind: types.KindServiceKeys,
		Plane:        types.PlaneControl,
		Unit:         types.UnitCount,
		MaxValue:     10,
		CurrentValue: types.Float(0),
		Source:       types.SourceDefault,
	}
}

func TestSetRejectsMalformedWrites(t *testing.T) {
	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(*SetLimitRequest)
		wantErr string
	}{
		{"invalid scope", func(r *SetLimitRequest) { r.OwnerScope = "GALAXY" }, errLimitScopeInvalid},
		{"unknown kind", func(r *SetLimitRequest) { r.ResourceKind = "widgets" }, errLimitKindUnknown},
		{"zero owner", func(r *SetLimitRequest) { r.OwnerID = 0 }, errLimitOwnerInvalid},
		{"plane mismatch", func(r *SetLimitRequest) { r.Plane = types.PlaneData }, errLimitPlaneMismatch},
		{"unit mismatch", func(r *SetLimitRequest) { r.Unit = types.UnitCurrency }, errLimitUnitMismatch},
		{"invalid source", func(r *SetLimitRequest) { r.Source = "WISHFUL" }, errLimitSourceInvalid},
		{"control plane without current", func(r *SetLimitRequest) { r.CurrentValue = nil }, errLimitCurrentValueRequired},
		{"manual without set_by", func(r *SetLimitRequest) { r.Source = types.SourceManual; r.SetBy = "  " }, errLimitSetByRequired},
		{"system product source", func(r *SetLimitRequest) {
			r.OwnerScope = types.ScopeSystem
			r.Source = types.SourceProduct
		}, errLimitSystemSourceInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSetRequest()
			tc.mutate(&req)
			_, err := svc.Set(ctx, req)
			if err == nil || !httperr.IsBadRequest(err) || err.Error() != tc.wantErr {
				t.Fatalf("Set err = %v, want bad request %s", err, tc.wantErr)
			}
		})
	}
}

func TestSetGuardrailDenies(t *testing.T) {
	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)

	req := validSetRequest()
	req.MaxValue = -1

	_, err := svc.Set(context.Background(), req)
	if err == nil || !httperr.IsBadRequest(err) {
		t.Fatalf("Set err = %v, want bad request", err)
	}
	if err.Error() != errLimitGuardrailDenied+": max_value_negative" {
		t.Fatalf("Set err = %q, want guardrail denial with reason", err.Error())
	}
}

func TestSetGuardrailErrorPropagates(t *testing.T) {
	boom := errors.New("rules broken")
	withEvaluateGuardrails(t, func([]guardrail.Rule, map[string]string) (guardrail.Result, error) {
		return guardrail.Result{}, boom
	})

	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)

	if _, err := svc.Set(context.Background(), validSetRequest()); !errors.Is(err, boom) {
		t.Fatalf("Set err = %v, want rules broken", err)
	}
}

func TestSetNormalizesRow(t *testing.T) {
	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)
	ctx := context.Background()

	req := validSetRequest()
	req.SetBy = "ops@example.com"
	row, err := svc.Set(ctx, req)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if row.SetBy != "" {
		t.Fatalf("non-manual write kept set_by %q", row.SetBy)
	}

	sys := SetLimitRequest{
		OwnerScope:   types.ScopeSystem,
		OwnerID:      42,
		ResourceKind: types.KindSpendBudget,
		Plane:        types.PlaneData,
		Unit:         types.UnitCurrency,
		MaxValue:     50,
		Source:       types.SourceDefault,
	}
	row, err = svc.Set(ctx, sys)
	if err != nil {
		t.Fatalf("Set system: %v", err)
	}
	if row.OwnerID != types.SystemOwnerID {
		t.Fatalf("system owner id = %d, want sentinel 0", row.OwnerID)
	}
}

func TestSetEnforcesPrecedence(t *testing.T) {
	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)
	ctx := context.Background()

	manual := validSetRequest()
	manual.Source = types.SourceManual
	manual.SetBy = "ops@example.com"
	manual.MaxValue = 99
	if _, err := svc.Set(ctx, manual); err != nil {
		t.Fatalf("Set manual: %v", err)
	}

	product := validSetRequest()
	product.Source = types.SourceProduct
	_, err := svc.Set(ctx, product)
	if err == nil || !httperr.IsConflict(err) || err.Error() != errLimitPrecedenceViolation {
		t.Fatalf("product over manual err = %v, want conflict", err)
	}

	row, err := store.Get(ctx, types.ScopeTeam, 1, types.KindServiceKeys)
	if err != nil || row.Source != types.SourceManual || row.MaxValue != 99 {
		t.Fatalf("manual row disturbed: %+v, %v", row, err)
	}

	// Upgrades stay legal: DEFAULT -> PRODUCT -> MANUAL.
	vec := validSetRequest()
	vec.ResourceKind = types.KindVectorDatabases
	if _, err := svc.Set(ctx, vec); err != nil {
		t.Fatalf("Set default: %v", err)
	}
	vec.Source = types.SourceProduct
	if _, err := svc.Set(ctx, vec); err != nil {
		t.Fatalf("Set product over default: %v", err)
	}
	vec.Source = types.SourceDefault
	if _, err := svc.Set(ctx, vec); err == nil || !httperr.IsConflict(err) {
		t.Fatalf("default over product err = %v, want conflict", err)
	}
}

func TestSetSystemPropagatesToDefaultRows(t *testing.T) {
	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)
	ctx := context.Background()

	seedRow(t, store, systemRow(types.KindServiceKeys, 5))
	defaultTeam := seedRow(t, store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 1, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 5, CurrentValue: types.Float(2), Source: types.SourceDefault,
	})
	defaultUser := seedRow(t, store, types.LimitedResource{
		OwnerScope: types.ScopeUser, OwnerID: 9, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 5, CurrentValue: types.Float(0), Source: types.SourceDefault,
	})
	productTeam := seedRow(t, store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 2, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 20, CurrentValue: types.Float(0), Source: types.SourceProduct,
	})
	otherKind := seedRow(t, store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 1, ResourceKind: types.KindVectorDatabases,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 1, CurrentValue: types.Float(0), Source: types.SourceDefault,
	})

	sys := SetLimitRequest{
		OwnerScope:   types.ScopeSystem,
		ResourceKind: types.KindServiceKeys,
		Plane:        types.PlaneControl,
		Unit:         types.UnitCount,
		MaxValue:     8,
		CurrentValue: types.Float(0),
		Source:       types.SourceDefault,
	}
	if _, err := svc.Set(ctx, sys); err != nil {
		t.Fatalf("Set system: %v", err)
	}

	check := func(seed types.LimitedResource, wantMax float64) {
		t.Helper()
		row, err := store.Get(ctx, seed.OwnerScope, seed.OwnerID, seed.ResourceKind)
		if err != nil {
			t.Fatalf("Get %s/%d: %v", seed.OwnerScope, seed.OwnerID, err)
		}
		if row.MaxValue != wantMax {
			t.Fatalf("%s/%d/%s max = %v, want %v", seed.OwnerScope, seed.OwnerID, seed.ResourceKind, row.MaxValue, wantMax)
		}
	}
	check(defaultTeam, 8)
	check(defaultUser, 8)
	check(productTeam, 20)
	check(otherKind, 1)

	// Propagation does not touch counters.
	row, _ := store.Get(ctx, types.ScopeTeam, 1, types.KindServiceKeys)
	if row.CurrentValue == nil || *row.CurrentValue != 2 {
		t.Fatalf("propagation disturbed current_value: %v", row.CurrentValue)
	}
}

func TestSetSystemPropagatesAcrossBatches(t *testing.T) {
	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)
	ctx := context.Background()

	const teams = fanOutBatchSize + 2
	for i := range teams {
		seedRow(t, store, types.LimitedResource{
			OwnerScope: types.ScopeTeam, OwnerID: int64(i + 1), ResourceKind: types.KindTeamMembers,
			Plane: types.PlaneControl, Unit: types.UnitCount,
			MaxValue: 5, CurrentValue: types.Float(0), Source: types.SourceDefault,
		})
	}

	sys := SetLimitRequest{
		OwnerScope:   types.ScopeSystem,
		ResourceKind: types.KindTeamMembers,
		Plane:        types.PlaneControl,
		Unit:         types.UnitCount,
		MaxValue:     6,
		CurrentValue: types.Float(0),
		Source:       types.SourceDefault,
	}
	if _, err := svc.Set(ctx, sys); err != nil {
		t.Fatalf("Set system: %v", err)
	}

	for _, teamID := range []int64{1, fanOutBatchSize, teams} {
		row, err := store.Get(ctx, types.ScopeTeam, teamID, types.KindTeamMembers)
		if err != nil {
			t.Fatalf("Get team %d: %v", teamID, err)
		}
		if row.MaxValue != 6 {
			t.Fatalf("team %d max = %v, want 6", teamID, row.MaxValue)
		}
	}
}

func TestDemoteToDefault(t *testing.T) {
	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)
	ctx := context.Background()

	seedRow(t, store, systemRow(types.KindServiceKeys, 10))
	seedRow(t, store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 1, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 20, CurrentValue: types.Float(4), Source: types.SourceProduct,
	})

	row, err := svc.DemoteToDefault(ctx, types.ScopeTeam, 1, types.KindServiceKeys)
	if err != nil {
		t.Fatalf("DemoteToDefault: %v", err)
	}
	if row.Source != types.SourceDefault || row.MaxValue != 10 {
		t.Fatalf("demoted row = source %s max %v, want DEFAULT 10", row.Source, row.MaxValue)
	}
	if row.CurrentValue == nil || *row.CurrentValue != 4 {
		t.Fatalf("demote disturbed current_value: %v", row.CurrentValue)
	}
}

func TestDemoteToDefaultWithoutSystemRow(t *testing.T) {
	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)
	ctx := context.Background()

	seedRow(t, store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 1, ResourceKind: types.KindSpendBudget,
		Plane: types.PlaneData, Unit: types.UnitCurrency,
		MaxValue: 200, Source: types.SourceProduct,
	})

	row, err := svc.DemoteToDefault(ctx, types.ScopeTeam, 1, types.KindSpendBudget)
	if err != nil {
		t.Fatalf("DemoteToDefault: %v", err)
	}
	// Falls back to the catalog's shipped constant.
	if row.Source != types.SourceDefault || row.MaxValue != 50 {
		t.Fatalf("demoted row = source %s max %v, want DEFAULT 50", row.Source, row.MaxValue)
	}
}

func TestDemoteToDefaultRefusals(t *testing.T) {
	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)
	ctx := context.Background()

	if _, err := svc.DemoteToDefault(ctx, types.ScopeSystem, 0, types.KindServiceKeys); err == nil || !httperr.IsBadRequest(err) {
		t.Fatalf("system demote err = %v, want bad request", err)
	}
	if _, err := svc.DemoteToDefault(ctx, types.ScopeTeam, 1, types.KindServiceKeys); err == nil || !httperr.IsNotFound(err) {
		t.Fatalf("missing row demote err = %v, want not found", err)
	}

	seedRow(t, store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 1, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 99, CurrentValue: types.Float(0), Source: types.SourceManual, SetBy: "ops@example.com",
	})
	if _, err := svc.DemoteToDefault(ctx, types.ScopeTeam, 1, types.KindServiceKeys); err == nil || !httperr.IsConflict(err) {
		t.Fatalf("manual demote err = %v, want conflict", err)
	}
}

func TestDemoteToDefaultNoopOnDefaultRow(t *testing.T) {
	store, cat := newTestEnv(t)
	svc := NewLimitWriteService(store, cat, nil)
	ctx := context.Background()

	seeded := seedRow(t, store, types.LimitedResource{
		OwnerScope: types.ScopeTeam, OwnerID: 1, ResourceKind: types.KindServiceKeys,
		Plane: types.PlaneControl, Unit: types.UnitCount,
		MaxValue: 5, CurrentValue: types.Float(1), Source: types.SourceDefault,
	})

	row, err := svc.DemoteToDefault(ctx, types.ScopeTeam, 1, types.KindServiceKeys)
	if err != nil {
		t.Fatalf("DemoteToDefault: %v", err)
	}
	if row.ID != seeded.ID || row.MaxValue != 5 {
		t.Fatalf("default row should be untouched, got %+v", row)
	}
}
