package services

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/modules/limits/domain/types"
	"github.com/quotienthq/quotient/pkg/guardrail"
	"github.com/quotienthq/quotient/pkg/httperr"
)

const (
	errLimitScopeInvalid         = "LIMIT_SCOPE_INVALID"
	errLimitOwnerInvalid         = "LIMIT_OWNER_INVALID"
	errLimitKindUnknown          = "LIMIT_KIND_UNKNOWN"
	errLimitPlaneMismatch        = "LIMIT_PLANE_MISMATCH"
	errLimitUnitMismatch         = "LIMIT_UNIT_MISMATCH"
	errLimitSourceInvalid        = "LIMIT_SOURCE_INVALID"
	errLimitCurrentValueRequired = "LIMIT_CURRENT_VALUE_REQUIRED"
	errLimitSetByRequired        = "LIMIT_SET_BY_REQUIRED"
	errLimitSystemSourceInvalid  = "LIMIT_SYSTEM_SOURCE_INVALID"
	errLimitPrecedenceViolation  = "LIMIT_PRECEDENCE_VIOLATION"
	errLimitNotFound             = "LIMIT_NOT_FOUND"
	errLimitGuardrailDenied      = "LIMIT_GUARDRAIL_DENIED"
	errLimitDefaultUnknown       = "LIMIT_DEFAULT_UNKNOWN"
	errLimitSystemNotResettable  = "LIMIT_SYSTEM_NOT_RESETTABLE"
)

// fanOutBatchSize bounds each SYSTEM default propagation update.
const fanOutBatchSize = 500

var evaluateGuardrails = guardrail.Evaluate

type SetLimitRequest struct {
	OwnerScope   types.OwnerScope
	OwnerID      int64
	ResourceKind types.ResourceKind
	Plane        types.Plane
	Unit         types.Unit
	MaxValue     float64
	CurrentValue *float64
	Source       types.Source
	SetBy        string
}

// LimitWriteService validates and applies limit writes. Set keeps strict
// source precedence (MANUAL sticky, PRODUCT not overwritable by DEFAULT);
// the plan-cancelled fallback is the separate DemoteToDefault operation.
type LimitWriteService interface {
	Set(ctx context.Context, req SetLimitRequest) (types.LimitedResource, error)
	DemoteToDefault(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (types.LimitedResource, error)
}

type limitWriteService struct {
	store   ports.LimitStore
	catalog ports.PlanCatalog
	rules   []guardrail.Rule
}

// NewLimitWriteService wires the mutator. A nil rules slice selects the
// compiled-in guardrail set.
func NewLimitWriteService(store ports.LimitStore, catalog ports.PlanCatalog, rules []guardrail.Rule) LimitWriteService {
	if rules == nil {
		rules = guardrail.DefaultRules()
	}
	return &limitWriteService{store: store, catalog: catalog, rules: rules}
}

func (s *limitWriteService) Set(ctx context.Context, req SetLimitRequest) (types.LimitedResource, error) {
	row, err := s.validateSet(req)
	if err != nil {
		return types.LimitedResource{}, err
	}

	result, err := s.store.Upsert(ctx, row)
	if err != nil {
		if errors.Is(err, ports.ErrPrecedenceViolation) {
			return types.LimitedResource{}, httperr.NewConflict(errLimitPrecedenceViolation)
		}
		return types.LimitedResource{}, err
	}

	// A SYSTEM write is the new default for every owner still inheriting
	// it. Propagation is batched and resumable by re-running the set.
	if result.OwnerScope == types.ScopeSystem {
		if err := s.propagateDefault(ctx, result.ResourceKind, result.MaxValue); err != nil {
			return types.LimitedResource{}, err
		}
	}
	return result, nil
}

func (s *limitWriteService) validateSet(req SetLimitRequest) (types.LimitedResource, error) {
	if !req.OwnerScope.Valid() {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitScopeInvalid)
	}
	profile, ok := types.ProfileFor(req.ResourceKind)
	if !ok {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitKindUnknown)
	}

	ownerID := req.OwnerID
	if req.OwnerScope == types.ScopeSystem {
		ownerID = types.SystemOwnerID
	} else if ownerID <= 0 {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitOwnerInvalid)
	}

	if req.Plane != profile.Plane {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitPlaneMismatch)
	}
	if req.Unit != profile.Unit {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitUnitMismatch)
	}
	if !req.Source.Valid() {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitSourceInvalid)
	}

	verdict, err := evaluateGuardrails(s.rules, guardrailAttrs(req))
	if err != nil {
		return types.LimitedResource{}, err
	}
	if !verdict.Allowed {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitGuardrailDenied + ": " + verdict.ReasonCode)
	}

	if req.Plane == types.PlaneControl && req.CurrentValue == nil {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitCurrentValueRequired)
	}
	setBy := strings.TrimSpace(req.SetBy)
	if req.Source == types.SourceManual && setBy == "" {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitSetByRequired)
	}
	if req.OwnerScope == types.ScopeSystem && req.Source == types.SourceProduct {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitSystemSourceInvalid)
	}
	if req.Source != types.SourceManual {
		setBy = ""
	}

	row := types.LimitedResource{
		OwnerScope:   req.OwnerScope,
		OwnerID:      ownerID,
		ResourceKind: req.ResourceKind,
		Plane:        req.Plane,
		Unit:         req.Unit,
		MaxValue:     req.MaxValue,
		Source:       req.Source,
		SetBy:        setBy,
	}
	if req.CurrentValue != nil {
		row.CurrentValue = types.Float(*req.CurrentValue)
	}
	return row, nil
}

func (s *limitWriteService) propagateDefault(ctx context.Context, kind types.ResourceKind, newMax float64) error {
	afterID := int64(0)
	for {
		lastID, updated, err := s.store.UpdateDefaultMaxBatch(ctx, kind, newMax, afterID, fanOutBatchSize)
		if err != nil {
			return err
		}
		if updated < fanOutBatchSize {
			return nil
		}
		afterID = lastID
	}
}

func (s *limitWriteService) DemoteToDefault(ctx context.Context, scope types.OwnerScope, ownerID int64, kind types.ResourceKind) (types.LimitedResource, error) {
	if scope != types.ScopeTeam && scope != types.ScopeUser {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitScopeInvalid)
	}
	if ownerID <= 0 {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitOwnerInvalid)
	}
	if _, ok := types.ProfileFor(kind); !ok {
		return types.LimitedResource{}, httperr.NewBadRequest(errLimitKindUnknown)
	}

	newMax, err := resolveDefaultMax(ctx, s.store, s.catalog, kind)
	if err != nil {
		return types.LimitedResource{}, err
	}

	row, err := s.store.DemoteDefault(ctx, scope, ownerID, kind, newMax)
	switch {
	case errors.Is(err, ports.ErrLimitNotFound):
		return types.LimitedResource{}, httperr.NewNotFound(errLimitNotFound)
	case errors.Is(err, ports.ErrPrecedenceViolation):
		return types.LimitedResource{}, httperr.NewConflict(errLimitPrecedenceViolation)
	case err != nil:
		return types.LimitedResource{}, err
	}
	return row, nil
}

// resolveDefaultMax is the DEFAULT ceiling for a kind: the SYSTEM row when
// one exists, else the catalog's shipped constant.
func resolveDefaultMax(ctx context.Context, store ports.LimitStore, catalog ports.PlanCatalog, kind types.ResourceKind) (float64, error) {
	row, err := store.Get(ctx, types.ScopeSystem, types.SystemOwnerID, kind)
	if err == nil {
		return row.MaxValue, nil
	}
	if !errors.Is(err, ports.ErrLimitNotFound) {
		return 0, err
	}
	v, ok := catalog.DefaultCeiling(kind)
	if !ok {
		return 0, httperr.NewBadRequest(errLimitDefaultUnknown)
	}
	return v, nil
}

func guardrailAttrs(req SetLimitRequest) map[string]string {
	attrs := map[string]string{
		"owner_scope":   string(req.OwnerScope),
		"owner_id":      strconv.FormatInt(req.OwnerID, 10),
		"resource_kind": string(req.ResourceKind),
		"plane":         string(req.Plane),
		"unit":          string(req.Unit),
		"max_value":     strconv.FormatFloat(req.MaxValue, 'f', -1, 64),
		"source":        string(req.Source),
	}
	if req.CurrentValue != nil {
		attrs["current_value"] = strconv.FormatFloat(*req.CurrentValue, 'f', -1, 64)
	}
	return attrs
}
