package types

import "time"

type OwnerScope string

const (
	ScopeSystem OwnerScope = "SYSTEM"
	ScopeTeam   OwnerScope = "TEAM"
	ScopeUser   OwnerScope = "USER"
)

func (s OwnerScope) Valid() bool {
	switch s {
	case ScopeSystem, ScopeTeam, ScopeUser:
		return true
	}
	return false
}

// SystemOwnerID is the sentinel owner id carried by SYSTEM rows.
const SystemOwnerID int64 = 0

type Plane string

const (
	PlaneControl Plane = "CONTROL_PLANE"
	PlaneData    Plane = "DATA_PLANE"
)

func (p Plane) Valid() bool { return p == PlaneControl || p == PlaneData }

type Unit string

const (
	UnitCount    Unit = "COUNT"
	UnitCurrency Unit = "CURRENCY"
	UnitCapacity Unit = "CAPACITY"
)

func (u Unit) Valid() bool {
	switch u {
	case UnitCount, UnitCurrency, UnitCapacity:
		return true
	}
	return false
}

type Source string

const (
	SourceManual  Source = "MANUAL"
	SourceProduct Source = "PRODUCT"
	SourceDefault Source = "DEFAULT"
)

func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceProduct, SourceDefault:
		return true
	}
	return false
}

// SourceRank orders sources by precedence: MANUAL > PRODUCT > DEFAULT.
func SourceRank(s Source) int {
	switch s {
	case SourceManual:
		return 3
	case SourceProduct:
		return 2
	case SourceDefault:
		return 1
	}
	return 0
}

// IsDowngrade reports whether writing `incoming` over a row currently at
// `existing` would lower its precedence. Downgrades are only legal through
// the demote and reset paths, never through a plain write.
func IsDowngrade(existing, incoming Source) bool {
	return SourceRank(incoming) < SourceRank(existing)
}

// ResetSetBy is the reserved set_by marker stamped by the reset cascade.
const ResetSetBy = "limit_reset"

type ResourceKind string

const (
	KindTeamMembers       ResourceKind = "team_members"
	KindServiceKeys       ResourceKind = "service_keys"
	KindUserKeys          ResourceKind = "user_keys"
	KindVectorDatabases   ResourceKind = "vector_databases"
	KindSpendBudget       ResourceKind = "spend_budget"
	KindRequestsPerMinute ResourceKind = "requests_per_minute"
	KindStorageBytes      ResourceKind = "storage_bytes"
)

type KindProfile struct {
	Plane   Plane
	Unit    Unit
	PerUser bool
}

var kindProfiles = map[ResourceKind]KindProfile{
	KindTeamMembers:       {Plane: PlaneControl, Unit: UnitCount},
	KindServiceKeys:       {Plane: PlaneControl, Unit: UnitCount},
	KindUserKeys:          {Plane: PlaneControl, Unit: UnitCount, PerUser: true},
	KindVectorDatabases:   {Plane: PlaneControl, Unit: UnitCount},
	KindSpendBudget:       {Plane: PlaneData, Unit: UnitCurrency},
	KindRequestsPerMinute: {Plane: PlaneData, Unit: UnitCount},
	KindStorageBytes:      {Plane: PlaneData, Unit: UnitCapacity},
}

var kindOrder = []ResourceKind{
	KindTeamMembers,
	KindServiceKeys,
	KindUserKeys,
	KindVectorDatabases,
	KindSpendBudget,
	KindRequestsPerMinute,
	KindStorageBytes,
}

func ProfileFor(kind ResourceKind) (KindProfile, bool) {
	p, ok := kindProfiles[kind]
	return p, ok
}

// KnownKinds returns every resource kind in a stable order.
func KnownKinds() []ResourceKind {
	out := make([]ResourceKind, len(kindOrder))
	copy(out, kindOrder)
	return out
}

// LimitedResource is one limit row. CONTROL_PLANE rows always carry a
// non-nil CurrentValue; DATA_PLANE rows may carry one as a cached read
// value that this engine never increments.
type LimitedResource struct {
	ID           int64        `json:"id"`
	OwnerScope   OwnerScope   `json:"owner_scope"`
	OwnerID      int64        `json:"owner_id"`
	ResourceKind ResourceKind `json:"resource_kind"`
	Plane        Plane        `json:"plane"`
	Unit         Unit         `json:"unit"`
	MaxValue     float64      `json:"max_value"`
	CurrentValue *float64     `json:"current_value,omitempty"`
	Source       Source       `json:"source"`
	SetBy        string       `json:"set_by,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Key identifies a row independent of its surrogate id.
type Key struct {
	OwnerScope   OwnerScope
	OwnerID      int64
	ResourceKind ResourceKind
}

func (r LimitedResource) Key() Key {
	return Key{OwnerScope: r.OwnerScope, OwnerID: r.OwnerID, ResourceKind: r.ResourceKind}
}

// Float returns a pointer to v, for populating CurrentValue literals.
func Float(v float64) *float64 { return &v }

// JobLock is the persisted cooperative mutex guarding recurring jobs.
type JobLock struct {
	Name      string    `json:"name"`
	Held      bool      `json:"held"`
	UpdatedAt time.Time `json:"updated_at"`
}
