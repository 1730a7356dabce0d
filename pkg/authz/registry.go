package authz

const (
	RoleLimitsAdmin = "limits-admin"
	RoleSupport     = "support"
	RoleReconciler  = "reconciler"
	RoleAnonymous   = "anonymous"
)

const (
	ActionRead      = "read"
	ActionWrite     = "write"
	ActionSetManual = "set-manual"
	ActionDemote    = "demote"
	ActionReset     = "reset"
)

const DomainGlobal = "global"

const (
	ObjectLimits         = "limits.limits"
	ObjectSystemDefaults = "limits.system-defaults"
	ObjectLocks          = "limits.locks"
)
