package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// admissionsTotal counts admission decisions per resource kind. Outcomes:
	// allowed, denied, not_found, invalid_class, error.
	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotient_admissions_total",
			Help: "Total admission decisions by resource kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// releasesTotal counts release decisions per resource kind. Outcomes:
	// released, floored, not_found, invalid_class, error.
	releasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotient_releases_total",
			Help: "Total release decisions by resource kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// reconcileAdjustmentsTotal counts counter overwrites that changed a
	// stored value.
	reconcileAdjustmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotient_reconcile_adjustments_total",
			Help: "Total counter corrections applied by reconcile, per resource kind",
		},
		[]string{"kind"},
	)

	// reconcileDrift records the last observed stored-minus-true delta.
	reconcileDrift = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotient_reconcile_drift",
			Help: "Last observed counter drift (stored minus ground truth) per resource kind",
		},
		[]string{"kind"},
	)
)
