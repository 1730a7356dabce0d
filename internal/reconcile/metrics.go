package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts sweep attempts. Outcomes: ok, partial, error.
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotient_reconcile_runs_total",
			Help: "Total reconcile sweep runs by outcome",
		},
		[]string{"outcome"},
	)

	// lockContentionTotal counts runs skipped because another runner held
	// the job lock. Expected under multi-instance deployment, not an error.
	lockContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quotient_reconcile_lock_contention_total",
			Help: "Reconcile runs skipped because the job lock was held elsewhere",
		},
	)

	// demotionsTotal counts PRODUCT rows demoted to DEFAULT because no
	// active plan grants the kind anymore.
	demotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotient_reconcile_demotions_total",
			Help: "PRODUCT limits demoted to DEFAULT by the sweep, per resource kind",
		},
		[]string{"kind"},
	)
)
