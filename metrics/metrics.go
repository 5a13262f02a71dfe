package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	vpnerrors "github.com/Asort97/happycat-vpn/errors"
)

var (
	// IssuanceTotal counts issuance attempts by credential kind and outcome.
	IssuanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpn",
		Name:      "issuance_total",
		Help:      "Credential issuance attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	// SweepRevokedTotal counts credentials revoked by the expiry sweep.
	SweepRevokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vpn",
		Name:      "sweep_revoked_total",
		Help:      "Expired credentials revoked by the sweep.",
	})

	SweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vpn",
		Name:      "sweep_errors_total",
		Help:      "Per-credential sweep failures.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vpn",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one sweep pass in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	ReferralUnitsCreditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vpn",
		Name:      "referral_units_credited_total",
		Help:      "Referral reward units claimed.",
	})

	// PaymentsAppliedTotal counts payment activations by outcome
	// (ok, replay, or an error kind).
	PaymentsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpn",
		Name:      "payments_applied_total",
		Help:      "Payment activations by outcome.",
	}, []string{"outcome"})

	// NodeLoad mirrors the stored load count of each node after a sweep.
	NodeLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vpn",
		Name:      "node_load",
		Help:      "Active credentials bound to each node.",
	}, []string{"node"})
)

// Outcome turns an operation result into a low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := vpnerrors.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
