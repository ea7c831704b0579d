// Package telemetry registers the Prometheus metrics the control loop
// emits. Everything lives in one Metrics struct so components receive it
// as an explicit dependency instead of touching package globals.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the policy loop.
type Metrics struct {
	// Tick metrics
	TickDuration *prometheus.HistogramVec
	TickLag      prometheus.Counter
	TicksSkipped prometheus.Counter

	// Decision metrics
	DecisionsTotal *prometheus.CounterVec
	ScoreTotal     *prometheus.HistogramVec

	// Execution metrics
	ApplyTotal    *prometheus.CounterVec
	RollbackTotal *prometheus.CounterVec
	ClampTotal    *prometheus.CounterVec
	CooldownSkips prometheus.Counter

	// Node API metrics
	NodeCallDuration *prometheus.HistogramVec
	NodeCallRetries  prometheus.Counter
	BreakerState     prometheus.Gauge

	// Weight metrics
	WeightVersion prometheus.Gauge
	WeightValue   *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors on reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilot_tick_duration_seconds",
				Help:    "Duration of one control tick, by phase",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"phase"}, // scoring, decision, execution, total
		),
		TickLag: factory.NewCounter(prometheus.CounterOpts{
			Name: "pilot_tick_lag_total",
			Help: "Number of ticks that ran past their period",
		}),
		TicksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pilot_ticks_skipped_total",
			Help: "Tick fires skipped because the previous tick was still running",
		}),
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_decisions_total",
				Help: "Decisions produced, by kind and final status",
			},
			[]string{"kind", "status"},
		),
		ScoreTotal: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilot_channel_score",
				Help:    "Composite channel score distribution",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"stale"},
		),
		ApplyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_policy_apply_total",
				Help: "Policy apply attempts, by outcome",
			},
			[]string{"outcome"}, // success, version_stale, io_failure, auth_failure
		),
		RollbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_policy_rollback_total",
				Help: "Rollback attempts, by outcome",
			},
			[]string{"outcome"}, // success, conflict, failure, already_rolled_back
		),
		ClampTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_safety_clamp_total",
				Help: "Safety envelope clamps applied to proposals",
			},
			[]string{"field"}, // fee_rate_ppm, base_fee_msat, change_pct, identity
		),
		CooldownSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "pilot_cooldown_skips_total",
			Help: "Decisions downgraded to NO_ACTION by an active cooldown",
		}),
		NodeCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilot_node_call_duration_seconds",
				Help:    "Latency of node API calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "outcome"},
		),
		NodeCallRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "pilot_node_call_retries_total",
			Help: "Retries performed against the node API",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pilot_node_breaker_state",
			Help: "Node API circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
		WeightVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pilot_weights_version",
			Help: "Active scoring weight version",
		}),
		WeightValue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pilot_weight_value",
				Help: "Active scoring weight per sub-score",
			},
			[]string{"sub_score"},
		),
	}
}
