package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transition outcomes.
const (
	OutcomeCommitted      = "committed"
	OutcomeReplayed       = "replayed"
	OutcomeGuardViolation = "guard_violation"
	OutcomeConflict       = "conflict"
	OutcomeNotFound       = "not_found"
	OutcomeFailed         = "failed"
)

// Metrics provides observability for the verification module: transition
// outcomes, compensations, the review queue by urgency tier and ledger retention.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	ConflictRetries    prometheus.Counter
	Compensations      *prometheus.CounterVec
	PendingByTier      *prometheus.GaugeVec
	LedgerRetained     prometheus.Gauge
	LedgerDropped      prometheus.Gauge
}

// New registers the module metrics with reg. Pass prometheus.DefaultRegisterer
// in production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gigverify_transitions_total",
			Help: "Verification transitions by action and outcome",
		}, []string{"action", "outcome"}),
		TransitionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gigverify_transition_duration_seconds",
			Help:    "Duration of verification transitions including the ledger append",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"action"}),
		ConflictRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "gigverify_transition_conflict_retries_total",
			Help: "Transitions re-run after a concurrent entity write",
		}),
		Compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gigverify_compensations_total",
			Help: "Entity writes restored after a failed ledger append, by result",
		}, []string{"result"}),
		PendingByTier: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gigverify_pending_entities",
			Help: "Pending entities by SLA urgency tier",
		}, []string{"tier"}),
		LedgerRetained: f.NewGauge(prometheus.GaugeOpts{
			Name: "gigverify_ledger_retained_entries",
			Help: "Audit ledger entries currently retained",
		}),
		LedgerDropped: f.NewGauge(prometheus.GaugeOpts{
			Name: "gigverify_ledger_dropped_entries",
			Help: "Audit ledger entries dropped by the retention bound",
		}),
	}
}

// ObserveTransition records one transition attempt. Call with time.Now() taken
// at the start of the operation.
func (m *Metrics) ObserveTransition(action, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action, outcome).Inc()
	m.TransitionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetries.Inc()
}

// IncCompensation records a restore attempt; ok is false when the restore itself failed.
func (m *Metrics) IncCompensation(ok bool) {
	if m == nil {
		return
	}
	result := "restored"
	if !ok {
		result = "failed"
	}
	m.Compensations.WithLabelValues(result).Inc()
}

// SetPending replaces the per-tier queue gauges.
func (m *Metrics) SetPending(byTier map[string]int) {
	if m == nil {
		return
	}
	m.PendingByTier.Reset()
	for tier, n := range byTier {
		m.PendingByTier.WithLabelValues(tier).Set(float64(n))
	}
}

func (m *Metrics) SetRetention(retained int, dropped int64) {
	if m == nil {
		return
	}
	m.LedgerRetained.Set(float64(retained))
	m.LedgerDropped.Set(float64(dropped))
}
