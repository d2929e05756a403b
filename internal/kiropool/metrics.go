package kiropool

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus collectors exported at /metrics (C12). They
// are updated from the same call sites that already report outcomes to
// the pool, so Metrics never walks entries on its own — callers pass the
// id/auth-method/disabled-reason alongside each report.
type Metrics struct {
	acquireTotal     *prometheus.CounterVec
	successTotal     *prometheus.CounterVec
	failureTotal     *prometheus.CounterVec
	refreshTotal     *prometheus.CounterVec
	disabledGauge    *prometheus.GaugeVec
	activeCredential prometheus.Gauge
	balanceFetch     *prometheus.CounterVec
}

// NewMetrics registers the pool's collectors against reg. Pass
// prometheus.DefaultRegisterer unless the caller wants an isolated
// registry (e.g. in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		acquireTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiropool_acquire_total",
			Help: "Total acquire_context calls, by outcome.",
		}, []string{"outcome"}),
		successTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiropool_report_success_total",
			Help: "Total successful upstream calls reported, by credential id.",
		}, []string{"credential_id"}),
		failureTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiropool_report_failure_total",
			Help: "Total failed upstream calls reported, by credential id.",
		}, []string{"credential_id"}),
		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiropool_refresh_total",
			Help: "Total token refresh attempts, by auth method and outcome.",
		}, []string{"auth_method", "outcome"}),
		disabledGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kiropool_credential_disabled",
			Help: "1 if the credential is currently disabled, by id and reason.",
		}, []string{"credential_id", "reason"}),
		activeCredential: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kiropool_active_credential_count",
			Help: "Number of non-disabled credentials in the pool.",
		}),
		balanceFetch: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiropool_balance_fetch_total",
			Help: "Total getUsageLimits calls, by cache outcome (hit/miss/coalesced).",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeAcquire(outcome string) {
	if m == nil {
		return
	}
	m.acquireTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRefresh(authMethod, outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(authMethod, outcome).Inc()
}

// observeSuccess increments the per-credential success counter.
func (m *Metrics) observeSuccess(credentialID int64) {
	if m == nil {
		return
	}
	m.successTotal.WithLabelValues(strconv.FormatInt(credentialID, 10)).Inc()
}

// observeFailure increments the per-credential failure counter.
func (m *Metrics) observeFailure(credentialID int64) {
	if m == nil {
		return
	}
	m.failureTotal.WithLabelValues(strconv.FormatInt(credentialID, 10)).Inc()
}

// ObserveBalanceFetch records one getUsageLimits call outcome
// (hit/miss/coalesced/error), called from kiropooladmin's cache layer.
func (m *Metrics) ObserveBalanceFetch(outcome string) {
	if m == nil {
		return
	}
	m.balanceFetch.WithLabelValues(outcome).Inc()
}

// Refresh recomputes the disabled/active-count gauges from a current
// snapshot. Cheap enough to call after every mutating pool operation.
func (m *Metrics) Refresh(entries []*Credential) {
	if m == nil {
		return
	}
	active := 0
	for _, e := range entries {
		idLabel := strconv.FormatInt(e.ID, 10)
		reason := e.DisabledReason
		if e.Disabled {
			m.disabledGauge.WithLabelValues(idLabel, reason).Set(1)
		} else {
			active++
			m.disabledGauge.WithLabelValues(idLabel, "").Set(0)
		}
	}
	m.activeCredential.Set(float64(active))
}
