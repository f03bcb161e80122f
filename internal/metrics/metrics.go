// Package metrics exposes the Prometheus collectors the decision engine
// registers for draw outcomes, stage latency, lock contention and quota
// rejections.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DrawMetrics is the lazily-initialised registry used by the orchestrator.
type DrawMetrics struct {
	draws        *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	lockWaits    *prometheus.HistogramVec
	lockTimeouts *prometheus.CounterVec
	quotaRejects *prometheus.CounterVec
	stockRaces   *prometheus.CounterVec
}

var (
	drawMetricsOnce sync.Once
	drawRegistry    *DrawMetrics
)

// Draws returns the process-wide draw metrics registry, registering its
// collectors with the default Prometheus registerer on first use.
func Draws() *DrawMetrics {
	drawMetricsOnce.Do(func() {
		drawRegistry = &DrawMetrics{
			draws: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ulde",
				Subsystem: "draw",
				Name:      "outcomes_total",
				Help:      "Total draws segmented by campaign and outcome kind.",
			}, []string{"campaign_id", "outcome"}),
			stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ulde",
				Subsystem: "draw",
				Name:      "stage_duration_seconds",
				Help:      "Latency distribution for individual orchestrator stages.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"stage"}),
			lockWaits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ulde",
				Subsystem: "draw",
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting to acquire the per-user-campaign lock.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"campaign_id"}),
			lockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ulde",
				Subsystem: "draw",
				Name:      "lock_timeouts_total",
				Help:      "Count of draws rejected because the per-user-campaign lock was not acquired in time.",
			}, []string{"campaign_id"}),
			quotaRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ulde",
				Subsystem: "draw",
				Name:      "quota_rejections_total",
				Help:      "Count of draws rejected by quota checks, segmented by quota dimension.",
			}, []string{"campaign_id", "dimension"}),
			stockRaces: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ulde",
				Subsystem: "draw",
				Name:      "stock_race_retries_total",
				Help:      "Count of draws that fell back to a secondary tier after a stock-depletion race.",
			}, []string{"campaign_id"}),
		}
		prometheus.MustRegister(
			drawRegistry.draws,
			drawRegistry.stageLatency,
			drawRegistry.lockWaits,
			drawRegistry.lockTimeouts,
			drawRegistry.quotaRejects,
			drawRegistry.stockRaces,
		)
	})
	return drawRegistry
}

// ObserveOutcome records the terminal outcome of a draw attempt.
func (m *DrawMetrics) ObserveOutcome(campaignID, outcome string) {
	if m == nil {
		return
	}
	m.draws.WithLabelValues(orUnknown(campaignID), orUnknown(outcome)).Inc()
}

// ObserveStage records how long a named orchestrator stage took.
func (m *DrawMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(orUnknown(stage)).Observe(d.Seconds())
}

// ObserveLockWait records how long a draw waited to acquire its per-user-campaign lock.
func (m *DrawMetrics) ObserveLockWait(campaignID string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWaits.WithLabelValues(orUnknown(campaignID)).Observe(d.Seconds())
}

// RecordLockTimeout increments the lock-timeout counter for campaignID.
func (m *DrawMetrics) RecordLockTimeout(campaignID string) {
	if m == nil {
		return
	}
	m.lockTimeouts.WithLabelValues(orUnknown(campaignID)).Inc()
}

// RecordQuotaRejection increments the quota-rejection counter for the given dimension.
func (m *DrawMetrics) RecordQuotaRejection(campaignID, dimension string) {
	if m == nil {
		return
	}
	m.quotaRejects.WithLabelValues(orUnknown(campaignID), orUnknown(dimension)).Inc()
}

// RecordStockRace increments the stock-race-retry counter for campaignID.
func (m *DrawMetrics) RecordStockRace(campaignID string) {
	if m == nil {
		return
	}
	m.stockRaces.WithLabelValues(orUnknown(campaignID)).Inc()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
