// Package observability exposes prometheus instrumentation for the matching
// layer.
package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records the activity of the matching engine: user
// operations, matching loop effort and registry population.
type EngineMetrics struct {
	operations         *prometheus.CounterVec
	operationErrors    *prometheus.CounterVec
	matchingIterations *prometheus.HistogramVec
	matchedVolume      *prometheus.CounterVec
	indexUpdates       *prometheus.CounterVec
	registrySize       *prometheus.GaugeVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "morpho",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "User operations segmented by market, operation and outcome.",
			}, []string{"market", "operation", "outcome"}),
			operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "morpho",
				Subsystem: "engine",
				Name:      "operation_errors_total",
				Help:      "Failed user operations segmented by market, operation and reason.",
			}, []string{"market", "operation", "reason"}),
			matchingIterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "morpho",
				Subsystem: "engine",
				Name:      "matching_iterations",
				Help:      "Iterations consumed per matching or unmatching pass.",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
			}, []string{"market", "direction"}),
			matchedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "morpho",
				Subsystem: "engine",
				Name:      "matched_volume_wei_total",
				Help:      "Underlying volume moved between pool and peer-to-peer books.",
			}, []string{"market", "direction"}),
			indexUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "morpho",
				Subsystem: "engine",
				Name:      "index_updates_total",
				Help:      "Peer-to-peer index refreshes per market.",
			}, []string{"market"}),
			registrySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "morpho",
				Subsystem: "engine",
				Name:      "registry_accounts",
				Help:      "Accounts tracked per market ranking structure.",
			}, []string{"market", "side"}),
		}
		prometheus.MustRegister(
			engineRegistry.operations,
			engineRegistry.operationErrors,
			engineRegistry.matchingIterations,
			engineRegistry.matchedVolume,
			engineRegistry.indexUpdates,
			engineRegistry.registrySize,
		)
	})
	return engineRegistry
}

// ObserveOperation records a completed user operation.
func (m *EngineMetrics) ObserveOperation(marketLabel, operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		reason := strings.SplitN(err.Error(), ":", 2)[0]
		m.operationErrors.WithLabelValues(marketLabel, operation, reason).Inc()
	}
	m.operations.WithLabelValues(marketLabel, operation, outcome).Inc()
}

// ObserveMatching records one matching or unmatching pass.
func (m *EngineMetrics) ObserveMatching(marketLabel, direction string, iterations uint64, volumeWei float64) {
	if m == nil {
		return
	}
	m.matchingIterations.WithLabelValues(marketLabel, direction).Observe(float64(iterations))
	if volumeWei > 0 {
		m.matchedVolume.WithLabelValues(marketLabel, direction).Add(volumeWei)
	}
}

// ObserveIndexUpdate counts a peer-to-peer index refresh.
func (m *EngineMetrics) ObserveIndexUpdate(marketLabel string) {
	if m == nil {
		return
	}
	m.indexUpdates.WithLabelValues(marketLabel).Inc()
}

// SetRegistrySize reports the population of one market-side registry.
func (m *EngineMetrics) SetRegistrySize(marketLabel, side string, size int) {
	if m == nil {
		return
	}
	m.registrySize.WithLabelValues(marketLabel, side).Set(float64(size))
}
