// Package observability provides Prometheus metrics for the screener.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "screener"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Rate governor
	GovernorWaits    *prometheus.CounterVec
	GovernorWaitTime *prometheus.HistogramVec

	// Remote calls
	Retries       *prometheus.CounterVec
	BreakerTrips  *prometheus.CounterVec
	RaceWins      *prometheus.CounterVec
	FallbackWins  prometheus.Counter
	SourceLatency *prometheus.HistogramVec

	// Pipeline
	RunsTotal     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StageItems    *prometheus.GaugeVec
	Skips         *prometheus.CounterVec
	Persisted     prometheus.Gauge
	LastSuccess   prometheus.Gauge

	// Read cache
	CacheLoads *prometheus.CounterVec
	CacheSize  prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		GovernorWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "waits_total",
			Help:      "Number of times a caller was suspended until the window reset",
		}, []string{"source"}),
		GovernorWaitTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a rate limit window",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60},
		}, []string{"source"}),

		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "retries_total",
			Help:      "Retried remote calls by source and failure kind",
		}, []string{"source", "kind"}),
		BreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "breaker_transitions_total",
			Help:      "Source breaker state transitions",
		}, []string{"source", "to"}),
		RaceWins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "race_wins_total",
			Help:      "Fallback races won per source",
		}, []string{"source"}),
		FallbackWins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fallback_success_total",
			Help:      "Records analysed on a source other than the asset's primary one",
		}),
		SourceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "call_seconds",
			Help:      "Remote call latency by source and operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source", "op"}),

		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal status",
		}, []string{"status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration",
			Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage"}),
		StageItems: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_items",
			Help:      "Items surviving each stage in the latest run",
		}, []string{"stage"}),
		Skips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "skipped_total",
			Help:      "Skipped assets by reason",
		}, []string{"reason"}),
		Persisted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "persisted_records",
			Help:      "Records persisted by the latest run",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "last_success_timestamp",
			Help:      "Unix timestamp of the latest completed run",
		}),

		CacheLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "loads_total",
			Help:      "Cache refresh attempts by result",
		}, []string{"result"}),
		CacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "records",
			Help:      "Records in the current cache snapshot",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordGovernorWait records one suspended Acquire.
func (m *Metrics) RecordGovernorWait(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.GovernorWaits.WithLabelValues(source).Inc()
	m.GovernorWaitTime.WithLabelValues(source).Observe(d.Seconds())
}

// RecordRetry records a retried remote call.
func (m *Metrics) RecordRetry(source, kind string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(source, kind).Inc()
}

// RecordBreaker records a source breaker transition.
func (m *Metrics) RecordBreaker(source, to string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(source, to).Inc()
}

// RecordRaceWin records the winner of a maturity race.
func (m *Metrics) RecordRaceWin(source string) {
	if m == nil {
		return
	}
	m.RaceWins.WithLabelValues(source).Inc()
}

// RecordFallback counts n records served by a fallback source.
func (m *Metrics) RecordFallback(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FallbackWins.Add(float64(n))
}

// RecordSourceCall records the latency of one remote call.
func (m *Metrics) RecordSourceCall(source, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.SourceLatency.WithLabelValues(source, op).Observe(d.Seconds())
}

// RecordStage records the duration and survivor count of a stage.
func (m *Metrics) RecordStage(stage string, d time.Duration, survivors int) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	m.StageItems.WithLabelValues(stage).Set(float64(survivors))
}

// RecordSkips adds a run's skip counts.
func (m *Metrics) RecordSkips(counts map[string]int) {
	if m == nil {
		return
	}
	for reason, n := range counts {
		m.Skips.WithLabelValues(reason).Add(float64(n))
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, persisted int, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.Persisted.Set(float64(persisted))
	if status == "complete" {
		m.LastSuccess.Set(float64(finishedAt.Unix()))
	}
}

// RecordCacheLoad records one cache refresh attempt.
func (m *Metrics) RecordCacheLoad(ok bool, records int) {
	if m == nil {
		return
	}
	if !ok {
		m.CacheLoads.WithLabelValues("failure").Inc()
		return
	}
	m.CacheLoads.WithLabelValues("success").Inc()
	m.CacheSize.Set(float64(records))
}
