// Package metrics defines the Prometheus collectors for provider traffic
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the odds client reports to. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ProviderRequests   *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec
	Retries            *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	LimiterWait        prometheus.Histogram
	NormalizationDrops *prometheus.CounterVec
	QuotaRemaining     prometheus.Gauge
	SchedulerPolls     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iris_provider_requests_total",
				Help: "Provider HTTP attempts by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		ProviderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iris_provider_request_duration_seconds",
				Help:    "Provider HTTP attempt latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iris_provider_retries_total",
				Help: "Retries scheduled, by error kind",
			},
			[]string{"kind"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iris_cache_lookups_total",
				Help: "Response cache lookups by operation and result",
			},
			[]string{"operation", "result"},
		),
		LimiterWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "iris_ratelimit_wait_seconds",
				Help:    "Time spent waiting for a rate limit token",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		NormalizationDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iris_normalization_drops_total",
				Help: "Events or offers dropped during normalization, by reason",
			},
			[]string{"reason"},
		),
		QuotaRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "iris_provider_quota_remaining",
				Help: "Requests remaining in the provider billing period",
			},
		),
		SchedulerPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iris_scheduler_polls_total",
				Help: "Scheduled polls by sport, kind and status",
			},
			[]string{"sport", "kind", "status"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ProviderRequests,
			m.ProviderDuration,
			m.Retries,
			m.CacheLookups,
			m.LimiterWait,
			m.NormalizationDrops,
			m.QuotaRemaining,
			m.SchedulerPolls,
		)
	}
	return m
}

func (m *Metrics) ObserveRequest(endpoint, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(endpoint, outcome).Inc()
	m.ProviderDuration.WithLabelValues(endpoint).Observe(took.Seconds())
}

func (m *Metrics) ObserveRetry(kind string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveCache(operation string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) ObserveLimiterWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveDrop(reason string) {
	if m == nil {
		return
	}
	m.NormalizationDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetQuotaRemaining(remaining int) {
	if m == nil {
		return
	}
	m.QuotaRemaining.Set(float64(remaining))
}

func (m *Metrics) ObservePoll(sport, kind, status string) {
	if m == nil {
		return
	}
	m.SchedulerPolls.WithLabelValues(sport, kind, status).Inc()
}
