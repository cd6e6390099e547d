// Package telemetry provides Prometheus collectors and tracing for the SDK.
//
// Collectors live in a private registry so embedding applications can choose
// whether to expose them. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the SDK collectors.
type Metrics struct {
	Registry *prometheus.Registry

	Evaluations      *prometheus.CounterVec
	CacheReloads     *prometheus.CounterVec
	CacheEntities    *prometheus.GaugeVec
	ConfigFetches    *prometheus.CounterVec
	SocketReconnects prometheus.Counter
	MeteringBatches  *prometheus.CounterVec
	MeteringPending  prometheus.Gauge
}

// New creates and registers all collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,

		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appconfig_evaluations_total",
			Help: "Total number of feature and property evaluations.",
		}, []string{"kind", "result"}),

		CacheReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appconfig_cache_reloads_total",
			Help: "Total number of cache reloads by source.",
		}, []string{"source"}),

		CacheEntities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "appconfig_cache_entities",
			Help: "Number of cached entities per category.",
		}, []string{"category"}),

		ConfigFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appconfig_config_fetch_total",
			Help: "Configuration fetch attempts by outcome.",
		}, []string{"outcome"}),

		SocketReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appconfig_socket_reconnects_total",
			Help: "Push channel reconnect attempts.",
		}),

		MeteringBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appconfig_metering_batches_total",
			Help: "Usage batches sent by outcome.",
		}, []string{"outcome"}),

		MeteringPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appconfig_metering_pending",
			Help: "Usage entries waiting for the next flush.",
		}),
	}

	reg.MustRegister(
		m.Evaluations,
		m.CacheReloads,
		m.CacheEntities,
		m.ConfigFetches,
		m.SocketReconnects,
		m.MeteringBatches,
		m.MeteringPending,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveEvaluation counts one evaluation. kind is "feature" or "property";
// matched reports whether a segment rule decided the value.
func (m *Metrics) ObserveEvaluation(kind string, matched bool) {
	if m == nil {
		return
	}
	result := "default"
	if matched {
		result = "segment"
	}
	m.Evaluations.WithLabelValues(kind, result).Inc()
}

// ObserveReload counts one cache reload and records the category sizes.
func (m *Metrics) ObserveReload(source string, features, properties, segments int) {
	if m == nil {
		return
	}
	m.CacheReloads.WithLabelValues(source).Inc()
	m.CacheEntities.WithLabelValues("features").Set(float64(features))
	m.CacheEntities.WithLabelValues("properties").Set(float64(properties))
	m.CacheEntities.WithLabelValues("segments").Set(float64(segments))
}

// ObserveFetch counts one configuration fetch; outcome is "success",
// "retryable" or "permanent".
func (m *Metrics) ObserveFetch(outcome string) {
	if m == nil {
		return
	}
	m.ConfigFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSocketReconnect() {
	if m == nil {
		return
	}
	m.SocketReconnects.Inc()
}

// ObserveBatch counts one usage batch; outcome is "sent" or "dropped".
func (m *Metrics) ObserveBatch(outcome string) {
	if m == nil {
		return
	}
	m.MeteringBatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetMeteringPending(n int) {
	if m == nil {
		return
	}
	m.MeteringPending.Set(float64(n))
}
