// Package metrics bundles the Prometheus metrics the router's
// observability hook exposes: one record per state transition, counted
// and timed by transfer pattern.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the router's Prometheus metrics and provides a
// ready-to-mount /metrics handler.
type Collector struct {
	gatherer prometheus.Gatherer

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	BytesTransferred *prometheus.CounterVec
	ChunksTotal      *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
	ActiveStreams  prometheus.Gauge
}

// NewCollector registers the router's metrics against reg, defaulting to
// the global Prometheus registry when reg is nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_requests_total",
		Help: "Total number of dataset requests, labeled by pattern and outcome.",
	}, []string{"pattern", "outcome"}), "router_requests_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "router_request_duration_seconds",
		Help:    "End-to-end dataset request latency in seconds, labeled by pattern.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"pattern"}), "router_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	bytes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_bytes_transferred_total",
		Help: "Total dataset bytes relayed, labeled by pattern.",
	}, []string{"pattern"}), "router_bytes_transferred_total")
	if err != nil {
		return nil, err
	}

	chunks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_chunks_total",
		Help: "Total Pattern B chunk records processed, labeled by outcome.",
	}, []string{"outcome"}), "router_chunks_total")
	if err != nil {
		return nil, err
	}

	activeSessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_active_connector_sessions",
		Help: "Current number of live Connector push-channel sessions.",
	}), "router_active_connector_sessions")
	if err != nil {
		return nil, err
	}

	activeStreams, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_active_stream_requests",
		Help: "Current number of in-flight Pattern B requests.",
	}), "router_active_stream_requests")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		RequestsTotal:    requests,
		RequestDuration:  duration,
		BytesTransferred: bytes,
		ChunksTotal:      chunks,
		ActiveSessions:   activeSessions,
		ActiveStreams:    activeStreams,
	}, nil
}

// registerCounterVec registers vec, returning the already-registered
// CounterVec of the same name instead when one exists, so tests may
// construct multiple Collectors against the default registry without
// orphaning metric objects that nothing ever scrapes.
func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

// registerHistogramVec is registerCounterVec for HistogramVec.
func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

// registerGauge is registerCounterVec for a plain Gauge.
func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

// Handler returns the HTTP handler for GET /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
