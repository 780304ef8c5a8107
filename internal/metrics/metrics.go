package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks gateway metrics on its own Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	notFound         prometheus.Counter

	upstreamErrors    *prometheus.CounterVec
	upstreamDurations *prometheus.HistogramVec

	retryTotal          *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec

	reloadsTotal *prometheus.CounterVec
	routeEntries prometheus.Gauge
	services     prometheus.Gauge
}

// NewCollector creates a collector with the Go runtime and process
// collectors registered alongside the gateway metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of dispatched requests",
		}, []string{"service", "route", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   DefaultBuckets,
		}, []string{"service", "route"}),
		notFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "not_found_total",
			Help:      "Requests that matched no route",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed backend calls by transport failure kind",
		}, []string{"service", "kind"}),
		upstreamDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Backend round trip duration in seconds",
			Buckets:   DefaultBuckets,
		}, []string{"service"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_total",
			Help:      "Total retry attempts",
		}, []string{"scope"}),
		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		}, []string{"breaker"}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by result",
		}, []string{"result"}),
		routeEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_entries",
			Help:      "Entries in the active dispatch table",
		}),
		services: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services",
			Help:      "Services in the active configuration",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDurations,
		c.notFound,
		c.upstreamErrors,
		c.upstreamDurations,
		c.retryTotal,
		c.circuitBreakerState,
		c.reloadsTotal,
		c.routeEntries,
		c.services,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(service, route, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(service, route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(service, route).Observe(duration.Seconds())
}

// RecordNotFound counts a request no route matched.
func (c *Collector) RecordNotFound() {
	c.notFound.Inc()
}

// RecordUpstream records one backend call. kind is empty when the backend
// answered.
func (c *Collector) RecordUpstream(service, kind string, duration time.Duration) {
	c.upstreamDurations.WithLabelValues(service).Observe(duration.Seconds())
	if kind != "" {
		c.upstreamErrors.WithLabelValues(service, kind).Inc()
	}
}

// RecordRetry records a retry attempt
func (c *Collector) RecordRetry(scope string) {
	c.retryTotal.WithLabelValues(scope).Inc()
}

// SetCircuitBreakerState records the state reported by a breaker.
func (c *Collector) SetCircuitBreakerState(breaker, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	c.circuitBreakerState.WithLabelValues(breaker).Set(v)
}

// RecordReload counts a reload attempt.
func (c *Collector) RecordReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.reloadsTotal.WithLabelValues(result).Inc()
}

// SetTableSize records the shape of the active configuration.
func (c *Collector) SetTableSize(services, entries int) {
	c.services.Set(float64(services))
	c.routeEntries.Set(float64(entries))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Snapshot sums every gateway counter and gauge by metric name. Runtime
// collectors are left out.
func (c *Collector) Snapshot() (map[string]float64, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if len(name) <= len(namespace) || name[:len(namespace)+1] != namespace+"_" {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[name] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[name] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[name+"_count"] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}
