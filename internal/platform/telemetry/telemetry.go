// Package telemetry owns the Prometheus registry and the billing metrics.
// Every recording method is safe to call on a nil *Metrics so that packages
// can be constructed without metrics in tests.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  prometheus.Gauge

	// Gateway metrics
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec

	// Ledger metrics
	PaymentsRecordedTotal   *prometheus.CounterVec
	SubscriptionTransitions *prometheus.CounterVec
	WebhookEventsTotal      *prometheus.CounterVec
	SecondaryEffectFailures *prometheus.CounterVec
	PlanCacheRequestsTotal  *prometheus.CounterVec

	// Database metrics
	DBPoolAcquiredConnections prometheus.Gauge
	DBPoolIdleConnections     prometheus.Gauge
}

// NewMetrics creates and registers all metrics on registry. A nil registry
// gets a fresh one that also carries the Go and process collectors.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Requests currently being served",
		}),
		GatewayCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Payment gateway calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		GatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Payment gateway call duration including retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		PaymentsRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_recorded_total",
				Help:      "Payment ledger records appended",
			},
			[]string{"method", "status"},
		),
		SubscriptionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_transitions_total",
				Help:      "Subscription status transitions",
			},
			[]string{"from", "to", "source"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Gateway webhook events by type and result",
			},
			[]string{"type", "result"},
		),
		SecondaryEffectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secondary_effect_failures_total",
				Help:      "Activity records that failed after the primary write succeeded",
			},
			[]string{"entity"},
		),
		PlanCacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_cache_requests_total",
				Help:      "Plan catalog cache lookups",
			},
			[]string{"result"},
		),
		DBPoolAcquiredConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_acquired_connections",
			Help:      "Connections currently acquired from the pool",
		}),
		DBPoolIdleConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_idle_connections",
			Help:      "Idle connections in the pool",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveRequests,
		m.GatewayCallsTotal,
		m.GatewayCallDuration,
		m.PaymentsRecordedTotal,
		m.SubscriptionTransitions,
		m.WebhookEventsTotal,
		m.SecondaryEffectFailures,
		m.PlanCacheRequestsTotal,
		m.DBPoolAcquiredConnections,
		m.DBPoolIdleConnections,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}

// RecordHTTPRequest records one served request. route is the echo route
// pattern so that path parameters do not explode label cardinality.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) RecordGatewayCall(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCallsTotal.WithLabelValues(operation, outcome).Inc()
	m.GatewayCallDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) RecordPayment(method, status string) {
	if m == nil {
		return
	}
	m.PaymentsRecordedTotal.WithLabelValues(method, status).Inc()
}

func (m *Metrics) RecordTransition(from, to, source string) {
	if m == nil {
		return
	}
	m.SubscriptionTransitions.WithLabelValues(from, to, source).Inc()
}

func (m *Metrics) RecordWebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) RecordSecondaryFailure(entity string) {
	if m == nil {
		return
	}
	m.SecondaryEffectFailures.WithLabelValues(entity).Inc()
}

// RecordCacheLookup counts a plan cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PlanCacheRequestsTotal.WithLabelValues(result).Inc()
}

// SetDBPool updates the pool gauges.
func (m *Metrics) SetDBPool(acquired, idle int32) {
	if m == nil {
		return
	}
	m.DBPoolAcquiredConnections.Set(float64(acquired))
	m.DBPoolIdleConnections.Set(float64(idle))
}

// Middleware records request counts and latency per route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil || c.Path() == "/metrics" {
				return next(c)
			}
			m.HTTPActiveRequests.Inc()
			defer m.HTTPActiveRequests.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// Commit the error response so the recorded status is final.
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.RecordHTTPRequest(c.Request().Method, route, c.Response().Status, time.Since(start))
			return err
		}
	}
}
