package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	procedureEvents *prometheus.CounterVec
	claims          *prometheus.CounterVec
	reschedules     *prometheus.CounterVec
	signatures      *prometheus.CounterVec
	assessments     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		procedureEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcare",
			Name:      "procedure_events_total",
			Help:      "Procedure lifecycle events by type.",
		}, []string{"event"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcare",
			Name:      "procedure_claims_total",
			Help:      "Claim attempts by result.",
		}, []string{"result"}),
		reschedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcare",
			Name:      "activity_reschedules_total",
			Help:      "Reschedule attempts by result.",
		}, []string{"result"}),
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcare",
			Name:      "activity_signatures_total",
			Help:      "Signature attempts by result.",
		}, []string{"result"}),
		assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcare",
			Name:      "nursing_assessments_total",
			Help:      "Recorded nursing assessments by scale and high-risk flag.",
		}, []string{"scale", "high_risk"}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.procedureEvents, m.claims, m.reschedules, m.signatures, m.assessments,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request count, latency and in-flight requests keyed by
// the matched route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := []string{c.Request().Method, route, strconv.Itoa(status)}
			m.httpRequestsTotal.WithLabelValues(labels...).Inc()
			m.httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) ProcedureEvent(event string) {
	if m == nil {
		return
	}
	m.procedureEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Claim(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

func (m *Metrics) Reschedule(result string) {
	if m == nil {
		return
	}
	m.reschedules.WithLabelValues(result).Inc()
}

func (m *Metrics) Signature(result string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(result).Inc()
}

func (m *Metrics) Assessment(scale string, highRisk bool) {
	if m == nil {
		return
	}
	m.assessments.WithLabelValues(scale, strconv.FormatBool(highRisk)).Inc()
}
