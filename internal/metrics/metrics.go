package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus metrics of one proxy process. All methods are
// safe to call on a nil *Collector, which records nothing.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	admissionRejected *prometheus.CounterVec
	authLookups       *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	usageEmitted      *prometheus.CounterVec
	usageFlushes      *prometheus.CounterVec
	usageFlushedItems prometheus.Counter
	requestDuration   *prometheus.HistogramVec
}

// NewCollector registers all metrics under namespace "openclaw" and the given
// subsystem ("browser_proxy" or "token_proxy"). A nil registry gets a fresh one.
func NewCollector(subsystem string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openclaw",
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Live relay sessions held in the session registry.",
		}),
		admissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openclaw",
			Subsystem: subsystem,
			Name:      "admission_rejected_total",
			Help:      "Requests rejected before relay, by reason.",
		}, []string{"reason"}),
		authLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openclaw",
			Subsystem: subsystem,
			Name:      "auth_lookups_total",
			Help:      "Credential lookups by result (cache_hit, store_match, no_match).",
		}, []string{"result"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openclaw",
			Subsystem: subsystem,
			Name:      "upstream_errors_total",
			Help:      "Upstream connect or transport failures, by phase.",
		}, []string{"phase"}),
		usageEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openclaw",
			Subsystem: subsystem,
			Name:      "usage_events_emitted_total",
			Help:      "Usage events appended to the metering stream, by result.",
		}, []string{"result"}),
		usageFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openclaw",
			Subsystem: subsystem,
			Name:      "usage_flushes_total",
			Help:      "Metering flush transactions, by result.",
		}, []string{"result"}),
		usageFlushedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openclaw",
			Subsystem: subsystem,
			Name:      "usage_events_flushed_total",
			Help:      "Usage events committed and acknowledged.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "openclaw",
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Duration of proxied requests and tunnel sessions.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300, 600},
		}, []string{"route"}),
	}

	registry.MustRegister(
		c.sessionsActive,
		c.admissionRejected,
		c.authLookups,
		c.upstreamErrors,
		c.usageEmitted,
		c.usageFlushes,
		c.usageFlushedItems,
		c.requestDuration,
	)

	return c
}

// Handler exposes the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SetSessionsActive(n int) {
	if c == nil {
		return
	}
	c.sessionsActive.Set(float64(n))
}

func (c *Collector) AdmissionRejected(reason string) {
	if c == nil {
		return
	}
	c.admissionRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) AuthLookup(result string) {
	if c == nil {
		return
	}
	c.authLookups.WithLabelValues(result).Inc()
}

func (c *Collector) UpstreamError(phase string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(phase).Inc()
}

func (c *Collector) UsageEmitted(ok bool) {
	if c == nil {
		return
	}
	c.usageEmitted.WithLabelValues(resultLabel(ok)).Inc()
}

func (c *Collector) UsageFlushed(ok bool, events int) {
	if c == nil {
		return
	}
	c.usageFlushes.WithLabelValues(resultLabel(ok)).Inc()
	if ok {
		c.usageFlushedItems.Add(float64(events))
	}
}

func (c *Collector) ObserveDuration(route string, seconds float64) {
	if c == nil {
		return
	}
	c.requestDuration.WithLabelValues(route).Observe(seconds)
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
