// Package metrics exports container lifecycle and fire statistics to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/riskrules/config"
	"github.com/liamcoop/riskrules/rules"
)

// Collector implements engine.Observer.
//
// Metrics:
//   - <ns>_<sub>_deploys_total: build outcomes by fact type
//   - <ns>_<sub>_build_duration_seconds: time spent building or rebuilding
//   - <ns>_<sub>_fires_total: fire outcomes by fact type
//   - <ns>_<sub>_fire_duration_seconds: fire latency
//   - <ns>_<sub>_hits_total: hits emitted by fact type
//   - <ns>_<sub>_live_version: container version currently serving fires
type Collector struct {
	registry *prometheus.Registry

	deploysTotal  *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	firesTotal    *prometheus.CounterVec
	fireDuration  *prometheus.HistogramVec
	hitsTotal     *prometheus.CounterVec
	liveVersion   *prometheus.GaugeVec
}

// NewCollector creates and registers every collector. A nil registry gets a
// fresh one.
func NewCollector(cfg config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		deploysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "deploys_total",
				Help:      "Container builds by fact type and outcome",
			},
			[]string{"fact_type", "outcome"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "build_duration_seconds",
				Help:      "Duration of container builds in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"fact_type"},
		),
		firesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "fires_total",
				Help:      "Fire calls by fact type and outcome",
			},
			[]string{"fact_type", "outcome"},
		),
		fireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "fire_duration_seconds",
				Help:      "Duration of fire calls in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to 2.6s
			},
			[]string{"fact_type"},
		),
		hitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "hits_total",
				Help:      "Rule output hits emitted by fact type",
			},
			[]string{"fact_type"},
		),
		liveVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "live_version",
				Help:      "Container version currently serving fire calls",
			},
			[]string{"fact_type"},
		),
	}

	registry.MustRegister(
		c.deploysTotal,
		c.buildDuration,
		c.firesTotal,
		c.fireDuration,
		c.hitsTotal,
		c.liveVersion,
	)
	return c
}

// Registry returns the registry the collectors live on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// BuildFinished records one deploy, rollback or recovery
func (c *Collector) BuildFinished(factType rules.FactType, outcome string, elapsed time.Duration) {
	ft := string(factType)
	c.deploysTotal.WithLabelValues(ft, outcome).Inc()
	c.buildDuration.WithLabelValues(ft).Observe(elapsed.Seconds())
}

// Fired records one fire call
func (c *Collector) Fired(factType rules.FactType, outcome string, hits int, elapsed time.Duration) {
	ft := string(factType)
	c.firesTotal.WithLabelValues(ft, outcome).Inc()
	c.fireDuration.WithLabelValues(ft).Observe(elapsed.Seconds())
	if hits > 0 {
		c.hitsTotal.WithLabelValues(ft).Add(float64(hits))
	}
}

// LiveVersion records a live-pointer swap
func (c *Collector) LiveVersion(factType rules.FactType, version int) {
	c.liveVersion.WithLabelValues(string(factType)).Set(float64(version))
}
