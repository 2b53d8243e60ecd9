// Package metrics provides Prometheus metrics for assembly executions.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/core/executor"
)

const namespace = "assembly"

// Collector holds the engine's Prometheus metrics. It implements
// executor.Recorder.
type Collector struct {
	// Fetch metrics
	FetchesTotal  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	FetchKeys     *prometheus.HistogramVec

	// Mapping metrics
	MappingErrors *prometheus.CounterVec

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionTargets  *prometheus.HistogramVec

	// Breaker metrics
	BreakerState *prometheus.GaugeVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Total number of container fetches",
			},
			[]string{"namespace", "status"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Container fetch duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"namespace"},
		),
		FetchKeys: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_keys",
				Help:      "Number of keys per container fetch",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"namespace"},
		),
		MappingErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mapping_errors_total",
				Help:      "Total number of skipped or escalated mappings",
			},
			[]string{"type", "kind"},
		),
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of executions",
			},
			[]string{"type", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Execution duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"type"},
		),
		ExecutionTargets: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_targets",
				Help:      "Number of top-level targets per execution",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"type"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per container (0 closed, 1 half-open, 2 open)",
			},
			[]string{"namespace"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// ObserveFetch implements executor.Recorder.
func (c *Collector) ObserveFetch(ns string, keys int, d time.Duration, err error) {
	c.FetchesTotal.WithLabelValues(ns, status(err)).Inc()
	c.FetchDuration.WithLabelValues(ns).Observe(d.Seconds())
	c.FetchKeys.WithLabelValues(ns).Observe(float64(keys))
}

// ObserveMappingError implements executor.Recorder.
func (c *Collector) ObserveMappingError(typeName, kind string) {
	c.MappingErrors.WithLabelValues(typeName, kind).Inc()
}

// ObserveExecution implements executor.Recorder.
func (c *Collector) ObserveExecution(typeName string, targets int, d time.Duration, err error) {
	c.ExecutionsTotal.WithLabelValues(typeName, status(err)).Inc()
	c.ExecutionDuration.WithLabelValues(typeName).Observe(d.Seconds())
	c.ExecutionTargets.WithLabelValues(typeName).Observe(float64(targets))
}

// SetBreakerState records a breaker transition. state follows gobreaker's
// numbering.
func (c *Collector) SetBreakerState(ns string, state int) {
	c.BreakerState.WithLabelValues(ns).Set(float64(state))
}

// ObserveReload records a config reload attempt.
func (c *Collector) ObserveReload(at time.Time, err error) {
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.Set(float64(at.Unix()))
}

// status labels an outcome with the engine error kind when there is one.
func status(err error) string {
	if err == nil {
		return "ok"
	}
	if kind, ok := assemblyerr.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}

// WriteText writes every family gathered from g in the Prometheus text
// format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, f := range families {
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}

var _ executor.Recorder = (*Collector)(nil)
