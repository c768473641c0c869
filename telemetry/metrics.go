package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stageflow/channel"
)

// Metrics exports scheduler events and channel occupancy as Prometheus
// metrics on a private registry.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	Violations      *prometheus.CounterVec
	ViolationExcess *prometheus.HistogramVec
	Failures        *prometheus.CounterVec
	LongRuns        *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry:  reg,
		namespace: namespace,
		Violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "latency_violations_total",
				Help:      "Stage invocations that did work and exceeded their latency budget",
			},
			[]string{"scheduler", "stage"},
		),
		ViolationExcess: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "latency_violation_excess_seconds",
				Help:      "Time by which a violating invocation exceeded its budget",
				Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
			},
			[]string{"scheduler", "stage"},
		),
		Failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Stage Run errors and recovered panics",
			},
			[]string{"scheduler", "stage", "in_write"},
		),
		LongRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_long_runs_total",
				Help:      "Stages observed inside Run beyond the long-run threshold",
			},
			[]string{"scheduler", "stage"},
		),
	}
}

// Registry returns the registry to serve, e.g. with promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) LatencyViolation(v Violation) {
	m.Violations.WithLabelValues(v.Scheduler, v.Stage).Inc()
	m.ViolationExcess.WithLabelValues(v.Scheduler, v.Stage).Observe((v.Duration - v.Budget).Seconds())
}

func (m *Metrics) StageFailure(f Failure) {
	m.Failures.WithLabelValues(f.Scheduler, f.Stage, strconv.FormatBool(f.InWrite)).Inc()
}

func (m *Metrics) LongRunning(l LongRun) {
	m.LongRuns.WithLabelValues(l.Scheduler, l.Stage).Inc()
}

// WatchChannel exports the occupancy and message counters of c. The values
// are read with atomic loads at scrape time.
func (m *Metrics) WatchChannel(c *channel.Channel) error {
	labels := prometheus.Labels{"channel": c.Name(), "id": strconv.Itoa(c.ID())}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   m.namespace,
			Name:        "channel_slots_used",
			Help:        "Committed structured slots not yet released",
			ConstLabels: labels,
		}, func() float64 { return float64(c.ContentRemaining()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   m.namespace,
			Name:        "channel_bytes_used",
			Help:        "Committed payload bytes not yet released",
			ConstLabels: labels,
		}, func() float64 { return float64(c.ByteHead() - c.ByteTail()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   m.namespace,
			Name:        "channel_published_total",
			Help:        "Messages published",
			ConstLabels: labels,
		}, func() float64 { return float64(c.Published()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   m.namespace,
			Name:        "channel_released_total",
			Help:        "Messages released by the reader",
			ConstLabels: labels,
		}, func() float64 { return float64(c.Released()) }),
	}
	for _, col := range collectors {
		if err := m.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}
