// Package metrics exposes Prometheus collectors for poll cycles and
// Delivery Tasks.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"plantpal/internal/poller"
)

const namespace = "plantpal"

// Metrics implements delivery.Observer and poller.Observer.
type Metrics struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	cycleTasks    *prometheus.CounterVec
	lastCycle     prometheus.Gauge

	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	sendAttempts     prometheus.Histogram
}

// New builds collectors on a private registry that also carries the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "cycles_total",
			Help:      "Poll cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a poll cycle including its Delivery Tasks.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
		}),
		cycleTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "tasks_total",
			Help:      "Reminders seen by poll cycles, by disposition.",
		}, []string{"disposition"}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last completed poll cycle.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "tasks_total",
			Help:      "Finished Delivery Tasks by terminal state.",
		}, []string{"state"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "task_duration_seconds",
			Help:      "Delivery Task wall time by terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
		}, []string{"state"}),
		sendAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_attempts",
			Help:      "Gateway attempts per Delivery Task.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.cycleTasks, m.lastCycle,
		m.deliveries, m.deliveryDuration, m.sendAttempts,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) DeliveryFinished(state string, sendAttempts int, took time.Duration) {
	m.deliveries.WithLabelValues(state).Inc()
	m.deliveryDuration.WithLabelValues(state).Observe(took.Seconds())
	if sendAttempts > 0 {
		m.sendAttempts.Observe(float64(sendAttempts))
	}
}

func (m *Metrics) CycleFinished(res poller.CycleResult, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, poller.ErrLoopStopped) {
			result = "stopped"
		}
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(res.Took.Seconds())
	m.cycleTasks.WithLabelValues("dispatched").Add(float64(res.Dispatched))
	m.cycleTasks.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	if err == nil {
		m.lastCycle.Set(float64(time.Now().Unix()))
	}
}
