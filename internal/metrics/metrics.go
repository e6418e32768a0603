// Package metrics exports simulation and control-plane telemetry to
// Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vk/lockstep/internal/manager"
)

// Collector implements the loop observer, the manager notifier and the
// control-plane observer.
type Collector struct {
	registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	steps        *prometheus.CounterVec
	stepWait     *prometheus.HistogramVec
	simTime      prometheus.Gauge
	running      prometheus.Gauge
	engineTime   *prometheus.GaugeVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewCollector registers every metric under namespace on a fresh registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "lockstep"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.ticks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loop",
		Name:      "ticks_total",
		Help:      "Ticks run, by result.",
	}, []string{"result"})
	c.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "loop",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one tick including device exchange.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	})
	c.steps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "steps_total",
		Help:      "Engine steps waited for, by engine and result.",
	}, []string{"engine", "result"})
	c.stepWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "step_wait_seconds",
		Help:      "Time the loop waited for an engine to finish its step.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"engine"})
	c.simTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "simulation",
		Name:      "time_seconds",
		Help:      "Simulated time of the installed simulation.",
	})
	c.running = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "simulation",
		Name:      "running",
		Help:      "1 while a simulation run is in progress.",
	})
	c.engineTime = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "time_seconds",
		Help:      "Engine time reported by the last completed step.",
	}, []string{"engine"})
	c.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "controlplane",
		Name:      "requests_total",
		Help:      "Control-plane requests handled, by command and result.",
	}, []string{"command", "result"})
	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "controlplane",
		Name:      "request_duration_seconds",
		Help:      "Time spent handling a control-plane request.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	c.registry.MustRegister(
		c.ticks, c.tickDuration, c.steps, c.stepWait,
		c.simTime, c.running, c.engineTime,
		c.requests, c.requestDuration,
	)
	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) EngineStepped(engine string, wait time.Duration, err error) {
	c.steps.WithLabelValues(engine, result(err)).Inc()
	c.stepWait.WithLabelValues(engine).Observe(wait.Seconds())
}

func (c *Collector) TickCompleted(d time.Duration, err error) {
	c.ticks.WithLabelValues(result(err)).Inc()
	c.tickDuration.Observe(d.Seconds())
}

// Publish records a manager status snapshot.
func (c *Collector) Publish(_ context.Context, s manager.Status) {
	c.simTime.Set(s.SimTime.Seconds())
	if s.State == manager.StateRunning {
		c.running.Set(1)
	} else {
		c.running.Set(0)
	}
	if s.State == manager.StateEmpty {
		c.engineTime.Reset()
	}
	for _, e := range s.Engines {
		c.engineTime.WithLabelValues(e.Name).Set(e.EngineTime.Seconds())
	}
}

// RequestHandled records one control-plane request.
func (c *Collector) RequestHandled(command string, d time.Duration, err error) {
	c.requests.WithLabelValues(command, result(err)).Inc()
	c.requestDuration.WithLabelValues(command).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
