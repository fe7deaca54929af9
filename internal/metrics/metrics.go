// Package metrics exposes service counters to Prometheus.
//
// Families:
//   - cellserve_http_requests_total{method,route,status}, cellserve_http_request_seconds{method,route}
//   - cellserve_ws_connections{path}, cellserve_ws_messages_in_total{path},
//     cellserve_ws_frames_out_total{kind}, cellserve_ws_dropped_total{reason}
//   - cellserve_task_runs_total{task,outcome}, cellserve_task_run_seconds{task},
//     cellserve_tasks_in_flight
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cellserve"

// Collector holds every metric family. It implements ws.Recorder,
// scheduler.Recorder and server.Recorder.
type Collector struct {
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	wsConns    *prometheus.GaugeVec
	wsIn       *prometheus.CounterVec
	wsOut      *prometheus.CounterVec
	wsDropped  *prometheus.CounterVec
	taskRuns   *prometheus.CounterVec
	taskTime   *prometheus.HistogramVec
	taskActive prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector registers the families on a fresh registry, together with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewCollectorWith(reg, reg)
}

// NewCollectorWith registers the families on reg and serves g.
func NewCollectorWith(reg prometheus.Registerer, g prometheus.Gatherer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests served by notebook routes",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_seconds",
			Help:    "HTTP handler latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		wsConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections",
			Help: "Open websocket connections",
		}, []string{"path"}),
		wsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_messages_in_total",
			Help: "Inbound websocket messages",
		}, []string{"path"}),
		wsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_frames_out_total",
			Help: "Outbound websocket frames by kind (data or error kind)",
		}, []string{"kind"}),
		wsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_dropped_total",
			Help: "Outbound frames that were not delivered",
		}, []string{"reason"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_runs_total",
			Help: "Scheduled task fires by outcome",
		}, []string{"task", "outcome"}),
		taskTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_run_seconds",
			Help:    "Scheduled task run time in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}, []string{"task"}),
		taskActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tasks_in_flight",
			Help: "Scheduled tasks currently running",
		}),
		gatherer: g,
	}
	reg.MustRegister(
		c.httpRequests, c.httpLatency,
		c.wsConns, c.wsIn, c.wsOut, c.wsDropped,
		c.taskRuns, c.taskTime, c.taskActive,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) RequestDone(method, route string, status int, took time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(took.Seconds())
}

func (c *Collector) ConnOpened(path string) { c.wsConns.WithLabelValues(path).Inc() }
func (c *Collector) ConnClosed(path string) { c.wsConns.WithLabelValues(path).Dec() }
func (c *Collector) MessageIn(path string)  { c.wsIn.WithLabelValues(path).Inc() }
func (c *Collector) FrameOut(kind string)   { c.wsOut.WithLabelValues(kind).Inc() }
func (c *Collector) Dropped(reason string)  { c.wsDropped.WithLabelValues(reason).Inc() }

func (c *Collector) TaskStarted(string) { c.taskActive.Inc() }

func (c *Collector) TaskFinished(task, outcome string, took time.Duration) {
	c.taskActive.Dec()
	c.taskRuns.WithLabelValues(task, outcome).Inc()
	c.taskTime.WithLabelValues(task).Observe(took.Seconds())
}

func (c *Collector) TaskSkipped(task string) {
	c.taskRuns.WithLabelValues(task, "skipped").Inc()
}
