// Package metrics exposes Prometheus metrics for HTTP traffic, assignment
// and task activity and the database pool.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recovery"

var defaultDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics owns a private registry. It implements the recorder interfaces of
// the schedule and assignment packages.
type Metrics struct {
	registry *prometheus.Registry

	activeRequests  prometheus.Gauge
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec

	assignmentsCreated prometheus.Counter
	instancesCreated   prometheus.Counter
	assignmentsFailed  *prometheus.CounterVec
	sideEffectFailures *prometheus.CounterVec
	tasksCompleted     *prometheus.CounterVec
	triggersFired      *prometheus.CounterVec
}

// New builds the metric set. Runtime collectors are optional so tests can
// assert on a small exposition.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		)
	}

	m := &Metrics{
		registry: reg,
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "active_requests",
			Help: "Requests currently being served.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		assignmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignments_created_total",
			Help: "Protocol assignments committed.",
		}),
		instancesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_instances_created_total",
			Help: "Task instances materialised by assignments.",
		}),
		assignmentsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignments_failed_total",
			Help: "Rejected or failed assignment attempts by reason.",
		}, []string{"reason"}),
		sideEffectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "side_effect_failures_total",
			Help: "Assignment side effects that failed after commit.",
		}, []string{"effect"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_completed_total",
			Help: "Completed task instances by task type.",
		}, []string{"task_type"}),
		triggersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "triggers_fired_total",
			Help: "Task triggers fired on completion by action.",
		}, []string{"action"}),
	}
	reg.MustRegister(
		m.activeRequests, m.requestDuration, m.requestsTotal,
		m.assignmentsCreated, m.instancesCreated, m.assignmentsFailed,
		m.sideEffectFailures, m.tasksCompleted, m.triggersFired,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) AssignmentCreated(instances int) {
	m.assignmentsCreated.Inc()
	m.instancesCreated.Add(float64(instances))
}

func (m *Metrics) AssignmentFailed(reason string) {
	m.assignmentsFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) SideEffectFailed(effect string) {
	m.sideEffectFailures.WithLabelValues(effect).Inc()
}

func (m *Metrics) TaskCompleted(taskType string) {
	m.tasksCompleted.WithLabelValues(taskType).Inc()
}

func (m *Metrics) TriggerFired(action string) {
	m.triggersFired.WithLabelValues(action).Inc()
}

// WatchPool exports connection pool gauges read at scrape time.
func (m *Metrics) WatchPool(pool *pgxpool.Pool) {
	gauge := func(name, help string, read func(*pgxpool.Stat) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db_pool", Name: name, Help: help,
		}, func() float64 { return float64(read(pool.Stat())) })
	}
	m.registry.MustRegister(
		gauge("total_conns", "Open connections.", (*pgxpool.Stat).TotalConns),
		gauge("acquired_conns", "Connections in use.", (*pgxpool.Stat).AcquiredConns),
		gauge("idle_conns", "Idle connections.", (*pgxpool.Stat).IdleConns),
	)
}

// Middleware records request latency and counts keyed by the route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := []string{c.Request().Method, route, strconv.Itoa(status)}
			m.requestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			m.requestsTotal.WithLabelValues(labels...).Inc()
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
