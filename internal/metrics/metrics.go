// Package metrics exports Prometheus metrics fed from eventbus events.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/projector/internal/eventbus"
	events "github.com/hanpama/projector/internal/events"
)

const namespace = "projector"

// Collector owns a Prometheus registry and the projector metrics in it.
type Collector struct {
	registry *prometheus.Registry

	// plansCompiled counts plan compilations by status (ok, error).
	plansCompiled *prometheus.CounterVec
	planDuration  prometheus.Histogram

	cachesCreated prometheus.Counter
	// cacheLeases counts leases by reused (true, false).
	cacheLeases *prometheus.CounterVec
	// cacheReleases counts releases by pooled (true, false).
	cacheReleases *prometheus.CounterVec
	leaseDuration prometheus.Histogram

	// compilePasses counts passes by kind (full, incremental) and status.
	compilePasses *prometheus.CounterVec
	// compileNodes counts nodes per pass by outcome (compiled, reused).
	compileNodes *prometheus.CounterVec
	passDuration prometheus.Histogram

	// httpRequests counts requests to the GraphQL endpoint by code.
	httpRequests *prometheus.CounterVec
	httpDuration prometheus.Histogram

	// operations counts GraphQL operations by status and plan_cached.
	operations        *prometheus.CounterVec
	operationDuration prometheus.Histogram
}

// New creates a Collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		plansCompiled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "compiled_total",
			Help:      "Query documents compiled into projection trees",
		}, []string{"status"}),
		planDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "compile_duration_seconds",
			Help:      "Time to parse, validate and plan a query document",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		cachesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "created_total",
			Help:      "Expression tree caches created because the pool was empty",
		}),
		cacheLeases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "leases_total",
			Help:      "Cache leases by whether the cache came from the pool",
		}, []string{"reused"}),
		cacheReleases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "releases_total",
			Help:      "Cache releases by whether the cache went back to the pool",
		}, []string{"pooled"}),
		leaseDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lease_duration_seconds",
			Help:      "Time between lease and release",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		compilePasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compile",
			Name:      "passes_total",
			Help:      "Compilation passes by kind and status",
		}, []string{"kind", "status"}),
		compileNodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compile",
			Name:      "nodes_total",
			Help:      "Nodes visited by compilation passes by outcome",
		}, []string{"outcome"}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compile",
			Name:      "pass_duration_seconds",
			Help:      "Compilation pass latency",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests to the GraphQL endpoint by status code",
		}, []string{"code"}),
		httpDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "GraphQL endpoint latency including batches",
			Buckets:   prometheus.DefBuckets,
		}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graphql",
			Name:      "operations_total",
			Help:      "GraphQL operations by status and plan reuse",
		}, []string{"status", "plan_cached"}),
		operationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graphql",
			Name:      "operation_duration_seconds",
			Help:      "GraphQL operation latency",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Subscribe attaches the collector to b.
func (c *Collector) Subscribe(b *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		eventbus.SubscribeTo(b, func(_ context.Context, e events.PlanCompiled) {
			c.plansCompiled.WithLabelValues(status(e.Err)).Inc()
			c.planDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.CacheCreated) {
			c.cachesCreated.Inc()
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.CacheLeased) {
			c.cacheLeases.WithLabelValues(strconv.FormatBool(e.Reused)).Inc()
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.CacheReleased) {
			c.cacheReleases.WithLabelValues(strconv.FormatBool(e.Pooled)).Inc()
			c.leaseDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.CompilePass) {
			kind := "incremental"
			if e.FirstUse {
				kind = "full"
			}
			c.compilePasses.WithLabelValues(kind, status(e.Err)).Inc()
			c.compileNodes.WithLabelValues("compiled").Add(float64(e.Compiled))
			c.compileNodes.WithLabelValues("reused").Add(float64(e.Reused))
			c.passDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.HTTPFinish) {
			c.httpRequests.WithLabelValues(strconv.Itoa(e.Status)).Inc()
			c.httpDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.GraphQLFinish) {
			st := "ok"
			if len(e.Errors) > 0 {
				st = "error"
			}
			c.operations.WithLabelValues(st, strconv.FormatBool(e.PlanCached)).Inc()
			c.operationDuration.Observe(e.Duration.Seconds())
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
