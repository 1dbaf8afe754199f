// Package metrics builds the Prometheus registry and the metric families
// shared across the orchestrator, merge writer, quota manager, and HTTP
// ingress. Grounded on the teacher's internal/metrics.go +
// internal/prometheus.go: same namespace-prefixed CounterVec/GaugeVec/
// HistogramVec construction style, the same normalizePattern-based HTTP
// instrumentation middleware, and pgxpoolprometheus for pool stats.
package metrics

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/IBM/pgxpoolprometheus"
)

const namespace = "alexandria"

var patternRE = regexp.MustCompile(`\{[^/]+\}`)

// New creates a registry with the default Go/process collectors already
// registered, matching the teacher's NewMetrics.
func New() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

// RegisterPool wires IBM/pgxpoolprometheus against pool, exposing acquire
// counts, idle/total conns, and wait time the same way the teacher's
// newDBMetrics does.
func RegisterPool(reg *prometheus.Registry, pool *pgxpool.Pool) {
	reg.MustRegister(pgxpoolprometheus.NewCollector(pool, nil))
}

// Orchestrator holds counters for the three enrichment strategies
// (spec.md §4.1): how often each provider was tried, how often it won, and
// cascade depth (how many providers were exhausted before success/failure).
type Orchestrator struct {
	attempts *prometheus.CounterVec
	wins     *prometheus.CounterVec
	depth    prometheus.Histogram
	duration *prometheus.HistogramVec
}

// NewOrchestrator registers and returns the orchestrator metric family.
func NewOrchestrator(reg *prometheus.Registry) *Orchestrator {
	o := &Orchestrator{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "provider_attempts_total",
			Help: "Count of provider calls attempted, by provider and strategy.",
		}, []string{"provider", "strategy"}),
		wins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "provider_wins_total",
			Help: "Count of provider calls that supplied the winning result, by provider and strategy.",
		}, []string{"provider", "strategy"}),
		depth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "cascade_depth",
			Help:    "Number of providers tried before a cascading strategy resolved.",
			Buckets: []float64{1, 2, 3, 4, 5, 6},
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "resolve_duration_seconds",
			Help:    "Wall time to resolve one ISBN, by strategy.",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
	}
	reg.MustRegister(o.attempts, o.wins, o.depth, o.duration)
	return o
}

func (o *Orchestrator) AttemptInc(provider, strategy string) { o.attempts.WithLabelValues(provider, strategy).Inc() }
func (o *Orchestrator) WinInc(provider, strategy string)     { o.wins.WithLabelValues(provider, strategy).Inc() }
func (o *Orchestrator) CascadeDepthObserve(n int)             { o.depth.Observe(float64(n)) }
func (o *Orchestrator) DurationObserve(strategy string, d time.Duration) {
	o.duration.WithLabelValues(strategy).Observe(d.Seconds())
}

// Merge holds counters/histograms for the enrichment writer (spec.md §4.2):
// upserts by entity and outcome (inserted/updated/unchanged), and latency.
type Merge struct {
	upserts  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMerge registers and returns the merge-writer metric family.
func NewMerge(reg *prometheus.Registry) *Merge {
	m := &Merge{
		upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "merge", Name: "upserts_total",
			Help: "Count of upserts, by entity type and outcome.",
		}, []string{"entity", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "merge", Name: "upsert_duration_seconds",
			Help:    "Upsert latency, by entity type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity"}),
	}
	reg.MustRegister(m.upserts, m.duration)
	return m
}

func (m *Merge) UpsertInc(entity, outcome string) { m.upserts.WithLabelValues(entity, outcome).Inc() }
func (m *Merge) DurationObserve(entity string, d time.Duration) {
	m.duration.WithLabelValues(entity).Observe(d.Seconds())
}

// Quota holds gauges mirroring the quota manager's snapshot (spec.md §4.4),
// scraped on an interval by the CLI's serve command.
type Quota struct {
	used      prometheus.Gauge
	remaining prometheus.Gauge
	denied    *prometheus.CounterVec
}

// NewQuota registers and returns the quota metric family.
func NewQuota(reg *prometheus.Registry) *Quota {
	q := &Quota{
		used: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "quota", Name: "isbndb_calls_used",
			Help: "ISBNdb calls used so far today.",
		}),
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "quota", Name: "isbndb_calls_remaining",
			Help: "ISBNdb calls remaining in today's effective budget.",
		}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota", Name: "denied_total",
			Help: "Count of quota checks denied, by operation kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(q.used, q.remaining, q.denied)
	return q
}

func (q *Quota) Set(used, remaining int)    { q.used.Set(float64(used)); q.remaining.Set(float64(remaining)) }
func (q *Quota) DeniedInc(kind string)      { q.denied.WithLabelValues(kind).Inc() }

// Consumer holds per-queue ack/retry/poison counters for the four
// consumers in internal/consume.
type Consumer struct {
	processed *prometheus.CounterVec
	batchSize *prometheus.HistogramVec
}

// NewConsumer registers and returns the consumer metric family.
func NewConsumer(reg *prometheus.Registry) *Consumer {
	c := &Consumer{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consume", Name: "messages_total",
			Help: "Count of consumed messages, by queue and outcome (ack/retry/poison).",
		}, []string{"queue", "outcome"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consume", Name: "batch_size",
			Help:    "Size of batches handed to a consumer, by queue.",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}, []string{"queue"}),
	}
	reg.MustRegister(c.processed, c.batchSize)
	return c
}

func (c *Consumer) Inc(queue, outcome string)      { c.processed.WithLabelValues(queue, outcome).Inc() }
func (c *Consumer) BatchObserve(queue string, n int) { c.batchSize.WithLabelValues(queue).Observe(float64(n)) }

// HTTPMiddleware wraps next to record request latency and in-flight count,
// the same normalizePattern+WrapResponseWriter approach the teacher uses in
// internal/metrics.go's `instrument`.
func HTTPMiddleware(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests",
		Help:    "HTTP request latencies by method & path.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60},
	}, []string{"method", "path", "status"})
	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "inflight",
		Help: "Current number of inbound in-flight HTTP requests.",
	})
	reg.MustRegister(requests, inflight)

	normalized := map[string]string{}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path, ok := normalized[r.Pattern]
		if !ok {
			path = normalizePattern(r.Pattern)
			normalized[r.Pattern] = path
		}
		if path == "" {
			return
		}

		requests.WithLabelValues(r.Method, path, http.StatusText(ww.Status())).Observe(time.Since(start).Seconds())
	})
}

func normalizePattern(pattern string) string {
	p := patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	return strings.ReplaceAll(p, "//", "/")
}
