// Package metrics exposes Prometheus collectors for the scraper processes.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes recorded per queue.
const (
	OutcomeAck        = "ack"
	OutcomeNack       = "nack"
	OutcomeRequeued   = "requeued"
	OutcomeDeadLetter = "dead_letter"
	OutcomeMalformed  = "malformed"
)

var (
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	brokerReconnectsTotal      prometheus.Counter
	brokerState                prometheus.Gauge
	brokerPendingOps           prometheus.Gauge
	proxyLeasesInUse           prometheus.Gauge
	proxyExhaustedTotal        prometheus.Counter
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	childRowsTotal             *prometheus.CounterVec
	queryFailuresTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times; every
// Observe helper calls it.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_tasks_total",
				Help: "Task deliveries handled, labeled by logical queue and outcome.",
			},
			[]string{"queue", "outcome"},
		)
		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_task_duration_seconds",
				Help:    "Handler latency per logical queue.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"queue"},
		)
		brokerReconnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_broker_reconnects_total",
				Help: "Broker connections established after the first one.",
			},
		)
		brokerState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_broker_state",
				Help: "Broker connection state: 0 disconnected, 1 connecting, 2 connected, 3 closed.",
			},
		)
		brokerPendingOps = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_broker_pending_operations",
				Help: "Publishes buffered while the broker is unavailable.",
			},
		)
		proxyLeasesInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_proxy_leases_in_use",
				Help: "Proxy endpoints currently leased.",
			},
		)
		proxyExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_proxy_exhausted_total",
				Help: "Acquire calls that found no free proxy.",
			},
		)
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_pages_total",
				Help: "Pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)
		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		childRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_child_rows_total",
				Help: "Child rows written, labeled by table and result (inserted, duplicate).",
			},
			[]string{"table", "result"},
		)
		queryFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_query_failures_total",
				Help: "Failed statements, labeled by pool and failure kind.",
			},
			[]string{"pool", "kind"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask records one delivery outcome and its handling time.
func ObserveTask(queue, outcome string, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(queue, outcome).Inc()
	if duration > 0 {
		taskDurationSeconds.WithLabelValues(queue).Observe(duration.Seconds())
	}
}

// ObserveBrokerReconnect counts a successful reconnect.
func ObserveBrokerReconnect() {
	Init()
	brokerReconnectsTotal.Inc()
}

// SetBrokerState publishes the numeric broker state.
func SetBrokerState(state int) {
	Init()
	brokerState.Set(float64(state))
}

// SetBrokerPending publishes the size of the pending publish buffer.
func SetBrokerPending(n int) {
	Init()
	brokerPendingOps.Set(float64(n))
}

// SetProxyLeasesInUse publishes the number of leased proxies.
func SetProxyLeasesInUse(n int) {
	Init()
	proxyLeasesInUse.Set(float64(n))
}

// ObserveProxyExhausted counts an acquire that found the pool empty.
func ObserveProxyExhausted() {
	Init()
	proxyExhaustedTotal.Inc()
}

// ObservePage records one page fetch.
func ObservePage(site, status string, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitized, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveChildRows records inserted and duplicate rows for a child table.
func ObserveChildRows(table string, inserted, duplicates int) {
	Init()
	if inserted > 0 {
		childRowsTotal.WithLabelValues(table, "inserted").Add(float64(inserted))
	}
	if duplicates > 0 {
		childRowsTotal.WithLabelValues(table, "duplicate").Add(float64(duplicates))
	}
}

// ObserveQueryFailure counts a failed statement.
func ObserveQueryFailure(pool, kind string) {
	Init()
	queryFailuresTotal.WithLabelValues(pool, kind).Inc()
}

// ObserveHTTPRequest records an ops API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
