// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	fetchCounter        *prometheus.CounterVec
	fetchDuration       *prometheus.HistogramVec
	commitCounter       *prometheus.CounterVec
	providerErrors      *prometheus.CounterVec
	catalogRecords      *prometheus.GaugeVec
	rectifyDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "terracat"
	}

	return &Collector{
		fetchCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Total number of asset fetch attempts",
			},
			[]string{"driver", "outcome"},
		),

		fetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Asset fetch duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"driver"},
		),

		commitCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Total number of archive commits",
			},
			[]string{"driver", "kind", "status"},
		),

		providerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of remote provider failures",
			},
			[]string{"provider"},
		),

		catalogRecords: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_records",
				Help:      "Catalog records per driver after reconciliation",
			},
			[]string{"driver", "kind"},
		),

		rectifyDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rectify_duration_seconds",
				Help:      "Reconciliation pass duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"driver"},
		),

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// IncFetch increments the fetch counter.
func (c *Collector) IncFetch(driver, outcome string) {
	c.fetchCounter.WithLabelValues(driver, outcome).Inc()
}

// ObserveFetchDuration records fetch duration.
func (c *Collector) ObserveFetchDuration(driver string, duration time.Duration) {
	c.fetchDuration.WithLabelValues(driver).Observe(duration.Seconds())
}

// IncCommit increments the commit counter.
func (c *Collector) IncCommit(driver, kind string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.commitCounter.WithLabelValues(driver, kind, status).Inc()
}

// IncProviderErrors increments the provider failure counter.
func (c *Collector) IncProviderErrors(provider string) {
	c.providerErrors.WithLabelValues(provider).Inc()
}

// SetCatalogRecords sets the record gauge for a driver.
func (c *Collector) SetCatalogRecords(driver, kind string, count int) {
	c.catalogRecords.WithLabelValues(driver, kind).Set(float64(count))
}

// ObserveRectifyDuration records reconciliation pass duration.
func (c *Collector) ObserveRectifyDuration(driver string, duration time.Duration) {
	c.rectifyDuration.WithLabelValues(driver).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		path := normalizePath(r.URL.Path)
		status := statusToString(wrapped.statusCode)

		c.IncHTTPRequests(r.Method, path, status)
		c.ObserveHTTPDuration(r.Method, path, duration)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes the URL path for metrics.
func normalizePath(path string) string {
	// Replace dynamic segments with placeholders
	// This prevents high cardinality metrics
	switch {
	case len(path) > 30:
		return path[:30] + "..."
	default:
		return path
	}
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
