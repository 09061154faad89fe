// Package metrics exposes Prometheus collectors for the trust crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

var (
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	schedulerTicksTotal          *prometheus.CounterVec
	schedulerTickDurationSeconds prometheus.Histogram
	trustPromotionsTotal         prometheus.Counter
	crawlerFetchesTotal          *prometheus.CounterVec
	crawlerFrontierSize          prometheus.Gauge
	submissionsTotal             *prometheus.CounterVec
	searchResults                prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		schedulerTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustcrawler_scheduler_ticks_total",
				Help: "Total number of scheduler ticks, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		schedulerTickDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trustcrawler_scheduler_tick_duration_seconds",
				Help:    "Histogram of scheduler tick durations, fetch included.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		trustPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "trustcrawler_promotions_total",
				Help: "Total number of undiscovered pages promoted into the frontier.",
			},
		)

		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustcrawler_fetches_total",
				Help: "Total number of page fetches, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		crawlerFrontierSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "trustcrawler_frontier_size",
				Help: "Number of entries waiting in the crawl frontier.",
			},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustcrawler_submissions_total",
				Help: "Total number of page submissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		searchResults = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trustcrawler_search_results",
				Help:    "Histogram of result counts returned by keyword search.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTick records one scheduler tick.
func ObserveTick(outcome string, duration time.Duration) {
	schedulerTicksTotal.WithLabelValues(outcome).Inc()
	schedulerTickDurationSeconds.Observe(duration.Seconds())
}

// AddPromotions counts pages pushed into the frontier.
func AddPromotions(n int) {
	if n > 0 {
		trustPromotionsTotal.Add(float64(n))
	}
}

// ObserveFetch counts one fetch attempt.
func ObserveFetch(source, outcome string) {
	crawlerFetchesTotal.WithLabelValues(source, outcome).Inc()
}

// SetFrontierSize records the current frontier length.
func SetFrontierSize(n int) {
	crawlerFrontierSize.Set(float64(n))
}

// ObserveSubmission counts one submission by outcome.
func ObserveSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSearch records how many results a search returned.
func ObserveSearch(results int) {
	searchResults.Observe(float64(results))
}
