package observability

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "homewatch", Name: "http_requests_total", Help: "HTTP requests."},
		[]string{"route", "method", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "homewatch", Name: "http_request_duration_seconds",
			Help:    "HTTP request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	ExternalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "homewatch", Name: "external_requests_total", Help: "Outbound requests."},
		[]string{"service", "endpoint", "status"},
	)
	ExternalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "homewatch", Name: "external_request_duration_seconds",
			Help:    "Outbound request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)
	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "homewatch", Name: "cache_events_total", Help: "Cache hits/misses/sets/dels."},
		[]string{"cache", "event"}, // event: hit|miss|set|del
	)
	RecordOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "homewatch", Name: "records_total", Help: "Per-record pipeline outcomes."},
		[]string{"source", "outcome"}, // outcome: new|duplicate|rejected|failed|dropped
	)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "homewatch", Name: "notifications_total", Help: "Notification attempts."},
		[]string{"status"}, // status: delivered|failed
	)
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "homewatch", Name: "runs_total", Help: "Pipeline runs by terminal state."},
		[]string{"source", "state"},
	)
	LastRunSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "homewatch", Name: "last_run_success_timestamp_seconds", Help: "Unix time of the last completed run."},
	)
)

// Serve binds addr and exposes reg on /metrics in the background. It returns
// the server (nil when addr is empty) and the bound address.
func Serve(addr string, reg *prometheus.Registry) (*http.Server, string, error) {
	if addr == "" {
		return nil, "", nil // disabled
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(reg))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv, ln.Addr().String(), nil
}

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequests, HTTPLatency, ExternalRequests, ExternalLatency, CacheEvents,
		RecordOutcomes, Deliveries, Runs, LastRunSuccess,
	}
}

func InitRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors()...)
	return reg
}

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Push sends the batch-run metrics to a Pushgateway. Empty url is a no-op.
func Push(url, job string, reg *prometheus.Registry) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(reg).Push(); err != nil {
		return fmt.Errorf("pushgateway %s: %w", url, err)
	}
	return nil
}

func ObserveHTTP(route, method string, status int, dur time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route, method).Observe(dur.Seconds())
}

func ObserveExternal(service, endpoint string, status int, dur time.Duration) {
	ExternalRequests.WithLabelValues(service, endpoint, strconv.Itoa(status)).Inc()
	ExternalLatency.WithLabelValues(service, endpoint).Observe(dur.Seconds())
}

func ObserveCache(cache, event string) { // event: hit|miss|set|del
	CacheEvents.WithLabelValues(cache, event).Inc()
}

func ObserveRecord(source, outcome string) {
	RecordOutcomes.WithLabelValues(source, outcome).Inc()
}

func ObserveDelivery(delivered bool) {
	if delivered {
		Deliveries.WithLabelValues("delivered").Inc()
		return
	}
	Deliveries.WithLabelValues("failed").Inc()
}

func ObserveRun(source, state string) {
	Runs.WithLabelValues(source, state).Inc()
	if state == "done" {
		LastRunSuccess.SetToCurrentTime()
	}
}
