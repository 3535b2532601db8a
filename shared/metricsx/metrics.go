package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	evalCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geofence_eval_cycles_total",
			Help: "Total geofence evaluation cycles run.",
		},
	)
	evalCycleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geofence_eval_cycle_duration_seconds",
			Help:    "Geofence evaluation cycle duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	alertsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_emitted_total",
			Help: "Alert events emitted by level.",
		},
		[]string{"level"},
	)
	ruleEvalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rule_eval_failures_total",
			Help: "Rule evaluations that failed and were skipped.",
		},
	)
	webhookFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_delivery_failures_total",
			Help: "Webhook deliveries that failed.",
		},
	)
	tokenExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_exchanges_total",
			Help: "Upstream credential exchanges by outcome.",
		},
		[]string{"outcome"},
	)
	densityQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "density_queries_total",
			Help: "Density snapshot queries by source.",
		},
		[]string{"source"},
	)
	locationQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "location_queries_total",
			Help: "Device location queries by source.",
		},
		[]string{"source"},
	)
	routePlans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "route_plans_total",
			Help: "Route plans produced, by path source.",
		},
		[]string{"source"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		evalCycles, evalCycleLatency, alertsEmitted, ruleEvalFailures,
		webhookFailures, tokenExchanges, densityQueries, locationQueries,
		routePlans, influxWriteFailures,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEvalCycle()                    { evalCycles.Inc() }
func ObserveEvalCycle(d time.Duration) { evalCycleLatency.Observe(d.Seconds()) }
func IncAlertEmitted(level string)     { alertsEmitted.WithLabelValues(level).Inc() }
func IncRuleEvalFailure()              { ruleEvalFailures.Inc() }
func IncWebhookFailure()               { webhookFailures.Inc() }
func IncTokenExchange(outcome string)  { tokenExchanges.WithLabelValues(outcome).Inc() }
func IncDensityQuery(source string)    { densityQueries.WithLabelValues(source).Inc() }
func IncLocationQuery(source string)   { locationQueries.WithLabelValues(source).Inc() }
func IncRoutePlan(source string)       { routePlans.WithLabelValues(source).Inc() }
func IncInfluxWriteFailure()           { influxWriteFailures.Inc() }

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
