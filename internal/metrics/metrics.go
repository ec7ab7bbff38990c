package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "katana_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "katana_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "katana_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "katana_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	imipMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "katana_imip_messages_total",
		Help: "iTIP messages handled by the email notifier, by outcome.",
	}, []string{"method", "outcome"})

	schedulingDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "katana_scheduling_deliveries_total",
		Help: "iTIP messages generated by implicit scheduling, by delivery target.",
	}, []string{"method", "target"})
)

// Middleware records request metrics. The route label is the chi pattern, resolved after routing.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			holder := &routeHolder{}
			ctx := context.WithValue(r.Context(), routeLabelKey, holder)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := holder.value
			if route == "" {
				route = routePattern(r)
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, statusCode).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(r.Method, route, statusCode).Inc()
			}
		})
	}
}

type routeHolder struct{ value string }

// Route tags the in-flight request with a low cardinality route name used for DB latency labels.
func Route(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h, ok := r.Context().Value(routeLabelKey).(*routeHolder); ok {
				h.value = name
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDB returns a func that records the latency of operation when called.
func ObserveDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		dbLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
	}
}

func IMIPMessage(method, outcome string) {
	imipMessages.WithLabelValues(strings.ToUpper(method), outcome).Inc()
}

func SchedulingDelivery(method, target string) {
	schedulingDeliveries.WithLabelValues(strings.ToUpper(method), target).Inc()
}

func routeFromContext(ctx context.Context) string {
	if h, ok := ctx.Value(routeLabelKey).(*routeHolder); ok && h.value != "" {
		return h.value
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
