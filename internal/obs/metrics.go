package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paddock.org/internal/ids"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Auth metrics
var (
	authLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	authRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_auth_refresh_total",
			Help: "Refresh token redemptions by outcome.",
		},
		[]string{"outcome"},
	)

	authRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_auth_rate_limited_total",
			Help: "Requests rejected by the fixed-window limiter.",
		},
		[]string{"route"},
	)

	authzDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_authz_denied_total",
			Help: "Permission checks that failed.",
		},
		[]string{"permission"},
	)

	roleCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_role_cache_events_total",
			Help: "Role id cache hits, misses, commits and rollbacks.",
		},
		[]string{"event"},
	)
)

var initOnce sync.Once

// Init registers every collector in the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authLogins, authRefreshes, authRateLimited, authzDenied, roleCacheEvents,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordLogin counts a login attempt ("success", "invalid", "forbidden", "error").
func RecordLogin(outcome string) { authLogins.WithLabelValues(outcome).Inc() }

// RecordRefresh counts a refresh attempt ("success", "invalid", "reused", "error").
func RecordRefresh(outcome string) { authRefreshes.WithLabelValues(outcome).Inc() }

// RecordRateLimited counts a limiter rejection for route.
func RecordRateLimited(route string) { authRateLimited.WithLabelValues(route).Inc() }

// RecordDenied counts a failed permission check.
func RecordDenied(permission string) { authzDenied.WithLabelValues(permission).Inc() }

// RecordRoleCache counts a role cache event.
func RecordRoleCache(event string) { roleCacheEvents.WithLabelValues(event).Inc() }

// Instrument measures rate, latency and concurrency per route.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := routePattern(r)
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return CanonicalPath(r.URL.Path)
}

// CanonicalPath collapses entity ids in path so that label cardinality stays
// bounded when no route pattern is available.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if ids.Valid(p) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
