// Package metrics holds the Prometheus collectors shared by the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TokenRequests counts calls to the upstream token endpoint by grant and outcome.
	TokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_token_requests_total",
		Help: "Upstream token endpoint requests.",
	}, []string{"grant", "outcome"})

	// UserSessions is the number of user token records held in memory.
	UserSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_user_token_sessions",
		Help: "User token records held by the credential cache.",
	})

	// BrowserSessions is the number of live interactive browser sessions.
	BrowserSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_live_browser_sessions",
		Help: "Interactive browser sessions awaiting commit or close.",
	})

	// BrowserTransitions counts terminal transitions of browser sessions.
	BrowserTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_browser_session_transitions_total",
		Help: "Browser session terminal transitions.",
	}, []string{"transition"})

	// Forwards counts guarded forwarder requests by outcome.
	Forwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_forward_requests_total",
		Help: "Guarded forwarder requests.",
	}, []string{"outcome"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request duration. pattern is the registered route so
// label cardinality stays bounded.
func Middleware(pattern string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next(rec, r)
			httpDuration.WithLabelValues(pattern, r.Method, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		}
	}
}
