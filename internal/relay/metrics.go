package relay

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "bitacora"
	relaySubsystem   = "relay"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	// RequestsTotal counts relay requests. Labels: method, status.
	RequestsTotal *prometheus.CounterVec
	// UpstreamDuration measures calls to the remote store. Labels: method,
	// outcome (2xx, 4xx, 5xx, error).
	UpstreamDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "requests_total",
			Help:      "Relay requests by method and response status",
		}, []string{"method", "status"}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "upstream_duration_seconds",
			Help:      "Latency of calls to the remote store",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
	}
}

func (m *Metrics) observeUpstream(method, outcome string, d time.Duration) {
	m.UpstreamDuration.WithLabelValues(method, outcome).Observe(d.Seconds())
}

// middleware counts requests to the relay path only.
func (m *Metrics) middleware(path string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != path {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		})
	}
}
