package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/tokengate/internal/gateway"
	"github.com/AlexKimmel/tokengate/internal/routing"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Admitted        *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	LimiterErrors   *prometheus.CounterVec
	SweptBuckets    prometheus.Counter
	LimiterResets   *prometheus.CounterVec
	ConfigReloads   *prometheus.CounterVec

	reg prometheus.Registerer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokengate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokengate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Admitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokengate_admitted_total",
				Help: "Total requests admitted by the rate limiter",
			},
			[]string{"route"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokengate_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"route"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokengate_limiter_errors_total",
				Help: "Total rate limiter errors",
			},
			[]string{"route"},
		),
		SweptBuckets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokengate_buckets_swept_total",
				Help: "Total idle buckets removed by the sweeper",
			},
		),
		LimiterResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokengate_limiter_resets_total",
				Help: "Total buckets reset, by trigger",
			},
			[]string{"trigger"},
		),
		ConfigReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokengate_config_reloads_total",
				Help: "Total configuration reloads, by result",
			},
			[]string{"result"},
		),
		reg: reg,
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.Admitted, m.RateLimited, m.LimiterErrors,
		m.SweptBuckets, m.LimiterResets, m.ConfigReloads,
	)
	return m
}

// TrackBuckets exports the live bucket count reported by fn.
func (m *Metrics) TrackBuckets(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tokengate_buckets",
			Help: "Number of live rate limit buckets",
		},
		func() float64 { return float64(fn()) },
	))
}

// Hooks returns rate limit callbacks feeding these metrics.
func (m *Metrics) Hooks() gateway.Hooks {
	return gateway.Hooks{
		OnAdmitted: func(routeID string) { m.Admitted.WithLabelValues(routeID).Inc() },
		OnLimited:  func(routeID string) { m.RateLimited.WithLabelValues(routeID).Inc() },
		OnError:    func(routeID string) { m.LimiterErrors.WithLabelValues(routeID).Inc() },
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records per-request metrics. It must run after
// gateway.RouteMatcher so the matched route is in the request context.
func (m *Metrics) Middleware() gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
