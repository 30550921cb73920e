// Package metrics holds the prometheus counters exposed by the daemon's
// connection core and an echo middleware for the admin HTTP surface.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is one daemon's set of collectors on its own registry
type Metrics struct {
	Registry *prometheus.Registry

	accepted             *prometheus.CounterVec
	closed               *prometheus.CounterVec
	sendqOverflow        prometheus.Counter
	sendqDropped         prometheus.Counter
	floodKicks           prometheus.Counter
	banRejections        *prometheus.CounterVec
	guardRejections      prometheus.Counter
	registrationTimeouts prometheus.Counter

	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		accepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ircd_connections_accepted_total",
			Help: "Connections that completed admission and got a session",
		}, []string{"transport"}),
		closed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ircd_connections_closed_total",
			Help: "Sessions torn down",
		}, []string{"transport"}),
		sendqOverflow: f.NewCounter(prometheus.CounterOpts{
			Name: "ircd_sendq_overflow_disconnects_total",
			Help: "Sessions closed because their send queue was full",
		}),
		sendqDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ircd_sendq_dropped_total",
			Help: "Outbound lines rejected by a full or closed send queue",
		}),
		floodKicks: f.NewCounter(prometheus.CounterOpts{
			Name: "ircd_flood_kicks_total",
			Help: "Sessions closed for exceeding the inbound line rate",
		}),
		banRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ircd_ban_rejections_total",
			Help: "Connections refused by an address ban",
		}, []string{"kind"}),
		guardRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "ircd_guard_rejections_total",
			Help: "Connections refused by admission control",
		}),
		registrationTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "ircd_registration_timeouts_total",
			Help: "Sessions closed for not registering in time",
		}),

		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ircd_admin_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ircd_admin_requests_total",
			Help: "Admin HTTP requests by status code",
		}, []string{"method", "path", "code"}),
	}
}

func transport(secure bool) string {
	if secure {
		return "tls"
	}
	return "plain"
}

// ConnectionAccepted counts a connection that got a session
func (m *Metrics) ConnectionAccepted(secure bool) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(transport(secure)).Inc()
}

// ConnectionClosed counts a completed teardown
func (m *Metrics) ConnectionClosed(secure bool) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(transport(secure)).Inc()
}

// SendQOverflow counts a session dropped for send queue overflow
func (m *Metrics) SendQOverflow() {
	if m == nil {
		return
	}
	m.sendqOverflow.Inc()
}

// SendQDropped counts one rejected outbound line
func (m *Metrics) SendQDropped() {
	if m == nil {
		return
	}
	m.sendqDropped.Inc()
}

// FloodKick counts a session closed by the flood gate
func (m *Metrics) FloodKick() {
	if m == nil {
		return
	}
	m.floodKicks.Inc()
}

// BanRejection counts a connection refused by a ban of the given kind
func (m *Metrics) BanRejection(kind string) {
	if m == nil {
		return
	}
	m.banRejections.WithLabelValues(kind).Inc()
}

// GuardRejection counts a connection refused by admission control
func (m *Metrics) GuardRejection() {
	if m == nil {
		return
	}
	m.guardRejections.Inc()
}

// RegistrationTimeout counts a session closed for not registering
func (m *Metrics) RegistrationTimeout() {
	if m == nil {
		return
	}
	m.registrationTimeouts.Inc()
}

// RegisterGauges exposes live sizes sampled at scrape time
func (m *Metrics) RegisterGauges(users, channels, servers, sessions func() int) {
	if m == nil {
		return
	}
	gauge := func(name, help string, fn func() int) {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(fn()) }))
	}
	gauge("ircd_users", "Users known to the registry", users)
	gauge("ircd_channels", "Channels known to the registry", channels)
	gauge("ircd_servers", "Remote servers in the topology", servers)
	gauge("ircd_sessions", "Live sessions", sessions)
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Middleware returns echo middleware that records admin request metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}

			start := time.Now()
			path := c.Path()
			method := c.Request().Method

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			return err
		}
	}
}
