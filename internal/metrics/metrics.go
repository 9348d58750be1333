package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/realtime"
	"github.com/shohag/pushrelay/internal/transport"
)

// Metrics owns a registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	SendOutcomes  *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec
	Skipped       *prometheus.CounterVec
	Tracking      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pushrelay_http_request_duration_seconds",
				Help:    "Histogram of response durations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
		SendOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushrelay_sends_total",
				Help: "Per-device send outcomes by platform and result",
			},
			[]string{"platform", "result"},
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pushrelay_batch_duration_seconds",
				Help:    "Duration of one platform batch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform"},
		),
		Skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushrelay_skipped_devices_total",
				Help: "Devices skipped because their platform was disabled or not configured",
			},
			[]string{"platform"},
		),
		Tracking: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushrelay_tracking_events_total",
				Help: "Delivery and click callbacks, split by whether they changed state",
			},
			[]string{"event", "applied"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestCount, m.RequestDuration,
		m.SendOutcomes, m.BatchDuration, m.Skipped, m.Tracking,
	)
	return m
}

// WatchHub exposes the realtime hub's connection and queue sizes.
func (m *Metrics) WatchHub(hub *realtime.Hub) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pushrelay_realtime_connections",
			Help: "Live realtime sockets bound to a device",
		}, func() float64 { return float64(hub.Stats().Connections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pushrelay_realtime_queued_messages",
			Help: "Messages waiting for offline realtime devices",
		}, func() float64 { return float64(hub.Stats().QueuedMessages) }),
	)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// BatchCompleted records the outcomes of one platform batch.
func (m *Metrics) BatchCompleted(platform models.Platform, res *transport.BatchResult, elapsed time.Duration) {
	p := string(platform)
	m.BatchDuration.WithLabelValues(p).Observe(elapsed.Seconds())

	delivered := res.Succeeded - res.Queued
	if delivered > 0 {
		m.SendOutcomes.WithLabelValues(p, "sent").Add(float64(delivered))
	}
	if res.Queued > 0 {
		m.SendOutcomes.WithLabelValues(p, "queued").Add(float64(res.Queued))
	}
	for _, e := range res.Errors {
		m.SendOutcomes.WithLabelValues(p, string(e.Kind)).Inc()
	}
}

func (m *Metrics) BatchSkipped(platform models.Platform, devices int, reason string) {
	m.Skipped.WithLabelValues(string(platform)).Add(float64(devices))
}

func (m *Metrics) TrackingEvent(event string, applied bool) {
	m.Tracking.WithLabelValues(event, strconv.FormatBool(applied)).Inc()
}

// Middleware counts requests by route pattern, so ids in paths do not
// explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestCount.WithLabelValues(path, r.Method, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
	})
}
