package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "caresync"

// Metrics holds all Prometheus metrics for the daemon. It satisfies the
// metrics interfaces of the backend facade, the remote adapters and the sync
// queue.
type Metrics struct {
	BackendMode        *prometheus.GaugeVec
	RemoteRequests     *prometheus.CounterVec
	RemoteLatency      *prometheus.HistogramVec
	RealtimeEvents     *prometheus.CounterVec
	RealtimeReconnects *prometheus.CounterVec
	QueuePending       prometheus.Gauge
	QueueDead          prometheus.Gauge
	Deliveries         *prometheus.CounterVec
	DrainDuration      prometheus.Histogram
	Online             prometheus.Gauge
	HTTPLatency        *prometheus.HistogramVec
}

// New creates and registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BackendMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_active",
			Help:      "1 for the active backend mode, 0 otherwise",
		}, []string{"mode"}),
		RemoteRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Remote adapter calls by operation and outcome kind",
		}, []string{"op", "collection", "kind"}),
		RemoteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Remote adapter call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		RealtimeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Change-feed events received",
		}, []string{"collection", "type"}),
		RealtimeReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Change-feed reconnections",
		}, []string{"collection"}),
		QueuePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_pending",
			Help:      "Items waiting for delivery to the dashboard",
		}),
		QueueDead: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_dead_letters",
			Help:      "Items given up on",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_deliveries_total",
			Help:      "Delivery attempts by item type and outcome",
		}, []string{"type", "outcome"}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_drain_duration_seconds",
			Help:      "Duration of one drain pass",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dashboard_online",
			Help:      "1 while the dashboard integration is reachable",
		}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ops API latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) SetBackendMode(mode string) {
	for _, known := range []string{"local", "remote"} {
		v := 0.0
		if known == mode {
			v = 1
		}
		m.BackendMode.WithLabelValues(known).Set(v)
	}
}

func (m *Metrics) ObserveRemoteRequest(op, collection, kind string, d time.Duration) {
	if kind == "" {
		kind = "ok"
	}
	m.RemoteRequests.WithLabelValues(op, collection, kind).Inc()
	m.RemoteLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) IncRealtimeEvent(collection, eventType string) {
	m.RealtimeEvents.WithLabelValues(collection, eventType).Inc()
}

func (m *Metrics) IncRealtimeReconnect(collection string) {
	m.RealtimeReconnects.WithLabelValues(collection).Inc()
}

func (m *Metrics) SetQueueDepth(pending, dead int) {
	m.QueuePending.Set(float64(pending))
	m.QueueDead.Set(float64(dead))
}

func (m *Metrics) IncDelivery(itemType, outcome string) {
	m.Deliveries.WithLabelValues(itemType, outcome).Inc()
}

func (m *Metrics) ObserveDrain(d time.Duration) {
	m.DrainDuration.Observe(d.Seconds())
}

func (m *Metrics) SetOnline(online bool) {
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}

func (m *Metrics) ObserveHTTP(route, status string, d time.Duration) {
	m.HTTPLatency.WithLabelValues(route, status).Observe(d.Seconds())
}
