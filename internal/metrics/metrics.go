// Package metrics exposes Prometheus collectors for the lock table, the
// realtime hub and the HTTP API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	LockTransitionsTotal *prometheus.CounterVec
	NegotiationsTotal    *prometheus.CounterVec
	ForceUnlocksTotal    *prometheus.CounterVec
	LocksHeld            prometheus.Gauge

	WebsocketConnections prometheus.Gauge
	BroadcastsTotal      *prometheus.CounterVec
	DroppedFramesTotal   prometheus.Counter

	StateSavesTotal  *prometheus.CounterVec
	AssetsExtracted  prometheus.Counter
	ChatMessagesSent *prometheus.CounterVec
}

// New registers every collector on a fresh registry so tests can build as
// many instances as they need.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plixmap_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plixmap_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		LockTransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plixmap_lock_transitions_total",
			Help: "Lock table transitions by reason",
		}, []string{"reason"}),
		NegotiationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plixmap_unlock_requests_total",
			Help: "Unlock requests by final status",
		}, []string{"status"}),
		ForceUnlocksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plixmap_force_unlocks_total",
			Help: "Force unlock transitions by status",
		}, []string{"status"}),
		LocksHeld: f.NewGauge(prometheus.GaugeOpts{
			Name: "plixmap_locks_held",
			Help: "Floor plans currently locked",
		}),
		WebsocketConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "plixmap_websocket_connections",
			Help: "Open realtime sockets",
		}),
		BroadcastsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plixmap_realtime_envelopes_total",
			Help: "Envelopes published on the realtime bus by type",
		}, []string{"type"}),
		DroppedFramesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "plixmap_realtime_dropped_frames_total",
			Help: "Frames dropped because a socket send queue was full",
		}),
		StateSavesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plixmap_state_saves_total",
			Help: "POST /api/state outcomes",
		}, []string{"outcome"}),
		AssetsExtracted: f.NewCounter(prometheus.CounterOpts{
			Name: "plixmap_assets_extracted_total",
			Help: "Inline images moved to the asset store",
		}),
		ChatMessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plixmap_chat_messages_total",
			Help: "Chat messages by conversation kind",
		}, []string{"kind"}),
	}
}
