package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TCPActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_tcp_active_sessions", Help: "Live connection-oriented sessions"})
	UDPSessions       = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_udp_sessions", Help: "Live datagram sessions in the session table"})
	SessionsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_sessions_total", Help: "Sessions established by mode"}, []string{"mode"})
	DialFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_dial_failures_total", Help: "Failed dials to the remote endpoint by mode"}, []string{"mode"})
	DroppedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_dropped_total", Help: "Connections and datagrams dropped before reaching the remote, by mode and reason"}, []string{"mode", "reason"})
	BytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_bytes_total", Help: "Relayed payload bytes by mode and direction"}, []string{"mode", "direction"})
	EvictionsTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_udp_evictions_total", Help: "Datagram sessions evicted for idleness"})
	ErrorsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDuration   = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "relay_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}, []string{"mode"})
)
