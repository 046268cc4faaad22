// Package metrics provides Prometheus instrumentation for the pindrop signal
// server: gauges for live connections and sessions, counters for session
// lifecycle outcomes and relayed frames, and a histogram for pairing delay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pindrop_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveSessions tracks the current number of live sessions in the registry.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pindrop_sessions_active",
		Help: "Current number of live sessions in the registry",
	})

	// SessionsCreated counts create-session attempts, labeled by outcome:
	// "created" or "pin_taken".
	SessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pindrop_sessions_created_total",
		Help: "Total create-session attempts by outcome",
	}, []string{"outcome"})

	// SessionsJoined counts join-session attempts, labeled by outcome:
	// "joined", "not_found", or "full".
	SessionsJoined = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pindrop_sessions_joined_total",
		Help: "Total join-session attempts by outcome",
	}, []string{"outcome"})

	// SessionsExpired counts sessions evicted by the reaper.
	SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pindrop_sessions_expired_total",
		Help: "Total sessions evicted for exceeding the maximum age",
	})

	// FramesRelayed counts signaling frames by delivery outcome: "forwarded",
	// "dropped" (peer unavailable), or "limited" (flood guard).
	FramesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pindrop_frames_relayed_total",
		Help: "Total signaling frames by delivery outcome",
	}, []string{"outcome"})

	// PairingDelay records the time from session creation to receiver join.
	PairingDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pindrop_pairing_delay_seconds",
		Help:    "Time from session creation to receiver join",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ActiveSessions,
		SessionsCreated,
		SessionsJoined,
		SessionsExpired,
		FramesRelayed,
		PairingDelay,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
