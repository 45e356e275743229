// Package metrics holds the Prometheus instruments of the collaboration
// server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ducklets_rooms_active",
		Help: "Rooms currently loaded in memory",
	})

	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ducklets_sessions_active",
		Help: "Open websocket sessions by channel",
	}, []string{"channel"})

	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ducklets_updates_total",
		Help: "Document updates merged by origin",
	}, []string{"origin"})

	malformedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ducklets_malformed_messages_total",
		Help: "Inbound messages dropped as malformed by kind",
	}, []string{"kind"})

	persistWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ducklets_persist_writes_total",
		Help: "Snapshot writes by status",
	}, []string{"status"})

	persistDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ducklets_persist_duration_ms",
		Help:    "Snapshot write latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(2, 2, 12),
	})

	accessTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ducklets_access_transitions_total",
		Help: "Access control transitions by kind",
	}, []string{"kind"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RoomOpened() { roomsActive.Inc() }
func RoomClosed() { roomsActive.Dec() }

func SessionOpened(channel string) { sessionsActive.WithLabelValues(channel).Inc() }
func SessionClosed(channel string) { sessionsActive.WithLabelValues(channel).Dec() }

func UpdateMerged(origin string) { updatesTotal.WithLabelValues(origin).Inc() }

func Malformed(kind string) { malformedTotal.WithLabelValues(kind).Inc() }

func AccessTransition(kind string) { accessTransitionsTotal.WithLabelValues(kind).Inc() }

// PersistResult matches the debouncer's result hook.
func PersistResult(_ string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	persistWritesTotal.WithLabelValues(status).Inc()
	persistDurationMS.Observe(float64(elapsed.Milliseconds()))
}
