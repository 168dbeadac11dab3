package monitoring

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chat-engine/internal/store"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_length_total",
			Help: "Current number of waiting customers per preferred language",
		},
		[]string{"language"},
	)

	elevatedWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_elevated_total",
			Help: "Waiting customers whose priority was escalated",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sessions_active_total",
			Help: "Current number of active chat sessions",
		},
	)

	availableProviders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "providers_available_total",
			Help: "Providers currently taking sessions",
		},
	)

	freeSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provider_free_slots_total",
			Help: "Unused session slots across available providers",
		},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "status"},
	)

	sessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sessions_started_total",
			Help: "Chat sessions started, including transfer targets",
		},
	)

	sessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sessions_ended_total",
			Help: "Chat sessions ended by reason",
		},
		[]string{"reason"},
	)

	heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeats_total",
			Help: "Heartbeats by outcome",
		},
		[]string{"result"},
	)

	billedAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billed_minor_units_total",
			Help: "Money debited from wallets, in minor units",
		},
	)

	matchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_outcomes_total",
			Help: "Provider selections by outcome",
		},
		[]string{"outcome"},
	)

	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_session_duration_seconds",
			Help:    "Wall-clock length of ended sessions",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

// SnapshotFunc reads the gauges' source state.
type SnapshotFunc func(ctx context.Context) (store.Snapshot, error)

// Monitor records engine metrics. A nil *Monitor records nothing.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

// Collect refreshes gauges from snapshot every interval until ctx is done.
func (m *Monitor) Collect(ctx context.Context, interval time.Duration, snapshot SnapshotFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.collectOnce(ctx, snapshot)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) collectOnce(ctx context.Context, snapshot SnapshotFunc) {
	snap, err := snapshot(ctx)
	if err != nil {
		slog.Warn("Failed to collect metrics snapshot", "error", err)
		return
	}

	queueLength.Reset()
	for lang, n := range snap.Queue.WaitingByLanguage {
		queueLength.WithLabelValues(lang).Set(float64(n))
	}
	elevatedWaiting.Set(float64(snap.Queue.ElevatedCount))
	activeSessions.Set(float64(snap.ActiveSessions))
	availableProviders.Set(float64(snap.AvailableProviders))
	freeSlots.Set(float64(snap.FreeSlots))
	goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Track queue operations
func (m *Monitor) TrackQueueOperation(operation, status string) {
	if m == nil {
		return
	}
	queueOperations.WithLabelValues(operation, status).Inc()
}

func (m *Monitor) TrackSessionStarted() {
	if m == nil {
		return
	}
	sessionsStarted.Inc()
}

func (m *Monitor) TrackSessionEnded(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	sessionsEnded.WithLabelValues(reason).Inc()
	sessionDuration.Observe(duration.Seconds())
}

// TrackHeartbeat counts one heartbeat and the amount it debited.
func (m *Monitor) TrackHeartbeat(result string, charged int64) {
	if m == nil {
		return
	}
	heartbeats.WithLabelValues(result).Inc()
	if charged > 0 {
		billedAmount.Add(float64(charged))
	}
}

func (m *Monitor) TrackMatch(outcome string) {
	if m == nil {
		return
	}
	matchOutcomes.WithLabelValues(outcome).Inc()
}
