package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	publishedTotal    *prometheus.CounterVec
	deliveredTotal    *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	abandonedTotal    *prometheus.CounterVec
	duplicatesTotal   prometheus.Counter
	acknowledgedTotal prometheus.Counter

	activeSessions  prometheus.Gauge
	expiredSessions prometheus.Counter

	replayBatchSize prometheus.Histogram
	ackLatency      prometheus.Histogram
	pendingQueue    *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			publishedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "events_published_total",
					Help: "Total envelopes published by event type.",
				},
				[]string{"type"},
			),
			deliveredTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "events_delivered_total",
					Help: "Total envelopes delivered to handlers by event type.",
				},
				[]string{"type"},
			),
			retriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "event_retries_total",
					Help: "Total redelivery attempts by event type.",
				},
				[]string{"type"},
			),
			abandonedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "events_abandoned_total",
					Help: "Total envelopes abandoned after exhausting retries by event type.",
				},
				[]string{"type"},
			),
			duplicatesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "duplicates_detected_total",
					Help: "Total envelopes rejected by the duplicate filter.",
				},
			),
			acknowledgedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "events_acknowledged_total",
					Help: "Total envelopes cleared by cumulative acknowledgment.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current live session count.",
				},
			),
			expiredSessions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_expired_total",
					Help: "Total sessions destroyed by the idle-timeout janitor.",
				},
			),
			replayBatchSize: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "replay_batch_size",
					Help:    "Envelopes replayed per reconnection.",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12),
				},
			),
			ackLatency: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ack_latency_seconds",
					Help:    "Time from publish to cumulative acknowledgment.",
					Buckets: prometheus.DefBuckets,
				},
			),
			pendingQueue: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "pending_queue_size",
					Help: "Unacknowledged envelopes by session.",
				},
				[]string{"session_id"},
			),
		}

		prometheus.MustRegister(
			m.publishedTotal,
			m.deliveredTotal,
			m.retriesTotal,
			m.abandonedTotal,
			m.duplicatesTotal,
			m.acknowledgedTotal,
			m.activeSessions,
			m.expiredSessions,
			m.replayBatchSize,
			m.ackLatency,
			m.pendingQueue,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordPublished(eventType string) {
	getMetrics().publishedTotal.WithLabelValues(eventType).Inc()
}

func RecordDelivered(eventType string) {
	getMetrics().deliveredTotal.WithLabelValues(eventType).Inc()
}

func RecordRetry(eventType string) {
	getMetrics().retriesTotal.WithLabelValues(eventType).Inc()
}

func RecordAbandoned(eventType string) {
	getMetrics().abandonedTotal.WithLabelValues(eventType).Inc()
}

func RecordDuplicate() {
	getMetrics().duplicatesTotal.Inc()
}

func RecordAcknowledged(cleared int) {
	getMetrics().acknowledgedTotal.Add(float64(cleared))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionExpired() {
	getMetrics().expiredSessions.Inc()
}

func RecordReplay(batch int) {
	getMetrics().replayBatchSize.Observe(float64(batch))
}

func ObserveAckLatency(d time.Duration) {
	getMetrics().ackLatency.Observe(d.Seconds())
}

func SetPendingQueueSize(sessionID string, size int) {
	getMetrics().pendingQueue.WithLabelValues(sessionID).Set(float64(size))
}

func DropPendingQueueGauge(sessionID string) {
	getMetrics().pendingQueue.DeleteLabelValues(sessionID)
}
