package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facereview_frames_received_total",
		Help: "Total number of frame messages received",
	})

	FramesDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facereview_frames_deduped_total",
		Help: "Frames skipped by the dedupe guard",
	})

	FramesRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facereview_frames_rate_limited_total",
		Help: "Frames rejected by the per-connection rate limit",
	})

	RealtimeDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facereview_realtime_dropped_total",
		Help: "Frames dropped from the live aggregate on storage errors",
	}, []string{"stage"})

	AggregateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "facereview_aggregate_duration_seconds",
		Help:    "Latency of realtime aggregation per frame",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	ClassifierFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facereview_classifier_fallbacks_total",
		Help: "Classifications that fell back to the default distribution",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facereview_active_sessions",
		Help: "Sessions currently held in the session cache",
	})

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facereview_websocket_connections",
		Help: "Open WebSocket connections",
	})

	// Durability channel
	PublishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facereview_publish_total",
		Help: "Frame events published to the durability channel",
	}, []string{"result"}) // ok, error, dropped

	// Finalize
	FinalizeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facereview_finalize_total",
		Help: "Finalize task outcomes",
	}, []string{"result"}) // ok, retry, failed, skipped

	FinalizeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facereview_finalize_queue_depth",
		Help: "Tasks waiting in the finalize queue",
	})

	// Saga
	SagaResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facereview_saga_total",
		Help: "Saga transaction outcomes",
	}, []string{"saga", "status"})
)

// ObserveAggregate записывает длительность агрегации кадра
func ObserveAggregate(start time.Time) {
	AggregateDuration.Observe(time.Since(start).Seconds())
}
