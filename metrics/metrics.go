// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks open websocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "segment",
		Name:      "active_sessions",
		Help:      "Number of open client sessions.",
	})

	// FramesProcessed counts frames that produced a segmentation reply.
	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "segment",
		Name:      "frames_processed_total",
		Help:      "Frames that completed the inference pipeline.",
	})

	// FramesDropped counts frames rejected by the admission gate.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "segment",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped by backpressure or rate limiting.",
	})

	// InferenceSeconds observes model forward time per mode.
	InferenceSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "segment",
		Name:      "inference_seconds",
		Help:      "Model forward time.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"mode"})
)
