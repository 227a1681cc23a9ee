// Package metrics exposes process-wide Prometheus instruments for the
// tool executor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsgate_tool_calls_total",
		Help: "Tool invocations by tool name and outcome.",
	}, []string{"tool", "outcome"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsgate_tool_call_duration_seconds",
		Help:    "Tool call latency.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"tool"})

	artifactSpills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsgate_artifact_spills_total",
		Help: "Large inline values spilled to artifact storage.",
	})
)

// ObserveToolCall records one executor invocation.
func ObserveToolCall(tool string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	toolCalls.WithLabelValues(tool, outcome).Inc()
	toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveSpill records one artifact spill.
func ObserveSpill() {
	artifactSpills.Inc()
}
