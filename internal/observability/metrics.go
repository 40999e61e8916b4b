package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared across the engine.
// Registered once at startup and passed by reference to components that
// observe turns, tool calls, cache flushes, and coalescer batches.
type Metrics struct {
	TurnDuration    prometheus.Histogram
	TurnsTotal      *prometheus.CounterVec
	ToolCallsTotal  *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	CacheFlushTotal prometheus.Counter
	CacheEvictTotal prometheus.Counter
	CoalescerBatch  prometheus.Histogram
	SubAgentDepth   prometheus.Histogram
}

// NewMetrics constructs and registers all collectors against reg. Passing a
// fresh prometheus.NewRegistry() in tests avoids collisions with the global
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexus_turn_duration_seconds",
			Help:    "Duration of a full dispatcher turn.",
			Buckets: prometheus.DefBuckets,
		}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_turns_total",
			Help: "Completed dispatcher turns by terminal outcome.",
		}, []string{"outcome"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_tool_duration_seconds",
			Help:    "Tool execution duration by tool name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		CacheFlushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_session_cache_flush_total",
			Help: "Dirty session-cache entries persisted by FlushAllDirty.",
		}),
		CacheEvictTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_session_cache_evict_total",
			Help: "Sessions evicted from the active session cache.",
		}),
		CoalescerBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexus_coalescer_batch_size",
			Help:    "Number of messages merged per coalesced batch.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),
		SubAgentDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexus_subagent_depth",
			Help:    "Depth of spawned sub-agents.",
			Buckets: []float64{0, 1, 2, 3},
		}),
	}
	reg.MustRegister(m.TurnDuration, m.TurnsTotal, m.ToolCallsTotal, m.ToolDuration,
		m.CacheFlushTotal, m.CacheEvictTotal, m.CoalescerBatch, m.SubAgentDepth)
	return m
}
