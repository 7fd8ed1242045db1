package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurex_tokens_emitted_total",
		Help: "The total number of output tokens emitted by all sessions",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "aurex_step_duration_seconds",
		Help: "Duration of single FSM step invocations",
	})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aurex_fsm_transitions_total",
		Help: "Total FSM state transitions by source and destination state",
	}, []string{"from", "to"})

	InvalidTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurex_fsm_invalid_transitions_total",
		Help: "Total events rejected as invalid for the current FSM state",
	})

	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurex_fsm_rollbacks_total",
		Help: "Total rollback events processed",
	})

	TierUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aurex_tier_used_bytes",
		Help: "Current bytes resident in each memory tier",
	}, []string{"tier"})

	TierCapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aurex_tier_capacity_bytes",
		Help: "Configured byte capacity of each memory tier",
	}, []string{"tier"})

	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aurex_tier_allocations_total",
		Help: "Total block allocations placed per tier",
	}, []string{"tier"})

	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aurex_tier_evictions_total",
		Help: "Total blocks evicted out of each tier",
	}, []string{"tier"})

	SpilledBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurex_spilled_blocks_total",
		Help: "Total blocks written to the backing store",
	})

	FetchedBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurex_fetched_blocks_total",
		Help: "Total blocks read back from the backing store",
	})

	OutOfMemoryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurex_out_of_memory_total",
		Help: "Total allocation requests that failed after a full eviction cascade",
	})

	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aurex_dispatch_total",
		Help: "Total operations dispatched, by operation and backend",
	}, []string{"op", "backend"})

	DispatchFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aurex_dispatch_fallbacks_total",
		Help: "Total dispatches that fell back from the preferred backend",
	}, []string{"op"})

	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurex_dispatch_failures_total",
		Help: "Total dispatches that failed on both preferred and fallback backends",
	})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aurex_dispatch_duration_seconds",
		Help:    "Histogram of per-operation dispatch latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	KernelCompiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aurex_kernel_compiles_total",
		Help: "Total kernel compilations performed, by target backend",
	}, []string{"target"})

	KernelCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurex_kernel_cache_hits_total",
		Help: "Total kernel cache lookups satisfied without compilation",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aurex_sessions_active",
		Help: "Number of inference sessions currently running",
	})
)

func RecordStep(duration time.Duration) {
	StepDuration.Observe(duration.Seconds())
}

func RecordTransition(from, to string) {
	StateTransitions.WithLabelValues(from, to).Inc()
}

func RecordTierUsage(tier string, used, capacity int64) {
	TierUsedBytes.WithLabelValues(tier).Set(float64(used))
	TierCapacityBytes.WithLabelValues(tier).Set(float64(capacity))
}

func RecordAllocation(tier string) {
	Allocations.WithLabelValues(tier).Inc()
}

func RecordEviction(tier string) {
	Evictions.WithLabelValues(tier).Inc()
}

func RecordDispatch(op, backendName string, duration time.Duration) {
	DispatchTotal.WithLabelValues(op, backendName).Inc()
	DispatchDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordFallback(op string) {
	DispatchFallbacks.WithLabelValues(op).Inc()
}

func RecordKernelCompile(target string) {
	KernelCompiles.WithLabelValues(target).Inc()
}
