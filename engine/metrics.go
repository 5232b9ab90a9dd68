package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWaitingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvflow_waiting_requests",
		Help: "Number of requests in the waiting queue.",
	})
	metricRunningRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvflow_running_requests",
		Help: "Number of requests in the running batch.",
	})
	metricUsedKVBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvflow_used_kv_blocks",
		Help: "KV cache blocks currently in use across all cache groups.",
	})
	metricPreemptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvflow_preemptions_total",
		Help: "Requests preempted to reclaim KV cache capacity.",
	})
	metricSleeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvflow_sleeps_total",
		Help: "Sleep transitions, labeled by whether state was preserved.",
	}, []string{"preserve_state"})
	metricWakes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvflow_wakes_total",
		Help: "Wake transitions.",
	})
	metricStateResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvflow_engine_state_resets_total",
		Help: "Recovered sleep/wake failures that reset the engine to an empty state.",
	})
	metricCheckpointSaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvflow_checkpoint_saves_total",
		Help: "Checkpoints saved on preserving sleep.",
	})
	metricCheckpointLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvflow_checkpoint_loads_total",
		Help: "Checkpoints successfully loaded on wake.",
	})
	metricCheckpointDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvflow_checkpoint_drops_total",
		Help: "Structurally invalid checkpoints dropped and treated as absent.",
	})
)
