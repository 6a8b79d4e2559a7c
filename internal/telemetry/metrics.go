package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsWrittenTotal counts CSV rows flushed to disk per monitor.
	RowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebpf_monitor_rows_written_total",
			Help: "Total number of CSV rows written",
		},
		[]string{"monitor"},
	)

	// RowsDroppedTotal counts rows discarded because a sink channel was full.
	RowsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebpf_monitor_rows_dropped_total",
			Help: "Total number of rows dropped under output backpressure",
		},
		[]string{"monitor"},
	)

	// DrainErrorsTotal counts per-tick transient drain failures.
	DrainErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebpf_monitor_drain_errors_total",
			Help: "Total number of drain errors",
		},
		[]string{"monitor"},
	)

	// LostEventsTotal counts kernel-side events lost from the perf ring.
	LostEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebpf_monitor_lost_events_total",
			Help: "Total number of events lost in the perf ring buffer",
		},
		[]string{"monitor"},
	)

	// SweepDuration observes how long one aggregating drain tick takes.
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ebpf_monitor_sweep_duration_seconds",
			Help:    "Duration of one stats map sweep",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"monitor"},
	)

	// ActiveMonitors tracks how many monitors are currently running.
	ActiveMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ebpf_monitor_active_monitors",
			Help: "Number of monitors in the Running state",
		},
	)
)
