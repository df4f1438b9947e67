package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values shared by the counters below.
const (
	StatusAttempt = "attempt"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

var (
	// ComponentTransitions counts lifecycle operations per component.
	ComponentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_component_transitions_total",
		Help: "Total number of component lifecycle operations.",
	}, []string{"component", "operation", "status"})

	// ProcessesTotal counts scheduled processes by terminal or intermediate status.
	ProcessesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_processes_total",
		Help: "Total number of process status changes.",
	}, []string{"type", "status"})

	// ProcessDuration measures the duration of process executions.
	ProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_process_duration_seconds",
		Help:    "Duration of process executions in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// SchedulerQueueDepth reports the number of queued processes.
	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_scheduler_queue_depth",
		Help: "Number of processes waiting in the scheduler queue.",
	})

	// SchedulerTicks counts scheduler ticks.
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_scheduler_ticks_total",
		Help: "Total number of scheduler ticks.",
	})

	// BusMessages counts bus messages by type and outcome
	// (sent, delivered, denied, undelivered, handler_error).
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_bus_messages_total",
		Help: "Total number of bus messages by outcome.",
	}, []string{"type", "outcome"})

	// HostState is 1 for the current host state and 0 for the others.
	HostState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_host_state",
		Help: "Current host state.",
	}, []string{"state"})
)
