package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksTransitionedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_transitioned_total",
			Help: "Total number of task status transitions",
		},
		[]string{"status"},
	)
	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_in_flight",
			Help: "Number of tasks currently assigned to workers",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Number of pending tasks per dispatch queue",
		},
		[]string{"service", "model"},
	)
	TokenAcquireWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "token_acquire_wait_seconds",
			Help:    "Estimated wait for rate-limit token acquisition",
			Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	LLMCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "model"},
	)
	LLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total tokens consumed by LLM calls",
		},
		[]string{"service", "model", "direction"},
	)
	InterviewsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interviews_finalized_total",
			Help: "Total interviews reaching a terminal state",
		},
		[]string{"state"},
	)
	DeadWorkersRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dead_workers_recovered_total",
			Help: "Total dead workers whose tasks were requeued",
		},
	)
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_active",
			Help: "Number of registered live workers",
		},
	)
)

// InitMetrics registers all engine metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(TasksTransitionedTotal)
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TokenAcquireWaitSeconds)
	prometheus.MustRegister(LLMCallDuration)
	prometheus.MustRegister(LLMTokensTotal)
	prometheus.MustRegister(InterviewsFinalizedTotal)
	prometheus.MustRegister(DeadWorkersRecoveredTotal)
	prometheus.MustRegister(WorkersActive)
}

// ObserveTransition records one task status transition.
func ObserveTransition(status string) {
	TasksTransitionedTotal.WithLabelValues(status).Inc()
}

// ObserveLLMTokens records actual token usage for a completed call.
func ObserveLLMTokens(service, model string, input, output int) {
	LLMTokensTotal.WithLabelValues(service, model, "input").Add(float64(input))
	LLMTokensTotal.WithLabelValues(service, model, "output").Add(float64(output))
}
