package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksEnqueuedTotal counts tasks accepted by the queue.
	TasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smebot_tasks_enqueued_total",
			Help: "Total number of tasks enqueued.",
		},
		[]string{"task_type"},
	)

	// TasksFinishedTotal counts tasks reaching a terminal state.
	TasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smebot_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state.",
		},
		[]string{"task_type", "status"},
	)

	// TaskRetriesTotal counts scheduled retries.
	TaskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smebot_task_retries_total",
			Help: "Total number of task retries scheduled.",
		},
		[]string{"task_type"},
	)

	// TaskDurationSeconds observes single handler executions.
	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smebot_task_duration_seconds",
			Help:    "Duration of task handler executions in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"task_type"},
	)

	// QueuePendingGauge is the number of tasks waiting for a worker.
	QueuePendingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smebot_queue_pending",
			Help: "Number of tasks waiting in the queue.",
		},
	)

	// QueueProcessingGauge is the number of tasks held by workers.
	QueueProcessingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smebot_queue_processing",
			Help: "Number of tasks currently being processed.",
		},
	)

	// WebhookEventsTotal counts inbound LINE events by route taken.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smebot_webhook_events_total",
			Help: "Total number of webhook events received.",
		},
		[]string{"event_type", "route"},
	)

	// BatchFlushesTotal counts batch flushes by trigger.
	BatchFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smebot_batch_flushes_total",
			Help: "Total number of batch flushes.",
		},
		[]string{"trigger"},
	)

	// BatchSize observes the number of events per flushed batch.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smebot_batch_size",
			Help:    "Number of events per flushed batch.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	// RateLimitRejectionsTotal counts requests refused by a token bucket.
	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smebot_rate_limit_rejections_total",
			Help: "Total number of rate limit rejections.",
		},
		[]string{"scope"},
	)

	// CircuitStateGauge is 0 closed, 1 open, 2 half-open.
	CircuitStateGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smebot_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		},
	)

	// LLMRequestDurationSeconds is a histogram for the duration of completion requests.
	LLMRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smebot_llm_request_duration_seconds",
			Help:    "Duration of LLM completion requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// LLMTokensTotal counts tokens reported by the completion API.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smebot_llm_tokens_total",
			Help: "Total number of LLM tokens used.",
		},
		[]string{"kind"},
	)

	// ConversationMessagesTotal counts stored conversation messages.
	ConversationMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smebot_conversation_messages_total",
			Help: "Total number of conversation messages stored.",
		},
		[]string{"role"},
	)
)
