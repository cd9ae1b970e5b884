// Package metrics defines the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_messages_total",
		Help: "Messages handled, by channel and direction",
	}, []string{"channel", "direction"})

	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_webhook_requests_total",
		Help: "Webhook HTTP requests, by channel and response status",
	}, []string{"channel", "status"})

	TaskExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_task_executions_total",
		Help: "Scheduled task executions, by result",
	}, []string{"result"})

	TriggerFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_trigger_fires_total",
		Help: "Trigger evaluator fires, by trigger type",
	}, []string{"type"})

	ToolRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_tool_runs_total",
		Help: "Tenant tool subprocess runs, by result",
	}, []string{"result"})

	CliSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concierge_cli_sessions_active",
		Help: "Live agent CLI child processes on this instance",
	})

	BrowserSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concierge_browser_sessions_active",
		Help: "Live browser handles on this instance",
	})

	SchedulerTickSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "concierge_scheduler_tick_seconds",
		Help:    "Duration of scheduler cycles that held the advisory lock",
		Buckets: prometheus.DefBuckets,
	})

	CliPromptSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "concierge_cli_prompt_seconds",
		Help:    "Wall-clock duration of agent CLI prompt round trips",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
	})
)

// RecordTask records one scheduled task execution outcome.
func RecordTask(result string) {
	if result == "" {
		result = "unknown"
	}
	TaskExecutionsTotal.WithLabelValues(result).Inc()
}

// RecordToolRun records one tenant tool subprocess outcome.
func RecordToolRun(result string) {
	if result == "" {
		result = "unknown"
	}
	ToolRunsTotal.WithLabelValues(result).Inc()
}
