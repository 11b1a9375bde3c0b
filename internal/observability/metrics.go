package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
//
// Everything is registered with the default registry so the standard
// promhttp handler exposes it.
type Metrics struct {
	// InboundMessages counts messages received per channel.
	// Labels: channel, chat_type (direct|group)
	InboundMessages *prometheus.CounterVec

	// RepliesSent counts deliveries per channel.
	// Labels: channel, kind (text|media|voice)
	RepliesSent *prometheus.CounterVec

	// RepliesSuppressed counts turns that produced no outbound message.
	// Labels: reason (no_reply_token|empty|group_policy)
	RepliesSuppressed *prometheus.CounterVec

	// DedupeHits counts inbound messages dropped as duplicates.
	DedupeHits prometheus.Counter

	// AgentTurns counts agent runs by outcome.
	// Labels: agent, status (success|error|timeout)
	AgentTurns *prometheus.CounterVec

	// AgentTurnDuration measures wall time per agent run in seconds.
	AgentTurnDuration *prometheus.HistogramVec

	// ProviderTokens counts tokens by provider, model, and direction.
	// Labels: provider, model, type (input|output)
	ProviderTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// CronRuns counts scheduler job executions.
	// Labels: status (ok|error|skipped)
	CronRuns *prometheus.CounterVec

	// GatewayConnections tracks live WebSocket clients.
	GatewayConnections prometheus.Gauge

	// BusEventsDropped counts events dropped on slow subscribers.
	BusEventsDropped prometheus.Counter
}

// NewMetrics registers all collectors with the default registry. Call
// once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		InboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_inbound_messages_total",
			Help: "Inbound messages by channel and chat type",
		}, []string{"channel", "chat_type"}),

		RepliesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_replies_sent_total",
			Help: "Outbound deliveries by channel and payload kind",
		}, []string{"channel", "kind"}),

		RepliesSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_replies_suppressed_total",
			Help: "Agent turns that produced no outbound message",
		}, []string{"reason"}),

		DedupeHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "openclaw_dedupe_hits_total",
			Help: "Inbound messages dropped as duplicates",
		}),

		AgentTurns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_agent_turns_total",
			Help: "Agent runs by agent and outcome",
		}, []string{"agent", "status"}),

		AgentTurnDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openclaw_agent_turn_duration_seconds",
			Help:    "Wall time per agent run",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"agent"}),

		ProviderTokens: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_provider_tokens_total",
			Help: "Tokens consumed by provider, model, and direction",
		}, []string{"provider", "model", "type"}),

		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_tool_executions_total",
			Help: "Tool invocations by tool and status",
		}, []string{"tool", "status"}),

		CronRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_cron_runs_total",
			Help: "Scheduler job executions by status",
		}, []string{"status"}),

		GatewayConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "openclaw_gateway_connections",
			Help: "Live WebSocket clients",
		}),

		BusEventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "openclaw_bus_events_dropped_total",
			Help: "Events dropped on slow subscribers",
		}),
	}
}

// MessageReceived records one inbound message.
func (m *Metrics) MessageReceived(channel, chatType string) {
	m.InboundMessages.WithLabelValues(channel, chatType).Inc()
}

// ReplySent records one outbound delivery.
func (m *Metrics) ReplySent(channel, kind string) {
	m.RepliesSent.WithLabelValues(channel, kind).Inc()
}

// ReplySuppressed records a turn with no delivery.
func (m *Metrics) ReplySuppressed(reason string) {
	m.RepliesSuppressed.WithLabelValues(reason).Inc()
}

// RecordTurn records an agent run outcome with its duration.
func (m *Metrics) RecordTurn(agent, status string, seconds float64) {
	m.AgentTurns.WithLabelValues(agent, status).Inc()
	m.AgentTurnDuration.WithLabelValues(agent).Observe(seconds)
}

// RecordTokens records provider token usage.
func (m *Metrics) RecordTokens(provider, model string, input, output int) {
	if input > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "input").Add(float64(input))
	}
	if output > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "output").Add(float64(output))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}

// RecordCronRun records one scheduler execution.
func (m *Metrics) RecordCronRun(status string) {
	m.CronRuns.WithLabelValues(status).Inc()
}
