package agent

import (
	"time"

	"github.com/haasonsaas/openclaw/internal/tools"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// EventType enumerates turn lifecycle events. Per provider call the
// loop emits TurnStart, MessageStart, streaming deltas, MessageEnd,
// TurnEnd; tool executions for that batch follow the TurnEnd.
type EventType string

const (
	EventTurnStart          EventType = "turn_start"
	EventMessageStart       EventType = "message_start"
	EventThinkingDelta      EventType = "thinking_delta"
	EventTextDelta          EventType = "text_delta"
	EventMessageUpdate      EventType = "message_update"
	EventToolCall           EventType = "tool_call"
	EventMessageEnd         EventType = "message_end"
	EventTurnEnd            EventType = "turn_end"
	EventToolExecutionStart EventType = "tool_execution_start"
	EventToolExecutionEnd   EventType = "tool_execution_end"
	EventToolsSkipped       EventType = "tools_skipped"
	EventSteeringInjected   EventType = "steering_injected"
	EventError              EventType = "error"
)

// Event is one turn-loop event delivered to the Run channel.
type Event struct {
	Type EventType

	// Turn counts provider calls within one Run, starting at 1.
	Turn int

	// Text carries the delta for thinking/text events and the
	// accumulated text for message_update.
	Text string

	// Message is set on message_end (the assistant message) and on
	// steering_injected (the injected user message).
	Message *models.Message

	// ToolCall is set on tool_call and tool_execution_* events.
	ToolCall *models.ToolCall

	// Result is set on tool_execution_end.
	Result *tools.Result

	// Usage is set on message_end when the provider reported it.
	Usage *Usage

	// Err is set on error events.
	Err error

	Timestamp time.Time
}
