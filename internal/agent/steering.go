package agent

import (
	"context"
	"sync"

	"github.com/haasonsaas/openclaw/pkg/models"
)

// SteeringMessage interrupts a running turn. After the in-flight tool
// finishes, remaining tool calls in the batch are skipped and the
// steering content is injected as a user message.
type SteeringMessage struct {
	Content     string
	Role        models.Role // defaults to user
	Attachments []models.Attachment
}

// FollowUpMessage is queued work the loop picks up when it would
// otherwise stop.
type FollowUpMessage struct {
	Content     string
	Role        models.Role
	Attachments []models.Attachment
}

// SteeringMode controls how many queued steering messages one check
// delivers.
type SteeringMode string

const (
	SteeringModeOneAtATime SteeringMode = "one-at-a-time"
	SteeringModeAll        SteeringMode = "all"
)

// FollowUpMode controls follow-up delivery the same way.
type FollowUpMode string

const (
	FollowUpModeOneAtATime FollowUpMode = "one-at-a-time"
	FollowUpModeAll        FollowUpMode = "all"
)

// SteeringQueue holds steering and follow-up messages for one session.
// Safe for concurrent use.
type SteeringQueue struct {
	mu           sync.Mutex
	steering     []*SteeringMessage
	followUp     []*FollowUpMessage
	steeringMode SteeringMode
	followUpMode FollowUpMode
}

// NewSteeringQueue creates a queue with one-at-a-time delivery.
func NewSteeringQueue() *SteeringQueue {
	return &SteeringQueue{
		steeringMode: SteeringModeOneAtATime,
		followUpMode: FollowUpModeOneAtATime,
	}
}

// SetSteeringMode configures steering delivery.
func (q *SteeringQueue) SetSteeringMode(mode SteeringMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steeringMode = mode
}

// SetFollowUpMode configures follow-up delivery.
func (q *SteeringQueue) SetFollowUpMode(mode FollowUpMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUpMode = mode
}

// Steer queues a steering message.
func (q *SteeringQueue) Steer(msg *SteeringMessage) {
	if msg == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = append(q.steering, msg)
}

// SteerText queues a text steering message.
func (q *SteeringQueue) SteerText(content string) {
	q.Steer(&SteeringMessage{Content: content})
}

// FollowUp queues a follow-up message.
func (q *SteeringQueue) FollowUp(msg *FollowUpMessage) {
	if msg == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUp = append(q.followUp, msg)
}

// FollowUpText queues a text follow-up message.
func (q *SteeringQueue) FollowUpText(content string) {
	q.FollowUp(&FollowUpMessage{Content: content})
}

// TakeSteering pops pending steering messages per the configured mode.
// Called after each tool execution.
func (q *SteeringQueue) TakeSteering() []*SteeringMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.steering) == 0 {
		return nil
	}
	if q.steeringMode == SteeringModeAll {
		msgs := q.steering
		q.steering = nil
		return msgs
	}
	msg := q.steering[0]
	q.steering = q.steering[1:]
	return []*SteeringMessage{msg}
}

// TakeFollowUps pops pending follow-ups per the configured mode.
// Called when the loop would otherwise stop.
func (q *SteeringQueue) TakeFollowUps() []*FollowUpMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.followUp) == 0 {
		return nil
	}
	if q.followUpMode == FollowUpModeAll {
		msgs := q.followUp
		q.followUp = nil
		return msgs
	}
	msg := q.followUp[0]
	q.followUp = q.followUp[1:]
	return []*FollowUpMessage{msg}
}

// HasSteering reports whether steering messages are queued.
func (q *SteeringQueue) HasSteering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) > 0
}

// HasFollowUp reports whether follow-up messages are queued.
func (q *SteeringQueue) HasFollowUp() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.followUp) > 0
}

// Clear drops everything queued.
func (q *SteeringQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
	q.followUp = nil
}

type steeringQueueKey struct{}

// WithSteeringQueue stores a steering queue in the context so the
// dispatcher can reach a running turn.
func WithSteeringQueue(ctx context.Context, queue *SteeringQueue) context.Context {
	return context.WithValue(ctx, steeringQueueKey{}, queue)
}

// SteeringQueueFromContext retrieves the steering queue, or nil.
func SteeringQueueFromContext(ctx context.Context) *SteeringQueue {
	queue, _ := ctx.Value(steeringQueueKey{}).(*SteeringQueue)
	return queue
}

// ThinkingLevel selects the reasoning depth for supporting models.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingMax     ThinkingLevel = "max"
)

// ThinkingBudgets maps levels to token budgets.
var ThinkingBudgets = map[ThinkingLevel]int{
	ThinkingOff:     0,
	ThinkingMinimal: 1024,
	ThinkingLow:     4096,
	ThinkingMedium:  16384,
	ThinkingHigh:    65536,
	ThinkingMax:     100000,
}

// ThinkingBudget returns the token budget for a level.
func ThinkingBudget(level ThinkingLevel) int {
	return ThinkingBudgets[level]
}

type thinkingLevelKey struct{}

// WithThinkingLevel stores a thinking level in the context.
func WithThinkingLevel(ctx context.Context, level ThinkingLevel) context.Context {
	return context.WithValue(ctx, thinkingLevelKey{}, level)
}

// ThinkingLevelFromContext retrieves the thinking level, defaulting to
// off.
func ThinkingLevelFromContext(ctx context.Context) ThinkingLevel {
	level, ok := ctx.Value(thinkingLevelKey{}).(ThinkingLevel)
	if !ok {
		return ThinkingOff
	}
	return level
}

// SkippedToolResult builds the tool-result message recorded for a tool
// call skipped by steering.
func SkippedToolResult(toolCallID, reason string) models.Message {
	if reason == "" {
		reason = "Skipped due to steering message"
	}
	return models.Message{
		Role:       models.RoleToolResult,
		ToolCallID: toolCallID,
		Content:    reason,
	}
}
