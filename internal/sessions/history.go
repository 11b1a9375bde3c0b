package sessions

import (
	"strings"

	"github.com/haasonsaas/openclaw/pkg/models"
)

// SanitizeHistory drops messages that cannot be sent to a provider:
// missing or invalid role, or empty content with no tool payload.
func SanitizeHistory(messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if !msg.Role.Valid() {
			continue
		}
		if msg.Empty() {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// LimitHistoryTurns keeps the last n user turns and everything that follows
// the earliest kept user message. n <= 0 returns the input unchanged.
func LimitHistoryTurns(messages []models.Message, n int) []models.Message {
	if n <= 0 || len(messages) == 0 {
		return messages
	}

	userCount := 0
	cut := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			userCount++
			if userCount == n {
				cut = i
				break
			}
		}
	}
	if cut <= 0 {
		return messages
	}

	// System messages ahead of the cut survive the limit.
	out := make([]models.Message, 0, len(messages)-cut)
	for i := 0; i < cut; i++ {
		if messages[i].Role == models.RoleSystem {
			out = append(out, messages[i])
		}
	}
	out = append(out, messages[cut:]...)
	return out
}

// ValidateAnthropicTurns merges consecutive user messages, which Anthropic
// endpoints reject. The transform is idempotent and leaves everything else
// untouched.
func ValidateAnthropicTurns(messages []models.Message) []models.Message {
	return mergeConsecutive(messages, models.RoleUser)
}

// ValidateGeminiTurns merges consecutive assistant messages for Gemini
// targets. Idempotent.
func ValidateGeminiTurns(messages []models.Message) []models.Message {
	return mergeConsecutive(messages, models.RoleAssistant)
}

func mergeConsecutive(messages []models.Message, role models.Role) []models.Message {
	if len(messages) < 2 {
		return messages
	}

	out := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			// Messages carrying tool payloads keep their own turn.
			if prev.Role == role && msg.Role == role &&
				len(prev.ToolCalls) == 0 && len(msg.ToolCalls) == 0 &&
				prev.ToolCallID == "" && msg.ToolCallID == "" {
				prev.Content = joinTurnText(prev.TextContent(), msg.TextContent())
				prev.Blocks = nil
				if msg.Timestamp.After(prev.Timestamp) {
					prev.Timestamp = msg.Timestamp
				}
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

func joinTurnText(a, b string) string {
	a = strings.TrimRight(a, "\n")
	b = strings.TrimLeft(b, "\n")
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}
