// Package compaction manages conversation history against a token budget:
// window estimation plus the pruning strategies applied before a provider
// call would overflow the model's context.
package compaction

import (
	"github.com/haasonsaas/openclaw/pkg/models"
)

const (
	// DefaultContextWindow is the fallback window size in tokens.
	DefaultContextWindow = 100000

	// DefaultCharsRatio approximates tokens per text character.
	DefaultCharsRatio = 0.25

	// DefaultImageTokens is the flat cost charged per image block.
	DefaultImageTokens = 768

	// MessageOverheadTokens is the fixed per-message framing cost.
	MessageOverheadTokens = 4

	// CompressThreshold triggers compaction when usage exceeds this
	// fraction of the window.
	CompressThreshold = 0.8
)

// ContextWindow reports estimated usage against a budget.
type ContextWindow struct {
	MaxTokens      int  `json:"max_tokens"`
	CurrentTokens  int  `json:"current_tokens"`
	ShouldCompress bool `json:"should_compress"`
}

// Estimator converts messages to approximate token counts.
type Estimator struct {
	// CharsRatio is tokens per character; zero means DefaultCharsRatio.
	CharsRatio float64
	// ImageTokens is the flat per-image cost; zero means DefaultImageTokens.
	ImageTokens int
}

func (e Estimator) charsRatio() float64 {
	if e.CharsRatio <= 0 {
		return DefaultCharsRatio
	}
	return e.CharsRatio
}

func (e Estimator) imageTokens() int {
	if e.ImageTokens <= 0 {
		return DefaultImageTokens
	}
	return e.ImageTokens
}

// Message estimates tokens for a single message.
func (e Estimator) Message(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	chars := len(msg.Content) + len(msg.Thinking)
	images := 0
	for _, b := range msg.Blocks {
		switch b.Type {
		case "text":
			chars += len(b.Text)
		case "image":
			images++
		}
	}
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Name) + len(tc.Params)
	}
	tokens := MessageOverheadTokens + int(float64(chars)*e.charsRatio())
	tokens += images * e.imageTokens()
	return tokens
}

// Total estimates tokens across all messages.
func (e Estimator) Total(messages []models.Message) int {
	total := 0
	for i := range messages {
		total += e.Message(&messages[i])
	}
	return total
}

// Check reports window usage. maxTokens <= 0 falls back to the default
// window.
func Check(est Estimator, messages []models.Message, maxTokens int) ContextWindow {
	if maxTokens <= 0 {
		maxTokens = DefaultContextWindow
	}
	current := est.Total(messages)
	return ContextWindow{
		MaxTokens:      maxTokens,
		CurrentTokens:  current,
		ShouldCompress: float64(current) > float64(maxTokens)*CompressThreshold,
	}
}
