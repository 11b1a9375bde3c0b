// Package providers implements StreamProvider backends for the agent
// loop: Anthropic's Claude API and OpenAI-compatible endpoints.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// DefaultAnthropicModel is used when a call does not name a model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Anthropic streams completions from the Claude API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic creates the provider. The API key is required.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultAnthropicModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// Stream implements agent.StreamProvider.
func (p *Anthropic) Stream(ctx context.Context, messages []models.Message, opts agent.StreamOptions) (<-chan agent.ProviderEvent, error) {
	params, err := p.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}

	events := make(chan agent.ProviderEvent, 16)
	go func() {
		defer close(events)
		stream := p.client.Messages.NewStreaming(ctx, params)
		p.pump(stream, events, opts.Model)
	}()
	return events, nil
}

func (p *Anthropic) buildParams(messages []models.Message, opts agent.StreamOptions) (anthropic.MessageNewParams, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	converted, err := convertAnthropicMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: opts.SystemPrompt}}
	}
	if len(opts.Tools) > 0 {
		tools, err := convertAnthropicTools(opts.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if opts.ThinkingBudget >= 1024 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(opts.ThinkingBudget))
	}
	return params, nil
}

// pump forwards SSE events until the stream finishes.
func (p *Anthropic) pump(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, events chan<- agent.ProviderEvent, model string) {
	var currentTool *models.ToolCall
	var toolInput strings.Builder
	usage := &agent.Usage{}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- agent.ProviderEvent{Type: agent.ProviderTextDelta, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- agent.ProviderEvent{Type: agent.ProviderThinkingDelta, Text: delta.Thinking}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				params := toolInput.String()
				if params == "" {
					params = "{}"
				}
				currentTool.Params = json.RawMessage(params)
				events <- agent.ProviderEvent{Type: agent.ProviderToolCall, ToolCall: currentTool}
				currentTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			events <- agent.ProviderEvent{Type: agent.ProviderUsage, Usage: usage}
			events <- agent.ProviderEvent{Type: agent.ProviderDone}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- agent.ProviderEvent{Type: agent.ProviderError, Err: wrapAnthropicError(err, model)}
		return
	}
	events <- agent.ProviderEvent{Type: agent.ProviderDone}
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for i := range messages {
		msg := &messages[i]
		if msg.Role == models.RoleSystem {
			// System prompts ride in params.System.
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.RoleToolResult {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		}

		if text := msg.TextContent(); text != "" {
			content = append(content, anthropic.NewTextBlock(text))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Params, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call params for %s: %w", call.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertAnthropicTools(specs []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		raw := spec.Schema
		if len(raw) == 0 {
			raw = []byte(`{"type":"object"}`)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", spec.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", spec.Name)
		}
		param.OfTool.Description = anthropic.String(spec.Description)
		out = append(out, param)
	}
	return out, nil
}

func wrapAnthropicError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &agent.APIError{
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			Message:    fmt.Sprintf("model %s: %v", model, err),
			Cause:      err,
		}
	}
	return &agent.APIError{Provider: "anthropic", Message: err.Error(), Cause: err}
}
