package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// DefaultOpenAIModel is used when a call does not name a model.
const DefaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI provider. BaseURL lets it point
// at any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAI streams completions from an OpenAI-compatible API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAI creates the provider. The API key is required.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultOpenAIModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

// Stream implements agent.StreamProvider.
func (p *OpenAI) Stream(ctx context.Context, messages []models.Message, opts agent.StreamOptions) (<-chan agent.ProviderEvent, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(messages, opts.SystemPrompt),
		Stream:   true,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if len(opts.Tools) > 0 {
		req.Tools = convertOpenAITools(opts.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err, model)
	}

	events := make(chan agent.ProviderEvent, 16)
	go func() {
		defer close(events)
		defer stream.Close()
		p.pump(stream, events, model)
	}()
	return events, nil
}

// pump reads stream chunks, accumulating tool calls by index until the
// finish reason marks them complete.
func (p *OpenAI) pump(stream *openai.ChatCompletionStream, events chan<- agent.ProviderEvent, model string) {
	pending := make(map[int]*models.ToolCall)
	pendingArgs := make(map[int]*strings.Builder)
	order := []int{}

	flushTools := func() {
		for _, idx := range order {
			call := pending[idx]
			if call == nil || call.ID == "" || call.Name == "" {
				continue
			}
			args := pendingArgs[idx].String()
			if args == "" {
				args = "{}"
			}
			call.Params = json.RawMessage(args)
			events <- agent.ProviderEvent{Type: agent.ProviderToolCall, ToolCall: call}
		}
		pending = make(map[int]*models.ToolCall)
		pendingArgs = make(map[int]*strings.Builder)
		order = order[:0]
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushTools()
				events <- agent.ProviderEvent{Type: agent.ProviderDone}
				return
			}
			events <- agent.ProviderEvent{Type: agent.ProviderError, Err: wrapOpenAIError(err, model)}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			events <- agent.ProviderEvent{Type: agent.ProviderTextDelta, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := pending[index]
			if !ok {
				call = &models.ToolCall{}
				pending[index] = call
				pendingArgs[index] = &strings.Builder{}
				order = append(order, index)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pendingArgs[index].WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushTools()
		}
	}
}

func convertOpenAIMessages(messages []models.Message, systemPrompt string) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.TextContent(),
			})
		case models.RoleToolResult:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.TextContent(),
			}
			for _, call := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Params),
					},
				})
			}
			out = append(out, oaiMsg)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.TextContent(),
			})
		}
	}
	return out
}

func convertOpenAITools(specs []agent.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		var schema map[string]any
		raw := spec.Schema
		if len(raw) == 0 {
			raw = []byte(`{"type":"object"}`)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func wrapOpenAIError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &agent.APIError{
			Provider:   "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Message:    fmt.Sprintf("model %s: %s", model, apiErr.Message),
			Cause:      err,
		}
	}
	return &agent.APIError{Provider: "openai", Message: err.Error(), Cause: err}
}
