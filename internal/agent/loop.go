package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/openclaw/internal/infra"
	"github.com/haasonsaas/openclaw/internal/tools"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// Loop defaults.
const (
	DefaultMaxIterations = 10
	DefaultMaxTokens     = 4096
	DefaultMaxRetries    = 2
)

// Config parameterizes the turn loop.
type Config struct {
	// Model is the primary model id.
	Model string

	// FallbackModels are tried in order once the primary model's
	// retries are exhausted.
	FallbackModels []string

	SystemPrompt  string
	MaxTokens     int
	MaxIterations int

	// MaxRetries is the retry budget per model for retryable provider
	// errors.
	MaxRetries int

	// TurnTimeout bounds one whole Run; zero disables it.
	TurnTimeout time.Duration
}

// ToolSource is the slice of the tool registry the loop consumes. Both
// the full registry and a policy-filtered view satisfy it.
type ToolSource interface {
	List() []tools.Tool
	Execute(ctx context.Context, name string, inv *tools.Invocation) (*tools.Result, error)
}

// Loop drives streamed provider calls and tool execution for one
// session turn.
type Loop struct {
	provider StreamProvider
	registry ToolSource
	config   Config
	logger   *slog.Logger

	// onMessage receives every message the loop appends (assistant,
	// tool results, injected steering), in order.
	onMessage func(models.Message)

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// WithOnMessage registers the append callback.
func WithOnMessage(fn func(models.Message)) LoopOption {
	return func(l *Loop) { l.onMessage = fn }
}

// WithSleep overrides the retry sleep, for tests.
func WithSleep(fn func(time.Duration)) LoopOption {
	return func(l *Loop) { l.sleep = fn }
}

// NewLoop creates a turn loop.
func NewLoop(provider StreamProvider, registry ToolSource, config Config, opts ...LoopOption) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	l := &Loop{
		provider: provider,
		registry: registry,
		config:   config,
		logger:   slog.Default().With("component", "agent"),
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) appendMessage(messages *[]models.Message, msg models.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	*messages = append(*messages, msg)
	if l.onMessage != nil {
		l.onMessage(msg)
	}
}

// Run executes the loop over the given history. Events stream on the
// returned channel, which is closed when the run finishes.
func (l *Loop) Run(ctx context.Context, history []models.Message) (<-chan Event, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		if l.config.TurnTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, l.config.TurnTimeout)
			defer cancel()
		}
		l.run(ctx, history, events)
	}()
	return events, nil
}

func (l *Loop) run(ctx context.Context, history []models.Message, events chan<- Event) {
	emit := func(e Event) {
		e.Timestamp = time.Now()
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}

	messages := make([]models.Message, len(history))
	copy(messages, history)

	queue := SteeringQueueFromContext(ctx)
	turn := 0

	for iter := 0; iter < l.config.MaxIterations; iter++ {
		if ctx.Err() != nil {
			emit(Event{Type: EventError, Turn: turn, Err: ctx.Err()})
			return
		}

		turn++
		emit(Event{Type: EventTurnStart, Turn: turn})
		emit(Event{Type: EventMessageStart, Turn: turn})

		assistant, usage, err := l.streamWithFallback(ctx, messages, turn, emit)
		if err != nil {
			emit(Event{Type: EventError, Turn: turn, Err: err})
			emit(Event{Type: EventTurnEnd, Turn: turn})
			return
		}

		l.appendMessage(&messages, assistant)
		emit(Event{Type: EventMessageEnd, Turn: turn, Message: &assistant, Usage: usage})
		emit(Event{Type: EventTurnEnd, Turn: turn})

		if len(assistant.ToolCalls) == 0 {
			if queue != nil {
				if followUps := queue.TakeFollowUps(); len(followUps) > 0 {
					for _, fu := range followUps {
						msg := followUpMessage(fu)
						l.appendMessage(&messages, msg)
					}
					continue
				}
			}
			return
		}

		steered := false
		for i := range assistant.ToolCalls {
			call := assistant.ToolCalls[i]

			if steered {
				emit(Event{Type: EventToolsSkipped, Turn: turn, ToolCall: &call})
				l.appendMessage(&messages, SkippedToolResult(call.ID, ""))
				continue
			}

			emit(Event{Type: EventToolExecutionStart, Turn: turn, ToolCall: &call})
			result, execErr := l.registry.Execute(ctx, call.Name, &tools.Invocation{
				CallID: call.ID,
				Params: call.Params,
			})
			if execErr != nil {
				if errors.Is(execErr, context.Canceled) {
					emit(Event{Type: EventError, Turn: turn, Err: execErr})
					return
				}
				result = tools.ErrorResult(execErr.Error())
			}
			l.appendMessage(&messages, toolResultMessage(call, result))
			emit(Event{Type: EventToolExecutionEnd, Turn: turn, ToolCall: &call, Result: result})

			if queue != nil && queue.HasSteering() {
				steered = true
			}
		}

		if steered && queue != nil {
			for _, sm := range queue.TakeSteering() {
				msg := steeringMessage(sm)
				l.appendMessage(&messages, msg)
				emit(Event{Type: EventSteeringInjected, Turn: turn, Message: &msg})
			}
		}
	}

	emit(Event{Type: EventError, Turn: turn, Err: ErrMaxIterations})
}

// streamWithFallback walks the model chain, spending the per-model
// retry budget on retryable errors before advancing.
func (l *Loop) streamWithFallback(ctx context.Context, messages []models.Message, turn int, emit func(Event)) (models.Message, *Usage, error) {
	chain := append([]string{l.config.Model}, l.config.FallbackModels...)
	var lastErr error

	for _, model := range chain {
		backoff := &infra.Backoff{Base: 500 * time.Millisecond, Cap: 10 * time.Second, Jitter: 0.2}
		for attempt := 0; ; attempt++ {
			assistant, usage, err := l.streamOnce(ctx, messages, model, turn, emit)
			if err == nil {
				return assistant, usage, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return models.Message{}, nil, ctx.Err()
			}
			if !IsRetryable(err) || attempt >= l.config.MaxRetries {
				l.logger.Warn("model failed, advancing fallback chain",
					"model", model, "attempts", attempt+1, "error", err)
				break
			}
			l.logger.Warn("provider call failed, retrying",
				"model", model, "attempt", attempt+1, "error", err)
			l.sleep(backoff.Next())
		}
	}
	return models.Message{}, nil, fmt.Errorf("%w: %v", ErrAllModelsFailed, lastErr)
}

// streamOnce performs a single provider call, forwarding deltas as
// events and accumulating the assistant message.
func (l *Loop) streamOnce(ctx context.Context, messages []models.Message, model string, turn int, emit func(Event)) (models.Message, *Usage, error) {
	opts := StreamOptions{
		Model:          model,
		SystemPrompt:   l.config.SystemPrompt,
		MaxTokens:      l.config.MaxTokens,
		ThinkingBudget: ThinkingBudget(ThinkingLevelFromContext(ctx)),
	}
	if l.registry != nil {
		for _, tool := range l.registry.List() {
			opts.Tools = append(opts.Tools, ToolSpec{
				Name:        tool.Name(),
				Description: tool.Description(),
				Schema:      tool.Schema(),
			})
		}
	}

	ch, err := l.provider.Stream(ctx, messages, opts)
	if err != nil {
		return models.Message{}, nil, err
	}

	assistant := models.Message{Role: models.RoleAssistant}
	var usage *Usage
	for ev := range ch {
		switch ev.Type {
		case ProviderThinkingDelta:
			assistant.Thinking += ev.Text
			emit(Event{Type: EventThinkingDelta, Turn: turn, Text: ev.Text})
		case ProviderTextDelta:
			assistant.Content += ev.Text
			emit(Event{Type: EventTextDelta, Turn: turn, Text: ev.Text})
			emit(Event{Type: EventMessageUpdate, Turn: turn, Text: assistant.Content})
		case ProviderToolCall:
			if ev.ToolCall != nil {
				assistant.ToolCalls = append(assistant.ToolCalls, *ev.ToolCall)
				emit(Event{Type: EventToolCall, Turn: turn, ToolCall: ev.ToolCall})
			}
		case ProviderUsage:
			usage = ev.Usage
		case ProviderError:
			return models.Message{}, nil, ev.Err
		case ProviderDone:
		}
	}
	if ctx.Err() != nil {
		return models.Message{}, nil, ctx.Err()
	}
	return assistant, usage, nil
}

func toolResultMessage(call models.ToolCall, result *tools.Result) models.Message {
	content := result.Text()
	if content == "" {
		content = "(no output)"
	}
	return models.Message{
		Role:       models.RoleToolResult,
		ToolCallID: call.ID,
		Content:    content,
	}
}

func followUpMessage(fu *FollowUpMessage) models.Message {
	role := fu.Role
	if role == "" {
		role = models.RoleUser
	}
	return models.Message{Role: role, Content: fu.Content}
}

func steeringMessage(sm *SteeringMessage) models.Message {
	role := sm.Role
	if role == "" {
		role = models.RoleUser
	}
	return models.Message{Role: role, Content: sm.Content}
}
