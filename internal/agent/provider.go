// Package agent implements the streaming turn loop: provider calls,
// tool execution, steering and follow-up injection, retry and model
// fallback.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/openclaw/pkg/models"
)

// Sentinel errors for loop failures.
var (
	ErrMaxIterations   = errors.New("max iterations exceeded")
	ErrNoProvider      = errors.New("no provider configured")
	ErrAllModelsFailed = errors.New("all models in the fallback chain failed")
)

// ProviderEventType enumerates streaming events from a provider.
type ProviderEventType string

const (
	ProviderThinkingDelta ProviderEventType = "thinking_delta"
	ProviderTextDelta     ProviderEventType = "text_delta"
	ProviderToolCall      ProviderEventType = "tool_call"
	ProviderUsage         ProviderEventType = "usage"
	ProviderDone          ProviderEventType = "done"
	ProviderError         ProviderEventType = "error"
)

// Usage reports token accounting for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProviderEvent is one streamed chunk from a provider.
type ProviderEvent struct {
	Type     ProviderEventType
	Text     string
	ToolCall *models.ToolCall
	Usage    *Usage
	Err      error
}

// ToolSpec describes one tool for the provider request.
type ToolSpec struct {
	Name        string
	Description string
	Schema      []byte
}

// StreamOptions parameterize one provider call.
type StreamOptions struct {
	Model          string
	SystemPrompt   string
	MaxTokens      int
	ThinkingBudget int
	Tools          []ToolSpec
}

// StreamProvider streams one model completion. The returned channel is
// closed after a done or error event.
type StreamProvider interface {
	Name() string
	Stream(ctx context.Context, messages []models.Message, opts StreamOptions) (<-chan ProviderEvent, error)
}

// APIError is a provider-level failure carrying the HTTP status when
// one is available.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

// Retryable reports whether the call may succeed on retry. Timeouts,
// rate limits, and server errors are retryable; auth and request
// errors are terminal.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 400, e.StatusCode == 401, e.StatusCode == 403, e.StatusCode == 404:
		return false
	case e.StatusCode == 0:
		// No status: network-level failure.
		return true
	default:
		return false
	}
}

// IsRetryable classifies any error for the retry loop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	// Unclassified errors are treated as transient.
	return true
}
