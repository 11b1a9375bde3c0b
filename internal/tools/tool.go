// Package tools defines the uniform tool contract consumed by the agent
// turn loop, the registry that validates and executes tool calls, and
// the policy layer that decides which tools a session may see.
package tools

import (
	"context"
	"encoding/json"
)

// Content is one block of tool output.
type Content struct {
	Type string `json:"type"` // text, image
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Result is the outcome of one tool execution.
type Result struct {
	Content []Content      `json:"content"`
	Details map[string]any `json:"details,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// TextResult builds a plain-text success result.
func TextResult(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult builds an error result with the given message.
func ErrorResult(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

// Text flattens the result's text content.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	out := ""
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// Invocation carries one tool call into Execute.
type Invocation struct {
	// CallID is the provider-assigned tool call ID.
	CallID string

	// Params is the raw JSON parameter object, already validated
	// against the tool's schema.
	Params json.RawMessage

	// OnUpdate, when set, receives streaming progress text.
	OnUpdate func(update string)
}

// Tool is implemented by every executable tool.
type Tool interface {
	// Name is the canonical tool name (after alias resolution).
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Errors that represent tool failure should
	// be returned inside the Result with IsError set; a returned error
	// means the invocation itself could not run.
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Labeled is implemented by tools that expose a human-facing label.
type Labeled interface {
	Label() string
}

// FuncTool adapts a closure into a Tool, for app wiring of small tools
// (session status, message send) without dedicated types.
type FuncTool struct {
	ToolName    string
	ToolLabel   string
	Desc        string
	ParamSchema json.RawMessage
	Fn          func(ctx context.Context, inv *Invocation) (*Result, error)
}

func (t *FuncTool) Name() string             { return t.ToolName }
func (t *FuncTool) Label() string            { return t.ToolLabel }
func (t *FuncTool) Description() string      { return t.Desc }
func (t *FuncTool) Schema() json.RawMessage  { return t.ParamSchema }
func (t *FuncTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	return t.Fn(ctx, inv)
}
