package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
)

// ChatType classifies the conversation an envelope arrived from.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleToolResult:
		return true
	}
	return false
}

// ContentBlock is one element of a structured message body.
// Type is "text" or "image".
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is one entry in a session's history.
//
// Content holds the flattened text; Blocks carries structured content
// when the message includes images. ToolCalls is set only on assistant
// messages, ToolCallID only on toolResult messages.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Thinking   string         `json:"thinking,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// TextContent returns the message text, flattening blocks when present.
func (m *Message) TextContent() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Empty reports whether the message carries no usable content.
func (m *Message) Empty() bool {
	if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
		return false
	}
	return strings.TrimSpace(m.TextContent()) == ""
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

// Attachment represents a file or media attachment on an envelope.
type Attachment struct {
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// InboundEnvelope is the normalized form of a channel-specific message.
// Channel plugins construct one per platform event; everything downstream
// of the plugin operates on envelopes only.
type InboundEnvelope struct {
	ChannelID   string         `json:"channel_id"`
	MessageID   string         `json:"message_id"`
	SenderID    string         `json:"sender_id"`
	SenderName  string         `json:"sender_name,omitempty"`
	SenderE164  string         `json:"sender_e164,omitempty"`
	ChatID      string         `json:"chat_id"`
	ChatType    ChatType       `json:"chat_type"`
	AccountID   string         `json:"account_id,omitempty"`
	Text        string         `json:"text"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Mentions    []string       `json:"mentions,omitempty"`
	ReplyTo     string         `json:"reply_to,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Fingerprint identifies an envelope for dedupe purposes.
func (e *InboundEnvelope) Fingerprint() string {
	return e.ChannelID + "|" + e.ChatID + "|" + e.MessageID
}

// Session represents a conversation thread bound to one session key.
type Session struct {
	ID           string         `json:"id"`
	Key          string         `json:"key"`
	Messages     []Message      `json:"messages"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
}
