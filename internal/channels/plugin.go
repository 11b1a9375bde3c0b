// Package channels defines the plugin interface that messaging
// platform adapters implement, and the manager that runs their
// lifecycles.
package channels

import (
	"context"

	"github.com/haasonsaas/openclaw/pkg/models"
)

// Capabilities describes what a platform supports so the dispatcher
// can shape deliveries without platform-specific branches.
type Capabilities struct {
	// ChatTypes the platform can host.
	ChatTypes []models.ChatType `json:"chat_types"`

	// MaxMessageLen is the platform's outbound text limit; longer
	// replies are chunked. Zero means unlimited.
	MaxMessageLen int `json:"max_message_len"`

	SupportsMedia  bool `json:"supports_media"`
	SupportsTyping bool `json:"supports_typing"`
	SupportsVoice  bool `json:"supports_voice"`
	SupportsReply  bool `json:"supports_reply"`
}

// Outbound is a delivery request handed to a plugin.
type Outbound struct {
	ChatID      string
	Text        string
	ReplyTo     string
	Attachments []models.Attachment

	// AudioAsVoice asks the platform to render audio attachments as a
	// voice note where it distinguishes the two.
	AudioAsVoice bool
}

// Plugin is a messaging platform adapter. Implementations normalize
// platform events into InboundEnvelopes and deliver Outbounds.
type Plugin interface {
	// ID returns the channel identifier (telegram, discord, slack).
	ID() models.ChannelType

	// Capabilities is static per platform.
	Capabilities() Capabilities

	// Start connects and begins producing envelopes. It returns once
	// the connection is established; the receive loop runs until the
	// context is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop disconnects and closes the envelope channel.
	Stop(ctx context.Context) error

	// Send delivers one outbound message.
	Send(ctx context.Context, out *Outbound) error

	// Envelopes returns the inbound stream. Closed on stop.
	Envelopes() <-chan *models.InboundEnvelope
}

// TypingNotifier is implemented by plugins that can show a typing
// indicator while the agent works.
type TypingNotifier interface {
	SendTyping(ctx context.Context, chatID string) error
}
