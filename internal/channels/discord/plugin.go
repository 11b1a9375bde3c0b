// Package discord implements the Discord channel plugin on top of
// discordgo's gateway connection.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/openclaw/internal/channels"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// maxMessageLen is Discord's outbound text limit.
const maxMessageLen = 2000

// Config holds the plugin settings.
type Config struct {
	// Token is the bot token from the developer portal. Required.
	Token string

	// AccountID tags envelopes when one process runs several bots.
	AccountID string

	Logger *slog.Logger
}

// Plugin implements channels.Plugin for Discord.
type Plugin struct {
	config    Config
	logger    *slog.Logger
	envelopes chan *models.InboundEnvelope

	mu      sync.Mutex
	session *discordgo.Session
	started bool
}

// New creates the plugin. The token is required.
func New(cfg Config) (*Plugin, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Plugin{
		config:    cfg,
		logger:    cfg.Logger.With("channel", "discord"),
		envelopes: make(chan *models.InboundEnvelope, 100),
	}, nil
}

func (p *Plugin) ID() models.ChannelType { return models.ChannelDiscord }

func (p *Plugin) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		ChatTypes:      []models.ChatType{models.ChatDirect, models.ChatGroup, models.ChatChannel},
		MaxMessageLen:  maxMessageLen,
		SupportsMedia:  true,
		SupportsTyping: true,
		SupportsReply:  true,
	}
}

// Start opens the gateway connection.
func (p *Plugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("discord: already started")
	}

	session, err := discordgo.New("Bot " + p.config.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(p.handleMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	p.session = session
	p.started = true
	p.logger.Info("discord plugin started")

	go func() {
		<-ctx.Done()
		p.Stop(context.Background())
	}()
	return nil
}

// Stop closes the gateway connection and the envelope stream.
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	err := p.session.Close()
	close(p.envelopes)
	if err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return nil
}

func (p *Plugin) Envelopes() <-chan *models.InboundEnvelope {
	return p.envelopes
}

func (p *Plugin) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	env := convertMessage(m, s.State.User, p.config.AccountID)

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}

	select {
	case p.envelopes <- env:
	default:
		p.logger.Warn("envelope buffer full, dropping message", "chat_id", env.ChatID)
	}
}

// Send delivers one outbound message to a Discord channel.
func (p *Plugin) Send(ctx context.Context, out *channels.Outbound) error {
	p.mu.Lock()
	session := p.session
	started := p.started
	p.mu.Unlock()
	if !started || session == nil {
		return errors.New("discord: plugin not started")
	}

	send := &discordgo.MessageSend{Content: out.Text}
	if out.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: out.ReplyTo,
			ChannelID: out.ChatID,
		}
	}
	for _, att := range out.Attachments {
		// Discord renders URLs inline; local files are not uploaded
		// here, their URLs are appended instead.
		if send.Content != "" {
			send.Content += "\n"
		}
		send.Content += att.URL
	}

	if _, err := session.ChannelMessageSendComplex(out.ChatID, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// SendTyping implements channels.TypingNotifier.
func (p *Plugin) SendTyping(ctx context.Context, chatID string) error {
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.ChannelTyping(chatID, discordgo.WithContext(ctx))
}

// convertMessage normalizes a Discord message into an envelope.
func convertMessage(m *discordgo.MessageCreate, botUser *discordgo.User, accountID string) *models.InboundEnvelope {
	chatType := models.ChatChannel
	if m.GuildID == "" {
		chatType = models.ChatDirect
	}

	env := &models.InboundEnvelope{
		ChannelID:  string(models.ChannelDiscord),
		MessageID:  m.ID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		ChatID:     m.ChannelID,
		ChatType:   chatType,
		AccountID:  accountID,
		Text:       m.Content,
		Timestamp:  m.Timestamp,
		Metadata:   map[string]any{"guild_id": m.GuildID},
	}

	for _, user := range m.Mentions {
		env.Mentions = append(env.Mentions, user.ID)
		// A direct mention of the bot counts the same as @name text.
		if botUser != nil && user.ID == botUser.ID {
			env.Metadata["bot_mentioned"] = true
		}
	}
	if m.MessageReference != nil {
		env.ReplyTo = m.MessageReference.MessageID
	}

	for _, att := range m.Attachments {
		kind := "document"
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			kind = "image"
		case strings.HasPrefix(att.ContentType, "audio/"):
			kind = "audio"
		case strings.HasPrefix(att.ContentType, "video/"):
			kind = "video"
		}
		env.Attachments = append(env.Attachments, models.Attachment{
			Type:     kind,
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}
	return env
}
